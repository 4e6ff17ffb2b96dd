package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/core"
	"github.com/Ramazan2220/warmq/internal/logging"
)

// Server is the HTTP listener as a lifecycle component.
type Server struct {
	*core.BaseComponent
	cfg config.ServerConfig
	srv *http.Server
}

func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		BaseComponent: core.NewBaseComponent(consts.CompServer),
		cfg:           cfg,
		srv: &http.Server{
			Addr:              cfg.Address(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s.IsActive() {
		return nil
	}
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "http server exited", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.IsActive() {
		return nil
	}
	timeout := s.cfg.GracefulTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.BaseComponent.Stop(ctx)
}
