package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Ramazan2220/warmq/internal/api"
	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/core"
	"github.com/Ramazan2220/warmq/internal/executor"
	"github.com/Ramazan2220/warmq/internal/gate"
	"github.com/Ramazan2220/warmq/internal/logging"
	"github.com/Ramazan2220/warmq/internal/metrics"
	"github.com/Ramazan2220/warmq/internal/migrate"
	"github.com/Ramazan2220/warmq/internal/repository"
	"github.com/Ramazan2220/warmq/internal/scheduler"
	"github.com/Ramazan2220/warmq/internal/store"
	"github.com/Ramazan2220/warmq/internal/userlog"
)

var Version = "v0.3.0"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	migrateFlag := flag.Bool("migrate", true, "run SQL migrations on startup")
	migrationsDir := flag.String("migrations", "migrations", "directory containing *.sql migration files")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("warmq-server", Version)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	logging.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	logging.Info(ctx, "warmq server starting", zap.String("version", Version))

	m := metrics.New()
	metrics.RegisterGlobal(m)

	st := store.New(cfg.Storage)
	if err := st.Start(ctx); err != nil {
		logging.Error(ctx, "start store", zap.Error(err))
		os.Exit(1)
	}

	if *migrateFlag {
		abs, _ := filepath.Abs(*migrationsDir)
		if err := st.Write(ctx, func(db *gorm.DB) error {
			return migrate.Run(ctx, db, abs)
		}); err != nil {
			logging.Error(ctx, "migrations failed", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "migrations applied", zap.String("dir", abs))
	}

	taskRepo := repository.NewTaskRepository(st)
	accountRepo := repository.NewAccountRepository(st)

	registry := executor.NewRegistry()
	registry.Register(executor.NewHTTPExecutor(cfg.Executor))
	exec, err := registry.Get(cfg.Executor.Name)
	if err != nil {
		logging.Error(ctx, "resolve executor", zap.Error(err))
		os.Exit(1)
	}

	sink := userlog.New(cfg.Redis)
	if err := sink.Start(ctx); err != nil {
		logging.Error(ctx, "start user log sink", zap.Error(err))
		os.Exit(1)
	}

	// Scorers live with the session engine for now; sessions run without
	// gating until they are wired, except where force_passive is already set.
	g := gate.New(cfg.Gate, nil, nil)

	sched := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Repo: taskRepo,
		Exec: exec,
		Gate: g,
		Sink: sink,
	})
	if err := sched.Start(ctx); err != nil {
		logging.Error(ctx, "start scheduler", zap.Error(err))
		os.Exit(1)
	}

	router := api.NewRouter(api.Deps{
		Store:      st,
		Scheduler:  sched,
		Tasks:      taskRepo,
		Accounts:   accountRepo,
		Metrics:    m,
		Components: []core.Component{st, sched, sink},
	})
	srv := api.NewServer(cfg.Server, router)
	if err := srv.Start(ctx); err != nil {
		logging.Error(ctx, "start http server", zap.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info(ctx, "shutdown signal received")

	// Reverse start order: stop intake first, then the workers, then sinks.
	for _, c := range []core.Component{srv, sched, sink, st} {
		if err := c.Stop(ctx); err != nil {
			logging.Warn(ctx, "component stop failed",
				zap.String("component", c.Name()), zap.Error(err))
		}
	}
	logging.Info(ctx, "server exited")
}
