package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/model"
)

func newExecutor(url string) *HTTPExecutor {
	return NewHTTPExecutor(config.ExecutorConfig{
		Name:           "http",
		Endpoint:       url,
		RequestTimeout: 2 * time.Second,
	})
}

func TestRunSuccess(t *testing.T) {
	var gotReq sessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"actions_performed": {"follows": 4, "likes": 12},
			"session_metadata": {"phase": "engage", "device": "pixel-7"}
		}`))
	}))
	defer srv.Close()

	res, err := newExecutor(srv.URL).Run(context.Background(), 42,
		model.Settings{Speed: consts.SpeedSlow, ForcePassive: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotReq.AccountID != 42 || !gotReq.Settings.ForcePassive {
		t.Fatalf("request body mangled: %+v", gotReq)
	}
	if res.ActionsPerformed["likes"] != 12 {
		t.Fatalf("actions not parsed: %+v", res.ActionsPerformed)
	}
	if res.SessionMetadata["phase"] != "engage" {
		t.Fatalf("metadata not parsed: %+v", res.SessionMetadata)
	}
}

func TestRunSessionFailureOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": "challenge_required", "errors": ["challenge_required"]}`))
	}))
	defer srv.Close()

	res, err := newExecutor(srv.URL).Run(context.Background(), 1, model.Settings{})
	if err == nil || !strings.Contains(err.Error(), "challenge_required") {
		t.Fatalf("want session failure, got res=%+v err=%v", res, err)
	}
	if res == nil || len(res.Errors) != 1 {
		t.Fatalf("partial result should still carry the errors list: %+v", res)
	}
}

func TestRunHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newExecutor(srv.URL).Run(context.Background(), 1, model.Settings{})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("want status error, got %v", err)
	}
}

func TestRunMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	_, err := newExecutor(srv.URL).Run(context.Background(), 1, model.Settings{})
	if err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("want malformed reply error, got %v", err)
	}
}

func TestRunClassifiesConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newExecutor(url).Run(context.Background(), 1, model.Settings{})
	if err == nil || !strings.Contains(err.Error(), "connection_refused") {
		t.Fatalf("want connection_refused classification, got %v", err)
	}
}

func TestRunClassifiesTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	e := NewHTTPExecutor(config.ExecutorConfig{
		Name:           "http",
		Endpoint:       srv.URL,
		RequestTimeout: 50 * time.Millisecond,
	})
	_, err := e.Run(context.Background(), 1, model.Settings{})
	if err == nil || !strings.Contains(err.Error(), "request_timeout") {
		t.Fatalf("want request_timeout classification, got %v", err)
	}
}

func TestRunClassifiesCanceled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newExecutor(srv.URL).Run(ctx, 1, model.Settings{})
	if err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("want canceled classification, got %v", err)
	}
}

func TestRunUnconfiguredEndpoint(t *testing.T) {
	_, err := newExecutor("").Run(context.Background(), 1, model.Settings{})
	if err == nil {
		t.Fatal("missing endpoint must error")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newExecutor("http://engine.local"))

	if _, err := reg.Get("http"); err != nil {
		t.Fatalf("registered executor not found: %v", err)
	}
	if _, err := reg.Get("grpc"); err == nil {
		t.Fatal("unknown executor must error")
	}
}
