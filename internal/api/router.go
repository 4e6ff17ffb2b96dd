package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Ramazan2220/warmq/internal/core"
	"github.com/Ramazan2220/warmq/internal/metrics"
	"github.com/Ramazan2220/warmq/internal/repository"
	"github.com/Ramazan2220/warmq/internal/scheduler"
	"github.com/Ramazan2220/warmq/internal/store"
)

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Store      *store.Store
	Scheduler  *scheduler.Scheduler
	Tasks      *repository.TaskRepository
	Accounts   *repository.AccountRepository
	Metrics    *metrics.Metrics
	Components []core.Component
}

// NewRouter builds the ops and tenant API. Tenant identity comes from the
// X-Owner-ID header; in production a gateway stamps it after auth, and the
// handlers trust it the way the repositories trust owner_id.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware)

	h := &handlers{deps: deps}

	r.Get("/healthz", h.healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/storage", func(r chi.Router) {
			r.Get("/stats", h.storageStats)
			r.Post("/failover", h.forceFailover)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Use(requireOwner)
			r.Get("/", h.listTasks)
			r.Post("/", h.createTask)
			r.Get("/{taskID}", h.getTask)
			r.Delete("/{taskID}", h.deleteTask)
		})
		r.Route("/accounts", func(r chi.Router) {
			r.Use(requireOwner)
			r.Get("/", h.listAccounts)
			r.Get("/{accountID}", h.getAccount)
		})
	})
	return r
}
