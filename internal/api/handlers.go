package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/logging"
	"github.com/Ramazan2220/warmq/internal/model"
	"github.com/Ramazan2220/warmq/internal/repository"
)

const ownerHeader = "X-Owner-ID"

type ownerKeyType struct{}

var ownerKey ownerKeyType

// requireOwner rejects requests without a tenant identity and stores the
// parsed owner id in the request context.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ownerHeader)
		ownerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ownerID <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+ownerHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, ownerID)))
	})
}

func ownerFrom(r *http.Request) int64 {
	v, _ := r.Context().Value(ownerKey).(int64)
	return v
}

// traceMiddleware reuses chi's request id as the log correlation id.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := r.Header.Get("X-Request-Id"); reqID != "" {
			r = r.WithContext(logging.WithTraceID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}

type handlers struct {
	deps Deps
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	type componentHealth struct {
		Name    string `json:"name"`
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}
	out := struct {
		Status     string            `json:"status"`
		Components []componentHealth `json:"components"`
	}{Status: "ok"}

	for _, c := range h.deps.Components {
		ch := componentHealth{Name: c.Name(), Healthy: true}
		if err := c.HealthCheck(); err != nil {
			ch.Healthy = false
			ch.Error = err.Error()
			out.Status = "degraded"
		}
		out.Components = append(out.Components, ch)
	}
	code := http.StatusOK
	if out.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func (h *handlers) storageStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Store.ConnStats())
}

func (h *handlers) forceFailover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Replica string `json:"replica"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Replica == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"replica\": \"<name>\"}")
		return
	}
	if err := h.deps.Store.ForceFailover(r.Context(), req.Replica); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	logging.Warn(r.Context(), "api: forced failover executed", zap.String("replica", req.Replica))
	writeJSON(w, http.StatusOK, h.deps.Store.ConnStats())
}

type createTaskRequest struct {
	AccountID int64          `json:"account_id"`
	Settings  model.Settings `json:"settings"`
}

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID <= 0 {
		writeError(w, http.StatusBadRequest, "body must carry a positive account_id")
		return
	}
	if h.deps.Accounts != nil {
		if err := h.deps.Accounts.ValidateAccess(r.Context(), ownerID, req.AccountID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "account lookup failed")
			return
		}
	}
	task := &model.Task{
		AccountID: req.AccountID,
		Status:    consts.Pending,
		Settings:  req.Settings,
	}
	if err := h.deps.Tasks.Create(r.Context(), ownerID, task); err != nil {
		logging.Error(r.Context(), "api: create task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.Submit(task)
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.deps.Tasks.ListByOwner(r.Context(), ownerFrom(r))
	if err != nil {
		logging.Error(r.Context(), "api: list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := h.deps.Tasks.Get(r.Context(), ownerFrom(r), taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := h.deps.Tasks.Delete(r.Context(), ownerFrom(r), taskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	accs, err := h.deps.Accounts.ListByOwner(r.Context(), ownerFrom(r))
	if err != nil {
		logging.Error(r.Context(), "api: list accounts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, accs)
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	acc, err := h.deps.Accounts.Get(r.Context(), ownerFrom(r), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
