// Package httpapi exposes the task control plane over HTTP: run
// creation and scoped run/task listings, behind the same bearer scheme
// the websocket boundary uses.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/callog"
	"github.com/unpod-ai/voicecore/internal/tasks"
)

// TaskService is the slice of the task store the API needs; *tasks.Store
// satisfies it.
type TaskService interface {
	CreateRun(ctx context.Context, run tasks.Run, taskList []tasks.Task) (tasks.Run, []tasks.Task, error)
	Runs(ctx context.Context, scope tasks.Scope, f tasks.Filter) (tasks.Page[tasks.Run], error)
	Tasks(ctx context.Context, scope tasks.Scope, f tasks.Filter, runID string) (tasks.Page[tasks.Task], error)
}

// TaskQueue publishes immediately runnable tasks; *consumer.Enqueuer
// satisfies it.
type TaskQueue interface {
	Enqueue(ctx context.Context, task tasks.Task) error
}

// ContactFinder materializes contacts from a CRM segment filter;
// *callog.Store satisfies it.
type ContactFinder interface {
	FindContacts(ctx context.Context, collection string, filter map[string]any, limit int64) ([]callog.Contact, error)
}

// Handler serves the task control plane.
type Handler struct {
	validator *auth.Validator
	store     TaskService
	queue     TaskQueue
	contacts  ContactFinder // nil disables filter-driven runs
	logger    *zap.Logger
}

func NewHandler(validator *auth.Validator, store TaskService, queue TaskQueue,
	contacts ContactFinder, logger *zap.Logger) *Handler {
	return &Handler{
		validator: validator,
		store:     store,
		queue:     queue,
		contacts:  contacts,
		logger:    logger,
	}
}

// RegisterRoutes registers the task endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/tasks/create_run/", h.authenticated(h.handleCreateRun))
	mux.HandleFunc("/tasks/get_runs/", h.authenticated(h.handleGetRuns))
	mux.HandleFunc("/tasks/get_tasks/", h.authenticated(h.handleGetTasks))
	mux.HandleFunc("/tasks/get_run_tasks/", h.authenticated(h.handleGetRunTasks))
}

type identityKey struct{}

// authenticated rejects requests without a valid bearer credential.
func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, authErr := h.validator.Validate(r.Context(), r.Header.Get("Authorization"), r.URL.Query())
		if authErr != nil {
			h.logger.Debug("request rejected", zap.String("code", authErr.Code))
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": authErr.Reason})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
