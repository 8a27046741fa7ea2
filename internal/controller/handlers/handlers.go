// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"mopplane/internal/logger"
	"mopplane/internal/store"
	"mopplane/internal/worker"
	"mopplane/pkg/api"
	"mopplane/pkg/mop"

	"github.com/gorilla/websocket"
)

// Engine is the assessment engine as seen by the API.
type Engine interface {
	Submit(ctx context.Context, m mop.MOP, servers []mop.Server) (string, error)
	Status(ctx context.Context, id string) (*store.Job, error)
	Result(ctx context.Context, id string) (*mop.AssessmentResult, error)
	Cancel(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*store.Job, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	engine        Engine
	pinger        Pinger
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	watchInterval time.Duration
	now           func() time.Time
}

// New creates a new Handlers instance. pinger may be nil when no archive is configured.
func New(engine Engine, pinger Pinger, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		engine: engine,
		pinger: pinger,
		logger: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		watchInterval: time.Second,
		now:           time.Now,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// engineError maps engine and store errors to status codes.
func (h *Handlers) engineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, worker.ErrDependencyCycle):
		h.httpError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, worker.ErrInvalidInput):
		h.httpError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "Assessment not found", http.StatusNotFound)
	case errors.Is(err, store.ErrNotReady):
		h.httpError(w, err.Error(), http.StatusConflict)
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed", "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// toStatus converts a job snapshot into its API shape.
func toStatus(job *store.Job, now time.Time) api.StatusResponse {
	resp := api.StatusResponse{
		ID:               job.ID,
		MOPID:            job.MOPID,
		MOPName:          job.MOPName,
		Status:           job.Status,
		Error:            job.Error,
		CurrentCommand:   job.CurrentCommand,
		TotalCommands:    job.TotalCommands,
		CurrentServer:    job.CurrentServer,
		TotalServers:     job.TotalServers,
		Percentage:       job.Percentage,
		RemainingSeconds: int64(job.EstimatedRemaining(now) / time.Second),
		Log:              job.Log,
		CreatedAt:        job.CreatedAt,
	}
	if !job.StartedAt.IsZero() {
		started := job.StartedAt
		resp.StartedAt = &started
	}
	if !job.FinishedAt.IsZero() {
		finished := job.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}
