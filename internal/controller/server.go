// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"mopplane/internal/controller/handlers"
	"mopplane/internal/controller/middleware"
)

// Options configures the controller server.
type Options struct {
	// Bearer token for /assessments. Empty disables authentication.
	Token          string
	RateLimit      float64
	RateLimitBurst int
	Logger         *slog.Logger

	// Readiness dependency, optional
	Pinger handlers.Pinger

	// Served at /metrics when set
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, engine handlers.Engine, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(engine, opts),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
		},
	}
}

// NewHandler builds the routed API handler.
func NewHandler(engine handlers.Engine, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := handlers.New(engine, opts.Pinger, opts.Logger)
	authMW := middleware.AuthMiddleware(opts.Token)
	rateMW := middleware.NewRateLimiter(middleware.WithLimit(opts.RateLimit, opts.RateLimitBurst)).Middleware()
	protect := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.Handle("POST /assessments", protect(h.SubmitAssessment))
	mux.Handle("GET /assessments", protect(h.ListAssessments))
	mux.Handle("GET /assessments/{id}", protect(h.GetAssessment))
	mux.Handle("GET /assessments/{id}/result", protect(h.GetResult))
	mux.Handle("GET /assessments/{id}/report", protect(h.GetReport))
	mux.Handle("POST /assessments/{id}/cancel", protect(h.CancelAssessment))
	mux.Handle("DELETE /assessments/{id}", protect(h.DeleteAssessment))
	mux.Handle("GET /assessments/{id}/watch", protect(h.WatchAssessment))

	return middleware.RequestID(middleware.AccessLog(opts.Logger)(mux))
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
