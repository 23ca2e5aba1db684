package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/den1s0v/vstu-schedule/internal/corrections"
	"github.com/den1s0v/vstu-schedule/internal/ratelimit"
	"github.com/den1s0v/vstu-schedule/internal/storage"
)

// Server is the corrections HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Engine *corrections.Engine
	Logger *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	PageSize            int
	MaxRequestBodyBytes int64

	// Limiter guards the apply endpoint. Nil disables rate limiting.
	Limiter ratelimit.Limiter
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Engine:              cfg.Engine,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		PageSize:            cfg.PageSize,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// The hot path, optionally behind the per-client limiter.
	var applyHandler http.Handler = http.HandlerFunc(h.HandleApplyCorrection)
	if cfg.Limiter != nil {
		reqID := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
		applyHandler = ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqID, cfg.Logger)(applyHandler)
	}
	mux.Handle("POST /v1/corrections/apply", applyHandler)

	// Canonical entity administration.
	mux.HandleFunc("POST /v1/correct-objects", h.HandleCreateCorrectObject)
	mux.HandleFunc("GET /v1/correct-objects", h.HandleListCorrectObjects)
	mux.HandleFunc("GET /v1/correct-objects/{id}", h.HandleGetCorrectObject)
	mux.HandleFunc("PATCH /v1/correct-objects/{id}", h.HandleUpdateCorrectObject)
	mux.HandleFunc("DELETE /v1/correct-objects/{id}", h.HandleDeleteCorrectObject)

	// Scopes and their contents.
	mux.HandleFunc("POST /v1/scopes", h.HandleCreateScope)
	mux.HandleFunc("GET /v1/scopes", h.HandleListScopes)
	mux.HandleFunc("GET /v1/scopes/{id}/occurrences", h.HandleListScopeOccurrences)
	mux.HandleFunc("GET /v1/occurrences/{id}/resolutions", h.HandleListOccurrenceResolutions)
	mux.HandleFunc("GET /v1/conflicts", h.HandleListConflicts)

	// Review surface used by the moderation UI.
	mux.HandleFunc("GET /corrections/", h.HandleListCorrections)
	mux.HandleFunc("GET /corrections/{id}/edit/", h.HandleGetCorrectionEdit)
	mux.HandleFunc("POST /corrections/{id}/edit/", h.HandlePostCorrectionEdit)

	// Health (no envelope dependencies beyond the DB ping).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
