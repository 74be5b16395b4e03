package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonathan/lumnicode/internal/assist"
	"github.com/jonathan/lumnicode/internal/keys"
	"github.com/jonathan/lumnicode/internal/pipeline"
	"github.com/jonathan/lumnicode/internal/ratelimit"
	"github.com/jonathan/lumnicode/internal/server/middleware"
)

// maxBodyBytes bounds request bodies; assist payloads carry whole files.
const maxBodyBytes = 4 << 20

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MetricsEnabled  bool
}

// Deps are the services the HTTP layer delegates to.
type Deps struct {
	Keys      *keys.Manager
	Assist    *assist.Service
	Generator *pipeline.Generator
	Projects  ProjectRepository
	Accounts  AccountStore
	Tokens    middleware.TokenValidator
	Users     middleware.UserResolver
	// Limiter is optional; nil disables per-client rate limiting.
	Limiter *ratelimit.Limiter
	// Health is optional; nil makes /health report ok unconditionally.
	Health Pinger
}

// Server represents the HTTP server
type Server struct {
	cfg        Config
	httpServer *http.Server
	handler    http.Handler

	keys        *keys.Manager
	assist      *assist.Service
	generator   *pipeline.Generator
	projects    ProjectRepository
	accounts    AccountStore
	health      Pinger
	rateLimiter *ratelimit.Limiter
	validate    *validator.Validate

	// closing is closed on shutdown so hijacked WebSocket connections end too.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Keys == nil || deps.Assist == nil || deps.Generator == nil {
		return nil, fmt.Errorf("server requires key manager, assist service and generator")
	}
	if deps.Tokens == nil || deps.Users == nil {
		return nil, fmt.Errorf("server requires token validator and user resolver")
	}
	if deps.Projects == nil || deps.Accounts == nil {
		return nil, fmt.Errorf("server requires project and account stores")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		cfg:         cfg,
		keys:        deps.Keys,
		assist:      deps.Assist,
		generator:   deps.Generator,
		projects:    deps.Projects,
		accounts:    deps.Accounts,
		health:      deps.Health,
		rateLimiter: deps.Limiter,
		validate:    newValidator(),
		closing:     make(chan struct{}),
	}

	auth := middleware.AuthMiddleware(deps.Tokens, deps.Users)
	protected := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Key management
	mux.Handle("POST /api/keys", protected(s.handleAddKey))
	mux.Handle("GET /api/keys", protected(s.handleListKeys))
	mux.Handle("GET /api/keys/providers", protected(s.handleKeyProviders))
	mux.Handle("GET /api/keys/usage", protected(s.handleKeyUsage))
	mux.Handle("POST /api/keys/validate", protected(s.handleValidateKeys))
	mux.Handle("PUT /api/keys/{id}/deactivate", protected(s.handleDeactivateKey))
	mux.Handle("PUT /api/keys/{id}/limits", protected(s.handleSetKeyLimits))
	mux.Handle("DELETE /api/keys/{id}", protected(s.handleDeleteKey))

	// Account and projects
	mux.Handle("GET /api/auth/me", protected(s.handleMe))
	mux.Handle("POST /api/projects", protected(s.handleCreateProject))
	mux.Handle("GET /api/projects", protected(s.handleListProjects))
	mux.Handle("GET /api/projects/{id}", protected(s.handleGetProject))
	mux.Handle("PUT /api/projects/{id}", protected(s.handleUpdateProject))
	mux.Handle("DELETE /api/projects/{id}", protected(s.handleDeleteProject))
	mux.Handle("GET /api/projects/{id}/files", protected(s.handleListProjectFiles))

	// Inline assist
	mux.Handle("POST /api/assist", protected(s.handleAssist))

	// Project generation
	mux.Handle("POST /api/ai/generate/{project_id}", protected(s.handleStartGeneration))
	mux.Handle("GET /api/ai/sessions", protected(s.handleListSessions))
	mux.Handle("GET /api/ai/session/{id}", protected(s.handleGetSession))
	mux.Handle("POST /api/ai/session/{id}/stop", protected(s.handleStopSession))
	mux.Handle("POST /api/ai/session/{id}/pause", protected(s.handlePauseSession))
	mux.Handle("POST /api/ai/session/{id}/resume", protected(s.handleResumeSession))
	mux.Handle("GET /api/ai/session/{id}/events", protected(s.handleSessionEvents))
	mux.Handle("GET /api/ai/history/{project_id}", protected(s.handleGenerationHistory))
	mux.Handle("GET /api/ai/providers", protected(s.handleAIProviders))

	// Progress channel
	mux.Handle("GET /ws/ai-progress/{project_id}", protected(s.handleProgressSocket))

	var handler http.Handler = mux
	handler = s.withCORS(handler)
	if s.rateLimiter != nil {
		handler = s.withRateLimit(handler)
	}
	handler = s.withLogging(handler)
	handler = s.withMetrics(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, ends progress streams, and waits for generation tasks.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := s.generator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("generator shutdown failed: %w", err))
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	slog.Info("server stopped")
	return errors.Join(errs...)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable", "timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// failure maps err to a status. Internal errors are logged and not echoed to the client.
func (s *Server) failure(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// decode reads a JSON body into dst and runs struct validation.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.errorResponse(w, http.StatusBadRequest, validationError(err).Error())
		return false
	}
	return true
}

// userID returns the authenticated caller.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, false
	}
	return id, true
}

// pathUUID parses a UUID path value; malformed IDs are reported as not found.
func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name, notFound string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, notFound)
		return uuid.Nil, false
	}
	return id, true
}
