// Package api provides the HTTP surface of the relay: the WebSocket endpoint,
// health checks, account signup and presence.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/config"
	"github.com/amurg-ai/relay/internal/dispatcher"
	"github.com/amurg-ai/relay/internal/router"
	"github.com/amurg-ai/relay/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	dispatcher   *dispatcher.Dispatcher
	router       *router.Router
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	signupRL     *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, authSvc *auth.Service, d *dispatcher.Dispatcher, rt *router.Router, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		auth:         authSvc,
		dispatcher:   d,
		router:       rt,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		signupRL:     newRateLimiter(cfg.RateLimit.SignupPerSecond, cfg.RateLimit.SignupBurst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket route (clients log in over the socket)
	mux.Get("/ws", rt.HandleWS)

	mux.Get("/api/auth/config", srv.handleAuthConfig)
	mux.With(ipRateLimitMiddleware(srv.signupRL, "too many signup attempts")).
		Post("/api/accounts", srv.handleSignup)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Get("/api/online", srv.handleOnline)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.signupRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"provider":  s.auth.Provider(),
		"signature": "sha384(username + password + anti_replay_token)",
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.auth.Signup(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrAccountExists):
		writeError(w, http.StatusConflict, "account already exists")
		return
	case err != nil:
		s.logger.Error("signup failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.dispatcher.Post(dispatcher.AddKnown{Identity: user.Name})
	s.logger.Info("account created", "identity", user.Name)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	online, err := s.dispatcher.Online(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":    getIdentityFromContext(r.Context()),
		"online":      online,
		"connections": s.router.ActiveConnections(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	select {
	case <-s.dispatcher.Done():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "dispatcher stopped",
		})
		return
	default:
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
