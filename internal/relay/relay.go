// Package relay wires storage, credentials, the dispatcher and the HTTP
// surface into one running process.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/amurg-ai/relay/internal/api"
	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/config"
	"github.com/amurg-ai/relay/internal/dispatcher"
	"github.com/amurg-ai/relay/internal/router"
	"github.com/amurg-ai/relay/internal/session"
	"github.com/amurg-ai/relay/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Relay is the main relay process.
type Relay struct {
	cfg        *config.Config
	store      store.Store
	auth       *auth.Service
	dispatcher *dispatcher.Dispatcher
	router     *router.Router
	api        *api.Server
	logger     *slog.Logger
}

// New creates a relay from configuration. It opens the store, creates the
// configured initial accounts and seeds the dispatcher with every known
// identity.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	tokens, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init token provider: %w", err)
	}
	authSvc := auth.NewService(db, tokens)

	ctx := context.Background()
	created, err := authSvc.Bootstrap(ctx, cfg.Auth.InitialAccounts)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap accounts: %w", err)
	}
	for _, name := range created {
		logger.Info("initial account created", "identity", name)
	}

	users, err := db.ListUsers(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load identities: %w", err)
	}
	known := make([]string, 0, len(users))
	for _, u := range users {
		known = append(known, u.Name)
	}

	d := dispatcher.New(logger, known)

	rt := router.New(authSvc, d, logger, router.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxClientMsgBytes: cfg.Session.MaxMessageBytes,
		PingInterval:      cfg.Session.PingInterval.Duration,
		PongWait:          cfg.Session.PongWait.Duration,
		Session: session.Options{
			LoginTimeout:      cfg.Session.LoginTimeout.Duration,
			MessagesPerSecond: cfg.Session.MessagesPerSecond,
			Burst:             cfg.Session.Burst,
		},
	})

	apiSrv := api.NewServer(db, authSvc, d, rt, cfg, logger)

	r := &Relay{
		cfg:        cfg,
		store:      db,
		auth:       authSvc,
		dispatcher: d,
		router:     rt,
		api:        apiSrv,
		logger:     logger.With("component", "relay"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	logger.Info("relay initialized", "provider", authSvc.Provider(), "storage", cfg.Storage.Driver, "identities", len(known))

	return r, nil
}

// Run serves until ctx is canceled, then shuts down sessions, the HTTP
// server, the dispatcher and the store in that order.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Server.Addr)
	if err != nil {
		_ = r.store.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return r.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispatchCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go r.dispatcher.Run(dispatchCtx)

	r.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", ln.Addr().String())
		if r.cfg.Server.TLSCert != "" && r.cfg.Server.TLSKey != "" {
			errCh <- srv.ServeTLS(ln, r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := r.router.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("sessions did not finish in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			r.logger.Info("http server stopped gracefully")
		}

		stopDispatcher()
		<-r.dispatcher.Done()

		r.logger.Info("closing store")
		_ = r.store.Close()
		r.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = r.router.Shutdown(context.Background())
		stopDispatcher()
		<-r.dispatcher.Done()
		_ = r.store.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
