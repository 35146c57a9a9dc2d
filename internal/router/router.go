// Package router accepts client WebSocket connections and runs a session on
// each of them.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/internal/session"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router owns the live client connections.
type Router struct {
	auth       session.Authenticator
	dispatcher session.Poster
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
	sessionOpts    session.Options

	// Sessions run under ctx so Shutdown can end them; hijacked connections
	// are not closed by http.Server.Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
	active   atomic.Int64
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string      // for WebSocket origin check
	MaxClientMsgBytes int64         // max WebSocket message size from clients (default 64KB)
	PingInterval      time.Duration // default 30s
	PongWait          time.Duration // default 60s
	Session           session.Options
}

// New creates a new Router.
func New(authn session.Authenticator, d session.Poster, logger *slog.Logger, opts Options) *Router {
	limit := opts.MaxClientMsgBytes
	if limit == 0 {
		limit = 64 * 1024 // 64KB default
	}
	ping := opts.PingInterval
	if ping == 0 {
		ping = defaultPingInterval
	}
	pong := opts.PongWait
	if pong == 0 {
		pong = defaultPongWait
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		auth:           authn,
		dispatcher:     d,
		logger:         logger.With("component", "router"),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		maxMessageSize: limit,
		pingInterval:   ping,
		pongWait:       pong,
		sessionOpts:    opts.Session,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ActiveConnections returns the number of connections currently served.
func (r *Router) ActiveConnections() int64 {
	return r.active.Load()
}

// HandleWS upgrades the request and serves the connection until it closes.
// Clients authenticate in-band, so the upgrade itself is unauthenticated.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	r.sessions.Add(1)
	r.mu.Unlock()
	defer r.sessions.Done()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(r.maxMessageSize)

	var writeMu sync.Mutex
	stopKeepalive := startWSKeepalive(conn, &writeMu, r.pingInterval, r.pongWait)
	defer stopKeepalive()

	connID := uuid.New().String()
	sess, err := session.New(connID, &lockedConn{Conn: conn, mu: &writeMu}, r.auth, r.dispatcher, r.logger, r.sessionOpts)
	if err != nil {
		r.logger.Error("create session failed", "conn_id", connID, "error", err)
		return
	}

	n := r.active.Add(1)
	defer r.active.Add(-1)
	r.logger.Info("client connected", "conn_id", connID, "remote", req.RemoteAddr, "active", n)

	if err := sess.Run(r.ctx); err != nil {
		r.logger.Debug("client read error", "conn_id", connID, "error", err)
	}
	r.logger.Info("client disconnected", "conn_id", connID)
}

// Shutdown ends every session and waits for them to finish or ctx to expire.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
