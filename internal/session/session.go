// Package session implements the per-connection state machine: it
// authenticates the client, checks the provenance of every routing request
// and translates between wire messages and dispatcher messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/dispatcher"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// NonceLength is the length of anti-replay tokens.
const NonceLength = 32

// Client-facing failure texts.
const (
	reasonInvalidSignature = "invalid signature"
	reasonInvalidAccount   = "invalid account"
	reasonInternal         = "internal error"
	reasonInvalidToken     = "invalid token"
	reasonNotLoggedIn      = "not logged in"
	reasonLoginInProgress  = "login in progress"
	reasonAlreadyLoggedIn  = "already logged in"
	reasonMalformed        = "malformed message"
	reasonUnsupported      = "unsupported message"
	reasonRateLimited      = "rate limited"
	reasonReplaced         = "account logged in from another connection"
)

// State is the lifecycle state of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the transport a session runs on. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Authenticator performs logins and verifies routing tokens.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (identity, token string, err error)
	VerifyToken(token string) (string, error)
}

// Poster accepts messages for the dispatcher.
type Poster interface {
	Post(m dispatcher.Message) bool
}

// Options configures a Session.
type Options struct {
	LoginTimeout      time.Duration // default 10s
	MessagesPerSecond float64       // default 30
	Burst             int           // default 50
}

// Session is one client connection.
type Session struct {
	id         string
	conn       Conn
	auth       Authenticator
	dispatcher Poster
	logger     *slog.Logger

	mailbox *dispatcher.Mailbox[dispatcher.Message]
	handle  *dispatcher.Handle
	limiter *rate.Limiter

	loginTimeout time.Duration

	// Owned by the Run goroutine.
	state         State
	identity      string
	nonce         string
	loginInFlight bool
}

// New creates a session for conn identified by id.
func New(id string, conn Conn, authn Authenticator, d Poster, logger *slog.Logger, opts Options) (*Session, error) {
	if opts.LoginTimeout == 0 {
		opts.LoginTimeout = 10 * time.Second
	}
	if opts.MessagesPerSecond == 0 {
		opts.MessagesPerSecond = 30
	}
	if opts.Burst == 0 {
		opts.Burst = 50
	}

	nonce, err := auth.RandomAlphanumeric(NonceLength)
	if err != nil {
		return nil, err
	}

	mb := dispatcher.NewMailbox[dispatcher.Message]()
	return &Session{
		id:           id,
		conn:         conn,
		auth:         authn,
		dispatcher:   d,
		logger:       logger.With("conn_id", id),
		mailbox:      mb,
		handle:       dispatcher.NewHandle(id, mb),
		limiter:      rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.Burst),
		loginTimeout: opts.LoginTimeout,
		nonce:        nonce,
	}, nil
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Run serves the connection until the peer goes away or ctx is canceled.
// It always closes the connection before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, frames, readErr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		case data := <-frames:
			s.handleFrame(ctx, data)
		case <-s.mailbox.Notify():
			for _, m := range s.mailbox.Drain() {
				s.handleInner(m)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, frames chan<- []byte, readErr chan<- error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if mt != websocket.TextMessage {
			s.logger.Debug("ignoring non-text frame", "type", mt)
			continue
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) close() {
	s.mailbox.Close()
	if s.state == StateAuthenticated {
		s.dispatcher.Post(dispatcher.Deregister{Identity: s.identity, HandleID: s.id})
	}
	s.state = StateClosed
	_ = s.conn.Close()
	s.logger.Debug("session closed", "identity", s.identity)
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	if !s.limiter.Allow() {
		s.logger.Debug("client message rate limited")
		s.notify(protocol.LevelWarning, reasonRateLimited)
		return
	}

	msg, err := protocol.Decode(data)
	if errors.Is(err, protocol.ErrUnknownVariant) {
		s.notify(protocol.LevelWarning, reasonUnsupported)
		return
	}
	if err != nil {
		s.logger.Debug("invalid message from client", "error", err)
		s.notify(protocol.LevelError, reasonMalformed)
		return
	}
	if !protocol.IsClientMessage(msg) {
		s.logger.Debug("client sent server-only message", "type", msg.Tag())
		s.notify(protocol.LevelWarning, reasonUnsupported)
		return
	}

	switch m := msg.(type) {
	case protocol.Login:
		s.handleLogin(ctx, m)
	case protocol.In:
		identity, ok := s.authorize(m.Token)
		if !ok {
			return
		}
		s.dispatcher.Post(dispatcher.Send{From: identity, To: m.To, Content: m.Content})
	case protocol.Broadcast:
		identity, ok := s.authorize(m.Token)
		if !ok {
			return
		}
		s.dispatcher.Post(dispatcher.Broadcast{From: identity, Content: m.Content})
	case protocol.AntiReplayToken:
		s.write(protocol.AntiReplayTokenResponse{Token: s.nonce})
	default:
		s.logger.Warn("unhandled client message", "type", msg.Tag())
	}
}

func (s *Session) handleLogin(ctx context.Context, m protocol.Login) {
	switch {
	case s.state == StateAuthenticated:
		s.notify(protocol.LevelWarning, reasonAlreadyLoggedIn)
		return
	case s.loginInFlight:
		s.notify(protocol.LevelWarning, reasonLoginInProgress)
		return
	}

	if err := CheckSignature(m.Username, m.Password, s.nonce, m.Signature); err != nil {
		s.logger.Info("login rejected", "username", m.Username, "error", err)
		s.notify(protocol.LevelError, reasonInvalidSignature)
		return
	}

	s.loginInFlight = true
	go func() {
		lctx, cancel := context.WithTimeout(ctx, s.loginTimeout)
		defer cancel()
		identity, token, err := s.auth.Login(lctx, m.Username, m.Password)
		// Dropped if the session closed in the meantime.
		s.mailbox.Push(dispatcher.LoginResponse{Identity: identity, Token: token, Err: err})
	}()
}

// authorize checks a routing token against the session's identity.
func (s *Session) authorize(token string) (string, bool) {
	if s.state != StateAuthenticated {
		s.notify(protocol.LevelError, reasonNotLoggedIn)
		return "", false
	}
	identity, err := s.auth.VerifyToken(token)
	if err != nil || identity != s.identity {
		s.logger.Info("routing request with invalid token", "identity", s.identity, "error", err)
		s.notify(protocol.LevelError, reasonInvalidToken)
		return "", false
	}
	return identity, true
}

func (s *Session) handleInner(m dispatcher.Message) {
	switch msg := m.(type) {
	case dispatcher.LoginResponse:
		s.completeLogin(msg)
	case dispatcher.Out:
		s.write(protocol.Out{From: msg.From, Content: msg.Content})
	case dispatcher.Users:
		s.write(protocol.Users(msg))
	case dispatcher.Notify:
		s.notify(msg.Level, msg.Content)
	case dispatcher.RepeatLoginWarning:
		s.logger.Info("session replaced by another login", "identity", s.identity)
		s.notify(protocol.LevelWarning, reasonReplaced)
	default:
		s.logger.Warn("unexpected inner message", "type", fmt.Sprintf("%T", m))
	}
}

func (s *Session) completeLogin(res dispatcher.LoginResponse) {
	s.loginInFlight = false
	if s.state != StateUnauthenticated {
		return
	}

	if res.Err != nil || res.Token == "" {
		reason := reasonInternal
		if errors.Is(res.Err, auth.ErrInvalidAccount) {
			reason = reasonInvalidAccount
			s.logger.Info("login failed", "error", res.Err)
		} else {
			s.logger.Error("login failed", "error", res.Err)
		}
		s.notify(protocol.LevelError, reason)
		return
	}

	nonce, err := auth.RandomAlphanumeric(NonceLength)
	if err != nil {
		s.logger.Error("rotate anti-replay token", "error", err)
		s.notify(protocol.LevelError, reasonInternal)
		return
	}

	s.nonce = nonce
	s.state = StateAuthenticated
	s.identity = res.Identity
	s.logger.Info("client logged in", "identity", res.Identity)

	s.dispatcher.Post(dispatcher.Register{Identity: res.Identity, Handle: s.handle})
	s.write(protocol.LoginResponse{Token: res.Token, AntiReplayToken: nonce})
}

func (s *Session) notify(level protocol.NotifyLevel, content string) {
	s.write(protocol.Notify{Level: level, Content: content})
}

func (s *Session) write(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error("encode message", "type", m.Tag(), "error", err)
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("write failed", "type", m.Tag(), "error", err)
	}
}
