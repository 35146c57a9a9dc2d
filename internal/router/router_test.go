package router

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/dispatcher"
	"github.com/amurg-ai/relay/internal/session"
	"github.com/amurg-ai/relay/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

type testEnv struct {
	router     *Router
	dispatcher *dispatcher.Dispatcher
	authSvc    *auth.Service
	server     *httptest.Server
}

func setupTestRouter(t *testing.T, opts Options, accounts ...string) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	authSvc := auth.NewService(s, auth.NewJWTProvider("test-secret-at-least-32-chars-long"))
	for _, name := range accounts {
		if _, err := authSvc.Signup(context.Background(), name, "pw-"+name); err != nil {
			t.Fatal(err)
		}
	}

	d := dispatcher.New(slog.Default(), accounts)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})

	rt := New(authSvc, d, slog.Default(), opts)
	srv := httptest.NewServer(http.HandlerFunc(rt.HandleWS))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
		srv.Close()
	})

	return &testEnv{router: rt, dispatcher: d, authSvc: authSvc, server: srv}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// login runs AntiReplayToken -> Login -> LoginResponse -> Users and returns the token.
func login(t *testing.T, conn *websocket.Conn, username, password string) string {
	t.Helper()
	send(t, conn, protocol.AntiReplayToken{})
	nonce, ok := recv(t, conn).(protocol.AntiReplayTokenResponse)
	if !ok {
		t.Fatal("expected AntiReplayTokenResponse")
	}

	send(t, conn, protocol.Login{
		Username:  username,
		Password:  password,
		Signature: session.Signature(username, password, nonce.Token),
	})
	resp, ok := recv(t, conn).(protocol.LoginResponse)
	if !ok {
		t.Fatal("expected LoginResponse")
	}
	if resp.AntiReplayToken == nonce.Token {
		t.Error("anti-replay token should change after login")
	}
	if _, ok := recv(t, conn).(protocol.Users); !ok {
		t.Fatal("expected Users after login")
	}
	return resp.Token
}

func TestHandleWS_LoginAndRoute(t *testing.T) {
	env := setupTestRouter(t, Options{}, "alice", "bob", "carol")
	alice := dial(t, env)
	bob := dial(t, env)
	carol := dial(t, env)

	aliceToken := login(t, alice, "alice", "pw-alice")
	login(t, bob, "bob", "pw-bob")
	login(t, carol, "carol", "pw-carol")

	if id, err := env.authSvc.VerifyToken(aliceToken); err != nil || id != "alice" {
		t.Fatalf("token verifies to %q, %v", id, err)
	}

	send(t, alice, protocol.In{Token: aliceToken, To: "bob", Content: "direct"})
	out, ok := recv(t, bob).(protocol.Out)
	if !ok || out.From != "alice" || out.Content != "direct" {
		t.Fatalf("bob: got %+v", out)
	}

	send(t, alice, protocol.Broadcast{Token: aliceToken, Content: "everyone"})
	for name, c := range map[string]*websocket.Conn{"bob": bob, "carol": carol} {
		out, ok := recv(t, c).(protocol.Out)
		if !ok || out.From != "alice" || out.Content != "everyone" {
			t.Errorf("%s: got %+v", name, out)
		}
	}
}

func TestHandleWS_WireFormat(t *testing.T) {
	env := setupTestRouter(t, Options{}, "alice")
	conn := dial(t, env)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"AntiReplayToken":null}`)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), `{"AntiReplayTokenResponse":{"token":"`) {
		t.Errorf("unexpected frame: %s", data)
	}
}

func TestHandleWS_DisconnectDeregisters(t *testing.T) {
	env := setupTestRouter(t, Options{}, "alice")
	conn := dial(t, env)
	login(t, conn, "alice", "pw-alice")

	waitFor(t, func() bool {
		online, _ := env.dispatcher.Online(context.Background())
		return len(online) == 1
	})

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = conn.Close()

	waitFor(t, func() bool {
		online, _ := env.dispatcher.Online(context.Background())
		return len(online) == 0 && env.router.ActiveConnections() == 0
	})
}

func TestHandleWS_RejectsForeignOrigin(t *testing.T) {
	env := setupTestRouter(t, Options{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.server), header)
	if err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server), header)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = conn.Close()
}

func TestHandleWS_ReadLimit(t *testing.T) {
	env := setupTestRouter(t, Options{MaxClientMsgBytes: 128})
	conn := dial(t, env)

	big := `{"AntiReplayToken":{"padding":"` + strings.Repeat("x", 512) + `"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the relay to close an oversized connection")
	}
}

func TestHandleWS_KeepalivePings(t *testing.T) {
	env := setupTestRouter(t, Options{PingInterval: 20 * time.Millisecond, PongWait: time.Second})
	conn := dial(t, env)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	// Reading drives control frame handlers.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestShutdownEndsSessions(t *testing.T) {
	env := setupTestRouter(t, Options{})
	conn := dial(t, env)

	waitFor(t, func() bool { return env.router.ActiveConnections() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.router.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after shutdown")
	}

	// New upgrades are refused.
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(env.server), nil); err == nil {
		t.Error("expected dial to fail after shutdown")
	}
}

func TestMakeUpgrader_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		u := makeUpgrader(origins)
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Origin", "https://anything.example.com")
		if !u.CheckOrigin(req) {
			t.Errorf("origins %v: expected any origin to be allowed", origins)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
