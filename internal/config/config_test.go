package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8000",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"provider": "ticket",
			"secret": "my-super-secret-signing-key-at-least-32",
			"initial_accounts": [
				{"username": "alice", "password": "pw"}
			]
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db"
		},
		"session": {
			"login_timeout": "3s",
			"max_message_bytes": 32768,
			"messages_per_second": 5,
			"burst": 10,
			"ping_interval": 15,
			"pong_wait": "45s"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"signup_per_second": 2,
			"signup_burst": 4
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Server
	if cfg.Server.Addr != ":8000" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v, want [http://localhost:3000]", cfg.Server.AllowedOrigins)
	}

	// Auth
	if cfg.Auth.Provider != "ticket" {
		t.Errorf("Auth.Provider: got %q, want %q", cfg.Auth.Provider, "ticket")
	}
	if cfg.Auth.Secret != "my-super-secret-signing-key-at-least-32" {
		t.Errorf("Auth.Secret: got %q", cfg.Auth.Secret)
	}
	if len(cfg.Auth.InitialAccounts) != 1 || cfg.Auth.InitialAccounts[0].Username != "alice" {
		t.Errorf("Auth.InitialAccounts: got %+v", cfg.Auth.InitialAccounts)
	}

	// Storage
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}

	// Session
	if cfg.Session.LoginTimeout.Duration != 3*time.Second {
		t.Errorf("Session.LoginTimeout: got %v, want 3s", cfg.Session.LoginTimeout.Duration)
	}
	if cfg.Session.MaxMessageBytes != 32768 {
		t.Errorf("Session.MaxMessageBytes: got %d, want 32768", cfg.Session.MaxMessageBytes)
	}
	if cfg.Session.MessagesPerSecond != 5 {
		t.Errorf("Session.MessagesPerSecond: got %f, want 5", cfg.Session.MessagesPerSecond)
	}
	if cfg.Session.Burst != 10 {
		t.Errorf("Session.Burst: got %d, want 10", cfg.Session.Burst)
	}
	if cfg.Session.PingInterval.Duration != 15*time.Second {
		t.Errorf("Session.PingInterval: got %v, want 15s (numeric seconds)", cfg.Session.PingInterval.Duration)
	}
	if cfg.Session.PongWait.Duration != 45*time.Second {
		t.Errorf("Session.PongWait: got %v, want 45s", cfg.Session.PongWait.Duration)
	}

	// Logging
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}

	// Rate limit
	if cfg.RateLimit.SignupPerSecond != 2 {
		t.Errorf("RateLimit.SignupPerSecond: got %f, want 2", cfg.RateLimit.SignupPerSecond)
	}
	if cfg.RateLimit.SignupBurst != 4 {
		t.Errorf("RateLimit.SignupBurst: got %d, want 4", cfg.RateLimit.SignupBurst)
	}
}

func TestValidateRequired(t *testing.T) {
	// Missing server.addr
	noAddr := `{
		"server": {},
		"auth": {"secret": "some-secret-value-long-enough-for-hs384"}
	}`
	path := writeTempConfig(t, noAddr)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	// Missing auth.secret
	noSecret := `{
		"server": {"addr": ":8000"},
		"auth": {}
	}`
	path = writeTempConfig(t, noSecret)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing auth.secret, got nil")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"short secret": `{"server":{"addr":":8000"},"auth":{"secret":"too-short"}}`,
		"weak secret":  `{"server":{"addr":":8000"},"auth":{"secret":"local-dev-secret-for-testing-only-32chars!"}}`,
		"bad provider": `{"server":{"addr":":8000"},"auth":{"provider":"clerk","secret":"my-secret-key-for-testing-purposes"}}`,
		"bad driver":   `{"server":{"addr":":8000"},"auth":{"secret":"my-secret-key-for-testing-purposes"},"storage":{"driver":"mysql"}}`,
		"bad account":  `{"server":{"addr":":8000"},"auth":{"secret":"my-secret-key-for-testing-purposes","initial_accounts":[{"username":"alice"}]}}`,
		"bad duration": `{"server":{"addr":":8000"},"auth":{"secret":"my-secret-key-for-testing-purposes"},"session":{"login_timeout":"soon"}}`,
	}
	for name, content := range cases {
		path := writeTempConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	// Minimal valid config -- only required fields
	minimal := `{
		"server": {"addr": ":8000"},
		"auth": {"secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.Provider != "jwt" {
		t.Errorf("default Auth.Provider: got %q, want %q", cfg.Auth.Provider, "jwt")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "relay.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "relay.db")
	}
	if cfg.Session.LoginTimeout.Duration != 10*time.Second {
		t.Errorf("default Session.LoginTimeout: got %v, want 10s", cfg.Session.LoginTimeout.Duration)
	}
	if cfg.Session.MaxMessageBytes != 64*1024 {
		t.Errorf("default Session.MaxMessageBytes: got %d, want %d", cfg.Session.MaxMessageBytes, 64*1024)
	}
	if cfg.Session.MessagesPerSecond != 30 || cfg.Session.Burst != 50 {
		t.Errorf("default session rate: got %f/%d, want 30/50", cfg.Session.MessagesPerSecond, cfg.Session.Burst)
	}
	if cfg.Session.PingInterval.Duration != 30*time.Second {
		t.Errorf("default Session.PingInterval: got %v, want 30s", cfg.Session.PingInterval.Duration)
	}
	if cfg.Session.PongWait.Duration != 60*time.Second {
		t.Errorf("default Session.PongWait: got %v, want 60s", cfg.Session.PongWait.Duration)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.RateLimit.SignupPerSecond != 1 || cfg.RateLimit.SignupBurst != 5 {
		t.Errorf("default signup rate: got %f/%d, want 1/5", cfg.RateLimit.SignupPerSecond, cfg.RateLimit.SignupBurst)
	}
	if cfg.Server.MaxBodyBytes != 64*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 64*1024)
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	in := Duration{Duration: 90 * time.Second}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"1m30s"` {
		t.Errorf("Marshal: got %s, want \"1m30s\"", data)
	}
	var out Duration
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Duration != in.Duration {
		t.Errorf("round trip: got %v, want %v", out.Duration, in.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 || strings.Trim(a, "0123456789abcdef") != "" {
		t.Errorf("expected 64 hex chars, got %q", a)
	}
	if a == b {
		t.Error("two generated secrets should differ")
	}
}
