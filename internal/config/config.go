// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
	"abcdegfh": true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a token signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8000"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket/CORS origins; empty allows all
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 64KB
}

// AuthConfig defines credential settings.
type AuthConfig struct {
	Provider        string           `json:"provider,omitempty"` // "jwt" (default) or "ticket"
	Secret          string           `json:"secret"`
	InitialAccounts []InitialAccount `json:"initial_accounts,omitempty"`
}

// InitialAccount is created at startup if it does not exist yet.
type InitialAccount struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "relay.db", ":memory:" or a postgres URL
}

// SessionConfig defines per-connection behavior.
type SessionConfig struct {
	LoginTimeout      Duration `json:"login_timeout,omitempty"`       // account lookup + token issue; default 10s
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`   // max WebSocket frame from a client; default 64KB
	MessagesPerSecond float64  `json:"messages_per_second,omitempty"` // default 30
	Burst             int      `json:"burst,omitempty"`               // default 50
	PingInterval      Duration `json:"ping_interval,omitempty"`       // default 30s
	PongWait          Duration `json:"pong_wait,omitempty"`           // default 60s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	SignupPerSecond float64 `json:"signup_per_second,omitempty"` // default 1
	SignupBurst     int     `json:"signup_burst,omitempty"`      // default 5
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth.secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.Secret] {
		return fmt.Errorf("auth.secret is a well-known weak secret, generate a new one")
	}
	switch c.Auth.Provider {
	case "", "jwt", "ticket":
	default:
		return fmt.Errorf("auth.provider must be \"jwt\" or \"ticket\", got %q", c.Auth.Provider)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"postgres\", got %q", c.Storage.Driver)
	}
	for i, acct := range c.Auth.InitialAccounts {
		if acct.Username == "" || acct.Password == "" {
			return fmt.Errorf("auth.initial_accounts[%d]: username and password are required", i)
		}
	}
	return nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "jwt"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "relay.db"
	}
	if c.Session.LoginTimeout.Duration == 0 {
		c.Session.LoginTimeout.Duration = 10 * time.Second
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Session.MessagesPerSecond == 0 {
		c.Session.MessagesPerSecond = 30
	}
	if c.Session.Burst == 0 {
		c.Session.Burst = 50
	}
	if c.Session.PingInterval.Duration == 0 {
		c.Session.PingInterval.Duration = 30 * time.Second
	}
	if c.Session.PongWait.Duration == 0 {
		c.Session.PongWait.Duration = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.SignupPerSecond == 0 {
		c.RateLimit.SignupPerSecond = 1
	}
	if c.RateLimit.SignupBurst == 0 {
		c.RateLimit.SignupBurst = 5
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 * 1024
	}
}
