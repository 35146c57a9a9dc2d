package auth

import (
	"fmt"

	"github.com/amurg-ai/relay/internal/config"
)

const (
	minSecretLength   = 32
	selfCheckIdentity = "relay-self-check"
)

// NewProvider creates a TokenProvider based on configuration. The provider is
// exercised once so that a broken secret fails at startup instead of on the
// first login.
func NewProvider(cfg config.AuthConfig) (TokenProvider, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("%w: secret must be at least %d characters", ErrSigning, minSecretLength)
	}

	var p TokenProvider
	switch cfg.Provider {
	case "jwt", "":
		p = NewJWTProvider(cfg.Secret)
	case "ticket":
		p = NewTicketProvider(cfg.Secret)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}

	token, err := p.IssueToken(selfCheckIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: self-check: %w", ErrSigning, err)
	}
	if id, err := p.VerifyToken(token); err != nil || id != selfCheckIdentity {
		return nil, fmt.Errorf("%w: self-check token did not verify", ErrSigning)
	}
	return p, nil
}
