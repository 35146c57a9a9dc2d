package auth

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const ticketVersion = "t1"

// TicketProvider issues compact HMAC tickets.
// Format: t1.{base64url(identity)}.{hex hmac-sha384("t1." + payload, secret)}
type TicketProvider struct {
	secret []byte
}

// NewTicketProvider creates a ticket provider signing with secret.
func NewTicketProvider(secret string) *TicketProvider {
	return &TicketProvider{secret: []byte(secret)}
}

func (p *TicketProvider) Name() string { return "ticket" }

func (p *TicketProvider) IssueToken(identity string) (string, error) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(identity))
	return ticketVersion + "." + payload + "." + p.sign(payload), nil
}

func (p *TicketProvider) VerifyToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != ticketVersion {
		return "", ErrInvalidToken
	}
	payload, sig := parts[1], parts[2]

	if !hmac.Equal([]byte(sig), []byte(p.sign(payload))) {
		return "", ErrInvalidToken
	}

	identity, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(identity) == 0 {
		return "", ErrInvalidToken
	}
	return string(identity), nil
}

func (p *TicketProvider) sign(payload string) string {
	mac := hmac.New(sha512.New384, p.secret)
	mac.Write([]byte(ticketVersion + "." + payload))
	return hex.EncodeToString(mac.Sum(nil))
}
