package auth

// TokenProvider issues and verifies the tokens clients attach to routing
// requests. Tokens bind an identity and carry no expiry.
type TokenProvider interface {
	IssueToken(identity string) (string, error)
	// VerifyToken returns the identity a token was issued for, or an error
	// wrapping ErrInvalidToken.
	VerifyToken(token string) (string, error)
	Name() string
}
