package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT token claims.
type Claims struct {
	Account string `json:"account"`
	jwt.RegisteredClaims
}

// JWTProvider issues HS384-signed JWTs.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a JWT provider signing with secret.
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

func (p *JWTProvider) Name() string { return "jwt" }

func (p *JWTProvider) IssueToken(identity string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS384, &Claims{Account: identity})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func (p *JWTProvider) VerifyToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS384.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Account == "" {
		return "", ErrInvalidToken
	}
	return claims.Account, nil
}
