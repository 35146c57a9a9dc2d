// Package auth provides credential checks and token issuance for the relay.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/amurg-ai/relay/internal/config"
	"github.com/amurg-ai/relay/internal/store"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidAccount = errors.New("invalid account")
	ErrStorage        = errors.New("storage failure")
	ErrSigning        = errors.New("token signing failure")
	ErrAccountExists  = errors.New("account already exists")
	ErrInvalidInput   = errors.New("invalid input")
)

const (
	// SaltLength is the length of generated password salts.
	SaltLength = 32

	maxUsernameLength = 64
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// HashPassword returns the lowercase hex sha384 digest of password followed by salt.
func HashPassword(password, salt string) string {
	sum := sha512.Sum384([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// RandomAlphanumeric returns n characters drawn uniformly from [A-Za-z0-9].
func RandomAlphanumeric(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(alphanumeric)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(alphanumeric[idx.Int64()])
	}
	return b.String(), nil
}

// GenerateSalt returns a fresh password salt.
func GenerateSalt() (string, error) {
	return RandomAlphanumeric(SaltLength)
}

// Service implements the login and signup flows on top of a Store and a
// TokenProvider.
type Service struct {
	store  store.Store
	tokens TokenProvider
}

// NewService creates a new auth service.
func NewService(s store.Store, tokens TokenProvider) *Service {
	return &Service{store: s, tokens: tokens}
}

// Provider returns the name of the configured token backend.
func (s *Service) Provider() string { return s.tokens.Name() }

// Login checks username and password and returns the identity bound to the
// account together with a freshly issued token.
//
// Unknown accounts, wrong passwords and accounts without a user all report
// ErrInvalidAccount so callers cannot tell them apart.
func (s *Service) Login(ctx context.Context, username, password string) (string, string, error) {
	acct, err := s.store.GetAccount(ctx, username)
	if err != nil {
		return "", "", fmt.Errorf("%w: get account: %w", ErrStorage, err)
	}
	if acct == nil {
		return "", "", ErrInvalidAccount
	}

	digest := HashPassword(password, acct.Salt)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(acct.Password)) != 1 {
		return "", "", ErrInvalidAccount
	}

	user, err := s.store.GetUserByAccountID(ctx, acct.ID)
	if err != nil {
		return "", "", fmt.Errorf("%w: get user: %w", ErrStorage, err)
	}
	if user == nil {
		return "", "", ErrInvalidAccount
	}

	token, err := s.tokens.IssueToken(user.Name)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return user.Name, token, nil
}

// Signup creates an account and its user. The user name equals the login name.
func (s *Service) Signup(ctx context.Context, username, password string) (*store.User, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	existing, err := s.store.GetAccount(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: check existing: %w", ErrStorage, err)
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	now := time.Now()
	acct := &store.Account{
		CredentialKey: username,
		Password:      HashPassword(password, salt),
		Salt:          salt,
		CreatedAt:     now,
	}
	user := &store.User{
		Name:      username,
		CreatedAt: now,
	}
	// A concurrent signup for the same name can win between the check
	// above and this insert.
	err = s.store.CreateAccount(ctx, acct, user)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create account: %w", ErrStorage, err)
	}
	return user, nil
}

// Bootstrap creates the configured initial accounts that do not exist yet.
// It returns the names of the accounts it created.
func (s *Service) Bootstrap(ctx context.Context, accounts []config.InitialAccount) ([]string, error) {
	var created []string
	for _, a := range accounts {
		user, err := s.Signup(ctx, a.Username, a.Password)
		if errors.Is(err, ErrAccountExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("bootstrap %q: %w", a.Username, err)
		}
		created = append(created, user.Name)
	}
	return created, nil
}

// VerifyToken checks a token and returns the identity it was issued for.
func (s *Service) VerifyToken(token string) (string, error) {
	return s.tokens.VerifyToken(token)
}

func validateCredentials(username, password string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if len(username) > maxUsernameLength {
		return fmt.Errorf("%w: username longer than %d bytes", ErrInvalidInput, maxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: username contains whitespace or control characters", ErrInvalidInput)
		}
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	return nil
}
