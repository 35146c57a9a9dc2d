// Package store defines the data access interface for the relay and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by CreateAccount when the credential key or the
// user name is already taken.
var ErrDuplicate = errors.New("duplicate account")

// Store is the persistence interface consumed by the login flow and the
// account API.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, acct *Account, user *User) error
	GetAccount(ctx context.Context, credentialKey string) (*Account, error)

	// Users
	GetUserByAccountID(ctx context.Context, accountID int64) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Account holds login credentials.
type Account struct {
	ID            int64     `json:"id"`
	CredentialKey string    `json:"credential_key"` // login name
	Password      string    `json:"-"`              // hex sha384(password + salt)
	Salt          string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// User is the identity bound to an account. Name is what sessions
// register under and what other clients address messages to.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	AccountID int64     `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}
