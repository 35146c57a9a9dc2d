package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPostgresMigration verifies that migrations run without error on a fresh database.
func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresLoginLookup exercises the two reads the login flow performs.
func TestPostgresLoginLookup(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	name := "user_" + uuid.New().String()[:8]
	acct := &Account{CredentialKey: name, Password: "hash", Salt: "salt", CreatedAt: time.Now()}
	user := &User{Name: name, CreatedAt: time.Now()}
	if err := s.CreateAccount(ctx, acct, user); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, name)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got == nil || got.ID != acct.ID {
		t.Fatalf("GetAccount = %+v, want id %d", got, acct.ID)
	}

	u, err := s.GetUserByAccountID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetUserByAccountID: %v", err)
	}
	if u == nil || u.Name != name {
		t.Errorf("GetUserByAccountID = %+v, want name %q", u, name)
	}

	missing, err := s.GetAccount(ctx, name+"-missing")
	if err != nil {
		t.Fatalf("GetAccount (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing account, got %+v", missing)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	found := false
	for _, u := range users {
		if u.Name == name {
			found = true
		}
	}
	if !found {
		t.Errorf("ListUsers did not include %q", name)
	}
}

func TestPostgresDuplicateAccount(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	name := "dup_" + uuid.New().String()[:8]
	first := &Account{CredentialKey: name, Password: "hash", Salt: "salt", CreatedAt: time.Now()}
	if err := s.CreateAccount(ctx, first, &User{Name: name, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	again := &Account{CredentialKey: name, Password: "hash", Salt: "salt", CreatedAt: time.Now()}
	err := s.CreateAccount(ctx, again, &User{Name: name + "_2", CreatedAt: time.Now()})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}
