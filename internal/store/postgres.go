package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

func isPostgresUnique(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == pgUniqueViolation
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			credential_key TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			salt TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			account_id BIGINT UNIQUE NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_account_id ON users(account_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *Account, user *User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var acctID int64
	if err := tx.QueryRowContext(ctx,
		"INSERT INTO accounts (credential_key, password, salt, created_at) VALUES ($1, $2, $3, $4) RETURNING id",
		acct.CredentialKey, acct.Password, acct.Salt, acct.CreatedAt,
	).Scan(&acctID); err != nil {
		if isPostgresUnique(err) {
			return fmt.Errorf("insert account: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert account: %w", err)
	}

	var userID int64
	if err := tx.QueryRowContext(ctx,
		"INSERT INTO users (name, account_id, created_at) VALUES ($1, $2, $3) RETURNING id",
		user.Name, acctID, user.CreatedAt,
	).Scan(&userID); err != nil {
		if isPostgresUnique(err) {
			return fmt.Errorf("insert user: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	acct.ID = acctID
	user.ID = userID
	user.AccountID = acctID
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, credentialKey string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		"SELECT id, credential_key, password, salt, created_at FROM accounts WHERE credential_key = $1",
		credentialKey,
	).Scan(&a.ID, &a.CredentialKey, &a.Password, &a.Salt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Users ---

func (s *PostgresStore) GetUserByAccountID(ctx context.Context, accountID int64) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, account_id, created_at FROM users WHERE account_id = $1", accountID,
	).Scan(&u.ID, &u.Name, &u.AccountID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, account_id, created_at FROM users ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.AccountID, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
