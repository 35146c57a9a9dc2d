package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Per-connection settings go in the DSN so every pooled connection gets
// them. Write transactions take the lock up front (BEGIN IMMEDIATE) and
// wait up to busy_timeout for it.
const sqliteConnParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

func withConnParams(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteConnParams
	}
	return dsn + "?" + sqliteConnParams
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// In-memory databases need a shared cache so all pooled connections see the
	// same data. Each store gets its own named database so that stores opened
	// side by side (tests) stay isolated.
	memory := dsn == ":memory:"
	if memory {
		dsn = "file:relay-" + uuid.New().String() + "?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", withConnParams(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Shared-cache tables lock per connection; one connection avoids SQLITE_LOCKED.
		db.SetMaxOpenConns(1)
	}

	// WAL is persistent per database file; busy_timeout and foreign_keys
	// come from the DSN.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			credential_key TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			salt TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			account_id INTEGER UNIQUE NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

// CreateAccount inserts the account and its user in one transaction and
// fills in the generated IDs. A taken credential key or user name returns
// ErrDuplicate.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *Account, user *User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO accounts (credential_key, password, salt, created_at) VALUES (?, ?, ?, ?)",
		acct.CredentialKey, acct.Password, acct.Salt, acct.CreatedAt,
	)
	if isSQLiteUnique(err) {
		return fmt.Errorf("insert account: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	acctID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("account id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		"INSERT INTO users (name, account_id, created_at) VALUES (?, ?, ?)",
		user.Name, acctID, user.CreatedAt,
	)
	if isSQLiteUnique(err) {
		return fmt.Errorf("insert user: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	acct.ID = acctID
	user.ID = userID
	user.AccountID = acctID
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, credentialKey string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		"SELECT id, credential_key, password, salt, created_at FROM accounts WHERE credential_key = ?",
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

func (s *SQLiteStore) GetUserByAccountID(ctx context.Context, accountID int64) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, account_id, created_at FROM users WHERE account_id = ?", accountID,
	).Scan(&u.ID, &u.Name, &u.AccountID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
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
