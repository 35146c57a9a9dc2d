package store

import (
	"errors"
	"fmt"

	"github.com/amurg-ai/relay/internal/config"
)

// New opens the store selected by cfg.Driver and applies its schema.
func New(cfg config.StorageConfig) (Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is empty")
	}
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		s, err = NewSQLite(cfg.DSN)
	case "postgres":
		s, err = NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return s, nil
}
