package store

import (
	"context"
	"fmt"
	"time"

	"github.com/amurg-ai/relay/hub/internal/config"
)

// New opens the configured message store, migrates it and checks that it
// answers before the hub starts accepting connections.
func New(cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		s, err = NewSQLite(cfg.DSN)
	case "postgres":
		s, err = NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("storage driver %q is not supported (sqlite, postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driverName(cfg.Driver), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%s store unreachable: %w", driverName(cfg.Driver), err)
	}
	return s, nil
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}
