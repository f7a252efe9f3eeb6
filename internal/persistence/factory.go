// Package persistence selects and opens a profile store backend.
package persistence

import (
	"fmt"

	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/internal/infra/persistence/postgres"
	"soundspeed/internal/infra/persistence/sqlite"
	"soundspeed/pkg/domain"
)

// Driver identifies a concrete persistent storage implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Config selects a backend and its location.
type Config struct {
	Driver      Driver
	SQLitePath  string
	PostgresDSN string
	CellSizeDeg float64
}

// Store is a profile store that can report its size.
type Store interface {
	domain.ProfileStore
	Len() int
}

// Open constructs the configured backend.
func Open(cfg Config) (Store, error) {
	var opts []memory.Option
	if cfg.CellSizeDeg > 0 {
		opts = append(opts, memory.WithCellSize(cfg.CellSizeDeg))
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverMemory:
		return memory.New(opts...), nil
	case DriverSQLite:
		return sqlite.NewStore(cfg.SQLitePath, opts...)
	case DriverPostgres:
		return postgres.NewStore(cfg.PostgresDSN, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
