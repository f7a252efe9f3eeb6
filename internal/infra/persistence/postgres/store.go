// Package postgres provides a Postgres-backed profile store with the same
// write-through semantics as the sqlite store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/internal/infra/persistence/record"
	"soundspeed/pkg/domain"
)

var _ domain.ProfileStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/soundspeed?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id           TEXT PRIMARY KEY,
		revision     TEXT NOT NULL,
		recorded_at  BIGINT NOT NULL,
		lat          DOUBLE PRECISION NOT NULL,
		lon          DOUBLE PRECISION NOT NULL,
		source       TEXT NOT NULL,
		status       TEXT NOT NULL,
		metadata     JSONB NOT NULL,
		samples      JSONB NOT NULL,
		qc           JSONB NOT NULL,
		raw_key      TEXT NOT NULL DEFAULT '',
		raw_checksum TEXT NOT NULL DEFAULT '',
		raw_size     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_recorded_at ON profiles (recorded_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_position ON profiles (lat, lon)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_status ON profiles (status)`,
}

// Store persists profiles to Postgres and serves reads from the memory index.
type Store struct {
	*memory.Store
	db *sql.DB
}

type committer struct {
	db     *sql.DB
	upsert string
}

func (c committer) Commit(ctx context.Context, p domain.Profile) error {
	row, err := record.Encode(p)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, c.upsert, row.Args()...); err != nil {
		return fmt.Errorf("upsert %s: %w", p.ID, err)
	}
	return nil
}

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// ensures the profile table exists and hydrates the index from it.
func NewStore(dsn string, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	profiles, err := loadProfiles(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.New(append(opts, memory.WithCommitter(committer{db: db, upsert: record.UpsertSQL(record.Dollar)}))...)
	if err := mem.Restore(profiles...); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hydrate index: %w", err)
	}
	return &Store{Store: mem, db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applySchema(ctx context.Context, db execer) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func loadProfiles(ctx context.Context, db *sql.DB) ([]domain.Profile, error) {
	rows, err := db.QueryContext(ctx, record.SelectSQL())
	if err != nil {
		return nil, fmt.Errorf("select profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Profile
	for rows.Next() {
		var row record.Row
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p, err := row.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close stops accepting operations and closes the pool.
func (s *Store) Close() error {
	_ = s.Store.Close()
	return s.db.Close()
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
