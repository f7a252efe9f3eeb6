// Package sqlite provides a SQLite-backed profile store. Rows are written
// through before the in-memory index changes and the index is hydrated from
// the table on open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/internal/infra/persistence/record"
	"soundspeed/pkg/domain"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "./soundspeed.db"

//go:embed migrations/*.sql
var migrations embed.FS

var _ domain.ProfileStore = (*Store)(nil)

// Store persists profiles to SQLite and serves reads from the memory index.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
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

// NewStore opens (creating if needed) the database at path, applies pending
// migrations and loads every stored profile.
func NewStore(path string, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; the memory index serves concurrent reads
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	profiles, err := loadProfiles(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.New(append(opts, memory.WithCommitter(committer{db: db, upsert: record.UpsertSQL(record.Question)}))...)
	if err := mem.Restore(profiles...); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hydrate index: %w", err)
	}
	return &Store{Store: mem, db: db, path: path}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m is not closed: closing it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion() (uint, error) {
	var version uint
	err := s.db.QueryRow("SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return version, nil
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

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close stops accepting operations and closes the database.
func (s *Store) Close() error {
	_ = s.Store.Close()
	return s.db.Close()
}
