package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"soundspeed/internal/infra/persistence/memory"
	"soundspeed/internal/infra/persistence/postgres"
	"soundspeed/internal/infra/persistence/postgres/testutil"
	"soundspeed/internal/infra/persistence/sqlite"
)

func TestOpenMemory(t *testing.T) {
	store, err := Open(Config{Driver: DriverMemory, CellSizeDeg: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mem, ok := store.(*memory.Store)
	if !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if mem.CellSize() != 2 {
		t.Fatalf("expected cell size override, got %v", mem.CellSize())
	}
}

func TestOpenSQLiteDefaultDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.db")
	store, err := Open(Config{SQLitePath: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = store.Close() }()
	lite, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if lite.Path() != path {
		t.Fatalf("unexpected path %s", lite.Path())
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestOpenPostgres(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err := Open(Config{Driver: DriverPostgres, PostgresDSN: "postgres://stub"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Get(context.Background(), "missing"); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
