package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyCreatesSchema(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	for _, table := range []string{"traces", "saved_filters", "analyses", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing after migration: %v", table, err)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	var applied int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("schema_migrations has %d rows, want 1", applied)
	}
}

func TestApplyRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := Apply(context.Background(), db, "oracle"); err == nil {
		t.Fatal("expected error for an unsupported driver")
	}
}
