package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyRunsMigrationsOnce(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
`)},
		"0002_seed.sql": &fstest.MapFile{Data: []byte(`
INSERT INTO widgets (name) VALUES ('anvil');
`)},
	}

	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// A second pass must not re-run the seed insert.
	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM widgets").Scan(&count); err != nil {
		t.Fatalf("count widgets: %v", err)
	}
	if count != 1 {
		t.Fatalf("widgets = %d, want 1", count)
	}
}

func TestApplyOrdersFilesLexically(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0002_alter.sql": &fstest.MapFile{Data: []byte(`
ALTER TABLE widgets ADD COLUMN kind TEXT;
`)},
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
CREATE TABLE widgets (id INTEGER PRIMARY KEY);
`)},
	}

	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := sqlDB.Exec("INSERT INTO widgets (kind) VALUES ('hammer')"); err != nil {
		t.Fatalf("insert with altered column: %v", err)
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if err := Apply(nil, fstest.MapFS{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}
