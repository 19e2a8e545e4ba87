package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	syncpipe "github.com/goliatone/go-syncpipe"
	_ "github.com/mattn/go-sqlite3"
)

var migrationNames = []string{
	"00001_syncpipe_queue",
	"00002_syncpipe_outbox_reconcile",
	"00003_syncpipe_resilience_state",
	"00004_syncpipe_claim_tokens",
}

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, entry := range filesystems {
		if len(entry.Versions) != len(migrationNames) || entry.Versions[0] != migrationNames[0] {
			t.Fatalf("expected %v %s migrations, got %v", migrationNames, entry.Dialect, entry.Versions)
		}
		switch entry.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}
	if !postgresFound || !sqliteFound {
		t.Fatalf("expected postgres and sqlite filesystems, got %+v", filesystems)
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	reg, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, WithValidationTargets(" SQLite "))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected a single sqlite registration, got %v", calls)
	}
	if reg.SourceLabel != "go-syncpipe" {
		t.Fatalf("expected default source label, got %q", reg.SourceLabel)
	}
	if registered := reg.Registered(); len(registered) != 1 || registered[0] != DialectSQLite {
		t.Fatalf("unexpected registered dialects %v", registered)
	}
}

func TestRegister_RequiresRegisterFunc(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected missing register function to fail")
	}
}

func TestRegister_UnknownTargetFails(t *testing.T) {
	_, err := Register(context.Background(), func(context.Context, string, string, fs.FS) error {
		return nil
	}, WithValidationTargets("mysql"))
	if err == nil {
		t.Fatalf("expected unmatched target to fail")
	}
}

func TestRegisterDialect_PassesSingleFilesystem(t *testing.T) {
	var registered []fs.FS
	reg, err := RegisterDialect(context.Background(), DialectPostgres, func(fsys fs.FS) {
		registered = append(registered, fsys)
	}, WithDialectSourceLabel("syncpiped"))
	if err != nil {
		t.Fatalf("register dialect: %v", err)
	}
	if len(registered) != 1 || reg.SourceLabel != "syncpiped" {
		t.Fatalf("expected one postgres filesystem, got %d (label %q)", len(registered), reg.SourceLabel)
	}
	if _, err := fs.Stat(registered[0], migrationNames[0]+".up.sql"); err != nil {
		t.Fatalf("expected postgres migrations in registered filesystem: %v", err)
	}
	if _, err := RegisterDialect(context.Background(), DialectSQLite, nil); err == nil {
		t.Fatalf("expected nil callback to fail")
	}
}

func TestFilesystems_RejectsBrokenLayouts(t *testing.T) {
	body := &fstest.MapFile{Data: []byte("SELECT 1;")}
	cases := []struct {
		name string
		fsys fstest.MapFS
	}{
		{
			name: "missing down",
			fsys: fstest.MapFS{
				"00001_a.up.sql":        body,
				"sqlite/00001_a.up.sql": body, "sqlite/00001_a.down.sql": body,
			},
		},
		{
			name: "dialect drift",
			fsys: fstest.MapFS{
				"00001_a.up.sql": body, "00001_a.down.sql": body,
				"00002_b.up.sql": body, "00002_b.down.sql": body,
				"sqlite/00001_a.up.sql": body, "sqlite/00001_a.down.sql": body,
			},
		},
		{
			name: "no sqlite variants",
			fsys: fstest.MapFS{
				"00001_a.up.sql": body, "00001_a.down.sql": body,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Filesystems(tc.fsys); err == nil {
				t.Fatalf("expected layout error")
			}
		})
	}
}

func TestVersions_SortedWithoutSuffix(t *testing.T) {
	body := &fstest.MapFile{Data: []byte("SELECT 1;")}
	versions, err := Versions(fstest.MapFS{
		"00002_b.up.sql": body, "00002_b.down.sql": body,
		"00001_a.up.sql": body, "00001_a.down.sql": body,
	})
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || versions[0] != "00001_a" || versions[1] != "00002_b" {
		t.Fatalf("unexpected versions %v", versions)
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := syncpipe.GetCoreMigrationsFS()
	for _, name := range migrationNames {
		for _, dir := range []string{"data/sql/migrations", "data/sql/migrations/sqlite"} {
			for _, suffix := range []string{".up.sql", ".down.sql"} {
				migrationPath := dir + "/" + name + suffix
				content, err := fs.ReadFile(root, migrationPath)
				if err != nil {
					t.Fatalf("read migration %s: %v", migrationPath, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected migration %s to have SQL content", migrationPath)
				}
			}
		}
	}
}

func TestSQLiteMigrations_ApplyEnforceUniquenessAndRollback(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file:migrations-syncpipe?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(syncpipe.GetCoreMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	for _, name := range migrationNames {
		if err := execSQLMigration(ctx, db, sqliteMigrations, name+".up.sql"); err != nil {
			t.Fatalf("apply %s: %v", name, err)
		}
	}

	insertEvent := `INSERT INTO syncpipe_inbox_events (id, source, topic, payload, content_hash, idempotency_key, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insertEvent, "evt-1", "shop", "orders/create", []byte("{}"), "h1", "key-1", "2026-02-13 12:00:00"); err != nil {
		t.Fatalf("insert first event: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertEvent, "evt-2", "shop", "orders/create", []byte("{}"), "h1", "key-1", "2026-02-13 12:00:01"); err == nil {
		t.Fatalf("expected unique (source, idempotency_key) violation")
	}
	if _, err := db.ExecContext(ctx, insertEvent, "evt-3", "erp", "orders/create", []byte("{}"), "h1", "key-1", "2026-02-13 12:00:01"); err != nil {
		t.Fatalf("expected same key from another source to insert: %v", err)
	}

	for i := len(migrationNames) - 1; i >= 0; i-- {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migrationNames[i]+".down.sql"); err != nil {
			t.Fatalf("rollback %s: %v", migrationNames[i], err)
		}
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'syncpipe_%'`).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected every syncpipe table dropped, %d remain", count)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
