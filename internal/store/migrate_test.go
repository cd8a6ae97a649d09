package store

import (
	"context"
	"testing"
	"testing/fstest"
)

func migrationRecorded(t *testing.T, ctx context.Context, version string) bool {
	t.Helper()
	var recorded bool
	err := testStore.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&recorded)
	if err != nil {
		t.Fatalf("checking schema_migrations: %v", err)
	}
	return recorded
}

func TestMigrate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("applies file and records version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"900_sample.sql": {Data: []byte("CREATE TABLE migrate_sample (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS migrate_sample")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '900_sample.sql'")
		})

		if err := testStore.Migrate(ctx, fsys); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if !migrationRecorded(t, ctx, "900_sample.sql") {
			t.Error("expected version to be recorded")
		}
		if _, err := testStore.pool.Exec(ctx, "INSERT INTO migrate_sample (id) VALUES (1)"); err != nil {
			t.Errorf("table not created: %v", err)
		}
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		fsys := fstest.MapFS{
			"901_once.sql": {Data: []byte("CREATE TABLE migrate_once (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS migrate_once")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '901_once.sql'")
		})

		// A re-run would fail on CREATE TABLE if the file were applied twice.
		for i := range 2 {
			if err := testStore.Migrate(ctx, fsys); err != nil {
				t.Fatalf("run %d: %v", i+1, err)
			}
		}
	})

	t.Run("failed file leaves nothing behind", func(t *testing.T) {
		fsys := fstest.MapFS{
			"902_broken.sql": {Data: []byte("CREATE TABLE migrate_broken (id INT); NOT SQL;")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS migrate_broken")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '902_broken.sql'")
		})

		if err := testStore.Migrate(ctx, fsys); err == nil {
			t.Fatal("expected error for invalid SQL")
		}
		if migrationRecorded(t, ctx, "902_broken.sql") {
			t.Error("failed migration must not be recorded")
		}
		var exists bool
		testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'migrate_broken')",
		).Scan(&exists)
		if exists {
			t.Error("partial schema from failed migration was committed")
		}
	})

	t.Run("applies files in lexical order", func(t *testing.T) {
		fsys := fstest.MapFS{
			"904_b.sql": {Data: []byte("ALTER TABLE migrate_order ADD COLUMN name TEXT;")},
			"903_a.sql": {Data: []byte("CREATE TABLE migrate_order (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS migrate_order")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version IN ('903_a.sql', '904_b.sql')")
		})

		if err := testStore.Migrate(ctx, fsys); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	})

	t.Run("empty filesystem", func(t *testing.T) {
		if err := testStore.Migrate(ctx, fstest.MapFS{}); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	})
}
