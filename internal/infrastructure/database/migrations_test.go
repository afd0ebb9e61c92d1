package database

import (
	"context"
	"embed"
	"testing"
	"time"
)

//go:embed testdata
var testMigrationsFS embed.FS

// useMigrations points the migration loader at dir within fsys for the
// duration of the test.
func useMigrations(t *testing.T, fsys embed.FS, dir string) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = fsys, dir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
}

func hasColumn(t *testing.T, db *DB, table, column string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&n)
	if err != nil {
		t.Fatalf("reading columns of %s: %v", table, err)
	}
	return n == 1
}

func hasTable(t *testing.T, db *DB, table string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?", table,
	).Scan(&n)
	if err != nil {
		t.Fatalf("looking up table %s: %v", table, err)
	}
	return n == 1
}

// TestMigrate verifies migrations apply in version order and only once.
func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata/grow")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if !hasColumn(t, db, "grow_units", "moisture_target") {
		t.Fatal("grow_units.moisture_target not created; second migration did not run after the first")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", len(applied))
	}
	if applied[0].Version != "20260301_090000" || applied[1].Version != "20260302_080000" {
		t.Errorf("applied versions = %s, %s; want version order", applied[0].Version, applied[1].Version)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("applied_at not recorded")
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}

	// A second run finds nothing to do; re-adding the column would fail.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

// TestMigrateDown verifies rollback undoes one migration at a time.
func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata/grow")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if hasColumn(t, db, "grow_units", "moisture_target") {
		t.Error("moisture_target should have been dropped")
	}
	if !hasTable(t, db, "grow_units") {
		t.Error("grow_units belongs to the earlier migration and should remain")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 {
		t.Fatalf("after one rollback: %d applied, %d pending; want 1 and 1", len(applied), len(pending))
	}
	if pending[0].Name != "add_moisture_target" {
		t.Errorf("pending migration = %q, want add_moisture_target", pending[0].Name)
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("second MigrateDown() error = %v", err)
	}
	if hasTable(t, db, "grow_units") {
		t.Error("grow_units should have been dropped")
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() on an empty history error = %v", err)
	}
}

// TestMigrateStopsAtFailure verifies a failing migration leaves the
// earlier ones committed and is retried on the next run.
func TestMigrateStopsAtFailure(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata/broken")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() should fail on a migration that alters a missing table")
	}
	if !hasTable(t, db, "grow_units") {
		t.Error("grow_units from the first migration should be committed")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("expected 1 applied migration, got %d", len(applied))
	}
	if len(pending) != 1 || pending[0].Name != "add_pump_flow" {
		t.Errorf("pending = %+v, want add_pump_flow", pending)
	}

	if err := db.Migrate(ctx); err == nil {
		t.Error("a second Migrate() should retry the failed migration and fail again")
	}
}

// TestMigrateDown_MissingDownFile verifies a migration without a down file
// cannot be rolled back.
func TestMigrateDown_MissingDownFile(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata/broken")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		"20260302_080000", FormatTime(time.Now()),
	); err != nil {
		t.Fatalf("recording migration: %v", err)
	}

	if err := db.MigrateDown(ctx); err == nil {
		t.Error("MigrateDown() should fail without down SQL")
	}
}

// TestMigrateNoMigrations verifies behaviour with no migrations.
func TestMigrateNoMigrations(t *testing.T) {
	var emptyFS embed.FS
	useMigrations(t, emptyFS, ".")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no migrations error = %v", err)
	}
}

// TestGetMigrationStatus verifies status reporting before anything runs.
func TestGetMigrationStatus(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata/grow")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied, got %d", len(applied))
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Name != "create_grow_units" || pending[0].DownSQL == "" {
		t.Errorf("first pending = %+v, want create_grow_units with down SQL", pending[0])
	}
}

// TestParseMigrationFilename verifies filename parsing.
func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantIsUp    bool
		wantOk      bool
	}{
		{"up", "20260301_090000_initial_schema.up.sql", "20260301_090000", true, true},
		{"down", "20260301_090000_initial_schema.down.sql", "20260301_090000", false, true},
		{"version only", "20260302_080000.up.sql", "20260302_080000", true, true},
		{"units file", "units.yaml", "", false, false},
		{"no direction", "20260302_080000_add_moisture_target.sql", "", false, false},
		{"no version", "pumps.up.sql", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("parseMigrationFilename(%q) ok = %v, want %v", tt.filename, ok, tt.wantOk)
			}
			if version != tt.wantVersion || isUp != tt.wantIsUp {
				t.Errorf("parseMigrationFilename(%q) = (%q, %v), want (%q, %v)",
					tt.filename, version, isUp, tt.wantVersion, tt.wantIsUp)
			}
		})
	}
}

// TestExtractMigrationName verifies name extraction.
func TestExtractMigrationName(t *testing.T) {
	tests := map[string]string{
		"20260301_090000_initial_schema.up.sql":        "initial_schema",
		"20260302_080000_add_moisture_target.down.sql": "add_moisture_target",
		"20260302_080000_add_pump_flow.up.sql":         "add_pump_flow",
	}

	for filename, want := range tests {
		t.Run(filename, func(t *testing.T) {
			if got := extractMigrationName(filename); got != want {
				t.Errorf("extractMigrationName(%q) = %q, want %q", filename, got, want)
			}
		})
	}
}
