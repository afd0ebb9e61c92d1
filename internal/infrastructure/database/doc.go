// Package database provides SQLite connectivity for Grow Logic Core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Embedded schema migrations (see the migrations package)
//   - Shared column helpers: fixed-width UTC timestamps, nullable strings,
//     UNIQUE violation detection
//
// Timestamps are stored as fixed-width UTC text so that ORDER BY on the
// column is chronological. Eligibility traces depend on this for their
// per-pair total order.
//
// Usage:
//
//	db, err := database.OpenMigrated(ctx, database.Config{Path: cfg.Database.Path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
// Migrations are additive-only: each file has both .up.sql and .down.sql,
// named YYYYMMDD_HHMMSS_description.
package database
