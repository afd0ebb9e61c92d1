package audit

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/infrastructure/database"
	_ "github.com/nerrad567/grow-logic-core/migrations"
)

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.OpenMigrated(context.Background(), database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	return NewSQLiteRepository(db.DB)
}

func TestCreate_GeneratesIDAndTimestamp(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	entry := &AuditLog{
		Action:     "create",
		EntityType: EntitySchedule,
		EntityID:   "sch-1",
		Source:     SourceAPI,
		Details:    map[string]any{"priority": 5},
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if entry.ID == "" {
		t.Error("Create() did not generate an ID")
	}
	if entry.CreatedAt.IsZero() {
		t.Error("Create() did not set CreatedAt")
	}

	result, err := repo.List(ctx, Filter{EntityID: "sch-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("Total = %d, want 1", result.Total)
	}
	if got := result.Logs[0].Details["priority"]; got != float64(5) {
		t.Errorf("Details[priority] = %v, want 5", got)
	}
}

func TestList_PreservesInsertionOrder(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	// Identical timestamps: only the insertion sequence can order these.
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, action := range []string{"PENDING_APPROVAL", "APPROVED", "EXECUTING"} {
		if err := repo.Create(ctx, &AuditLog{
			Action:     action,
			EntityType: EntityIrrigationRequest,
			EntityID:   "req-1",
			Source:     SourceSystem,
			CreatedAt:  at,
		}); err != nil {
			t.Fatalf("Create(%s) error = %v", action, err)
		}
	}

	result, err := repo.List(ctx, Filter{EntityType: EntityIrrigationRequest})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := []string{"EXECUTING", "APPROVED", "PENDING_APPROVAL"}
	if len(result.Logs) != len(want) {
		t.Fatalf("len(Logs) = %d, want %d", len(result.Logs), len(want))
	}
	for i, w := range want {
		if result.Logs[i].Action != w {
			t.Errorf("Logs[%d].Action = %q, want %q", i, result.Logs[i].Action, w)
		}
	}
}

func TestList_FilterAndPaging(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, &AuditLog{Action: "update", EntityType: EntityPumpCalibration, EntityID: "pump-5", Source: SourceAPI}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := repo.Create(ctx, &AuditLog{Action: "delete", EntityType: EntitySchedule, Source: SourceAPI}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := repo.List(ctx, Filter{EntityType: EntityPumpCalibration, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 5 {
		t.Errorf("Total = %d, want 5", result.Total)
	}
	if len(result.Logs) != 2 {
		t.Errorf("len(Logs) = %d, want 2", len(result.Logs))
	}

	result, err = repo.List(ctx, Filter{Action: "delete", Limit: 1000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Limit != 200 {
		t.Errorf("Limit = %d, want clamp to 200", result.Limit)
	}
	if result.Total != 1 {
		t.Errorf("Total = %d, want 1", result.Total)
	}
}
