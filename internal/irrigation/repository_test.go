package irrigation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredRequest(id, plantID string, status Status, at time.Time) *Request {
	return &Request{
		ID:                 id,
		PlantID:            plantID,
		UnitID:             "unit_a",
		ActuatorID:         "pump-1",
		ScheduleID:         "sched-1",
		Status:             status,
		RequestedVolumeML:  250,
		RequestedDurationS: 25,
		VolumeSource:       SourceCalibration,
		CreatedAt:          at,
		DecisionDeadline:   at.Add(30 * time.Minute),
		UpdatedAt:          at,
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	r := newStoredRequest("r1", "plant-1", StatusPendingApproval, at)
	executed := at.Add(time.Minute)
	r.ExecutedAt = &executed
	r.Notes = "first"
	require.NoError(t, repo.Create(ctx, r))

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRepository_OneOpenRequestPerTarget(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newStoredRequest("r1", "plant-1", StatusPendingApproval, at)))

	err := repo.Create(ctx, newStoredRequest("r2", "plant-1", StatusStandby, at))
	assert.ErrorIs(t, err, ErrOpenRequest)

	require.NoError(t, repo.Create(ctx, newStoredRequest("r3", "plant-2", StatusStandby, at)), "other plant")
	require.NoError(t, repo.Create(ctx, newStoredRequest("r4", "plant-1", StatusExpired, at)), "terminal requests do not count")

	n, err := repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteRepository_UpdateChecksStatus(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	r := newStoredRequest("r1", "plant-1", StatusPendingApproval, at)
	require.NoError(t, repo.Create(ctx, r))

	next := r.DeepCopy()
	next.Status = StatusApproved
	require.NoError(t, repo.Update(ctx, next, StatusPendingApproval))

	stale := r.DeepCopy()
	stale.Status = StatusExpired
	err := repo.Update(ctx, stale, StatusPendingApproval)
	assert.ErrorIs(t, err, ErrStaleState)

	missing := newStoredRequest("nope", "plant-9", StatusApproved, at)
	err = repo.Update(ctx, missing, StatusPendingApproval)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestSQLiteRepository_Due(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	early := newStoredRequest("early", "plant-1", StatusPendingApproval, at)
	late := newStoredRequest("late", "plant-2", StatusPendingApproval, at.Add(time.Hour))
	other := newStoredRequest("other", "plant-3", StatusDelayed, at)
	for _, r := range []*Request{early, late, other} {
		require.NoError(t, repo.Create(ctx, r))
	}

	due, err := repo.Due(ctx, StatusPendingApproval, ByDecisionDeadline, at.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1, "deadline equal to the cutoff is due")
	assert.Equal(t, "early", due[0].ID)

	executed := at
	fb := newStoredRequest("fb", "plant-4", StatusFeedbackPending, at)
	fb.ExecutedAt = &executed
	require.NoError(t, repo.Create(ctx, fb))

	due, err = repo.Due(ctx, StatusFeedbackPending, ByExecutedAt, at.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = repo.Due(ctx, StatusFeedbackPending, ByExecutedAt, at)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSQLiteRepository_HasOpenForSchedule(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newStoredRequest("done", "plant-1", StatusCompleted, at)))
	open, err := repo.HasOpenForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.False(t, open)

	require.NoError(t, repo.Create(ctx, newStoredRequest("live", "plant-1", StatusDelayed, at)))
	open, err = repo.HasOpenForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.True(t, open)
}
