package calibration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRepository_CalibrationRoundTrip(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.Get(ctx, "pump-1")
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := &PumpCalibration{
		ActuatorID:       "pump-1",
		FlowRateMLPerS:   12.5,
		LastCalibratedAt: &at,
		History:          []HistoryEntry{{MeasuredML: 125, DurationS: 10, ComputedRate: 12.5, Timestamp: at}},
		AdjustmentFactor: 1.1,
		UpdatedAt:        at,
	}
	require.NoError(t, repo.Save(ctx, c))

	c.AdjustmentFactor = 0.9
	require.NoError(t, repo.Save(ctx, c), "save is an upsert")

	got, err := repo.Get(ctx, "pump-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.AdjustmentFactor, 1e-9)
	assert.InDelta(t, 12.5, got.FlowRateMLPerS, 1e-9)
	require.NotNil(t, got.LastCalibratedAt)
	assert.True(t, at.Equal(*got.LastCalibratedAt))
	require.Len(t, got.History, 1)
	assert.InDelta(t, 125.0, got.History[0].MeasuredML, 1e-9)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteRepository_FactorOutOfRangeRejected(t *testing.T) {
	repo := setupTestRepo(t)

	err := repo.Save(context.Background(), &PumpCalibration{
		ActuatorID: "pump-1", FlowRateMLPerS: 10, AdjustmentFactor: 2.5, UpdatedAt: time.Now(),
	})
	assert.Error(t, err, "CHECK constraint backs the clamp")
}

func TestSQLiteRepository_OneOpenSession(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	s1 := &Session{ID: "s1", ActuatorID: "pump-1", DurationS: 10, StartedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, repo.CreateSession(ctx, s1))

	s2 := &Session{ID: "s2", ActuatorID: "pump-1", DurationS: 10, StartedAt: now, ExpiresAt: now.Add(time.Minute)}
	assert.ErrorIs(t, repo.CreateSession(ctx, s2), ErrSessionOpen)

	open, err := repo.OpenSession(ctx, "pump-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", open.ID)
	assert.True(t, now.Add(time.Minute).Equal(open.ExpiresAt))

	require.NoError(t, repo.CloseSession(ctx, "s1", now, OutcomeCancelled))
	assert.ErrorIs(t, repo.CloseSession(ctx, "s1", now, OutcomeCancelled), ErrNoSession, "already closed")

	_, err = repo.OpenSession(ctx, "pump-1")
	assert.ErrorIs(t, err, ErrNoSession)
	require.NoError(t, repo.CreateSession(ctx, s2))
}
