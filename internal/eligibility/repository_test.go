package eligibility

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

func TestSQLiteRepository_AppendTrace(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	_, err := repo.LatestTrace(ctx, pumpPair)
	assert.ErrorIs(t, err, ErrNoTrace)

	on := true
	first := &Trace{
		UnitID: "unit_a", DeviceType: schedule.DevicePump, EvaluatedAt: at,
		ScheduleVerdict: true, ThresholdVerdict: false, OverrideVerdict: &on, FinalVerdict: true,
		WinningScheduleID: "sched-1", ReasonCodes: []string{ReasonScheduleActive, ReasonOverrideOn},
	}
	require.NoError(t, repo.AppendTrace(ctx, first))
	assert.NotZero(t, first.Seq)

	dup := *first
	assert.ErrorIs(t, repo.AppendTrace(ctx, &dup), ErrNonMonotonic)

	earlier := &Trace{UnitID: "unit_a", DeviceType: schedule.DevicePump, EvaluatedAt: at.Add(-time.Second)}
	assert.ErrorIs(t, repo.AppendTrace(ctx, earlier), ErrNonMonotonic)

	other := &Trace{UnitID: "unit_a", DeviceType: schedule.DeviceLight, EvaluatedAt: at}
	require.NoError(t, repo.AppendTrace(ctx, other), "other pairs have their own ordering")

	latest, err := repo.LatestTrace(ctx, pumpPair)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, latest.Seq)
	assert.True(t, at.Equal(latest.EvaluatedAt))
	require.NotNil(t, latest.OverrideVerdict)
	assert.True(t, *latest.OverrideVerdict)
	assert.Equal(t, "sched-1", latest.WinningScheduleID)
	assert.Equal(t, first.ReasonCodes, latest.ReasonCodes)
}

func TestSQLiteRepository_ListTraces(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	for i := range 5 {
		require.NoError(t, repo.AppendTrace(ctx, &Trace{
			UnitID: "unit_a", DeviceType: schedule.DevicePump, EvaluatedAt: at.Add(time.Duration(i) * time.Minute),
		}))
	}

	traces, err := repo.ListTraces(ctx, pumpPair, 3)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.True(t, at.Add(2*time.Minute).Equal(traces[0].EvaluatedAt), "newest three, oldest first")
	assert.True(t, at.Add(4*time.Minute).Equal(traces[2].EvaluatedAt))
	assert.Empty(t, traces[0].ReasonCodes)
}

func TestSQLiteRepository_ActivePairs(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	pairs, err := repo.ActivePairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	fanPair := schedule.Pair{UnitID: "unit_b", DeviceType: schedule.DeviceFan}
	for _, tr := range []Trace{
		{UnitID: "unit_a", DeviceType: schedule.DeviceLight, EvaluatedAt: at, FinalVerdict: true},
		{UnitID: "unit_a", DeviceType: schedule.DevicePump, EvaluatedAt: at, FinalVerdict: true},
		{UnitID: "unit_a", DeviceType: schedule.DevicePump, EvaluatedAt: at.Add(time.Minute), FinalVerdict: false},
		{UnitID: "unit_b", DeviceType: schedule.DeviceFan, EvaluatedAt: at, FinalVerdict: false},
		{UnitID: "unit_b", DeviceType: schedule.DeviceFan, EvaluatedAt: at.Add(time.Minute), FinalVerdict: true},
	} {
		require.NoError(t, repo.AppendTrace(ctx, &tr))
	}

	pairs, err = repo.ActivePairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []schedule.Pair{lightPair, fanPair}, pairs, "only the latest verdict of each pair counts")
}

func TestSQLiteRepository_Overrides(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	expires := at.Add(time.Hour)

	require.NoError(t, repo.SetOverride(ctx, &Override{
		UnitID: "unit_a", DeviceType: schedule.DeviceLight, State: true, SetBy: "grower", CreatedAt: at,
	}))
	require.NoError(t, repo.SetOverride(ctx, &Override{
		UnitID: "unit_a", DeviceType: schedule.DeviceLight, State: false, Reason: "maintenance",
		ExpiresAt: &expires, CreatedAt: at,
	}))

	o, err := repo.GetOverride(ctx, lightPair)
	require.NoError(t, err)
	assert.False(t, o.State, "set replaces")
	assert.Equal(t, "maintenance", o.Reason)
	assert.Empty(t, o.SetBy)
	require.NotNil(t, o.ExpiresAt)
	assert.True(t, expires.Equal(*o.ExpiresAt))

	all, err := repo.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.ClearOverride(ctx, lightPair))
	assert.ErrorIs(t, repo.ClearOverride(ctx, lightPair), ErrNoOverride)
}
