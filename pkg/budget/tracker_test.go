package budget

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"
)

func newTestTracker(t *testing.T) (*Tracker, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewTracker(config.DefaultServerConfig(), zerolog.Nop(), st), st
}

func seedBudget(t *testing.T, st *store.MemoryStore, tokenBudget, tokensUsed int64) *types.ResourceBudget {
	t.Helper()

	now := time.Now()
	budget := &types.ResourceBudget{
		OrgID:       "default",
		Period:      now.Format("2006-01"),
		PeriodStart: now.Add(-time.Hour),
		PeriodEnd:   now.Add(time.Hour),
		TokenBudget: tokenBudget,
		TokensUsed:  tokensUsed,
	}
	require.NoError(t, st.SaveBudget(context.Background(), budget))
	return budget
}

func TestCheckAdmission(t *testing.T) {
	ctx := context.Background()

	t.Run("No Budget Window Allows", func(t *testing.T) {
		tracker, _ := newTestTracker(t)

		decision, err := tracker.CheckAdmission(ctx, "default", 100)
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Equal(t, types.AdmissionReasonOK, decision.Reason)
	})

	t.Run("Within Budget Allows", func(t *testing.T) {
		tracker, st := newTestTracker(t)
		seedBudget(t, st, 1000, 500)

		decision, err := tracker.CheckAdmission(ctx, "default", 400)
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Equal(t, types.AdmissionReasonOK, decision.Reason)
	})

	t.Run("Quota Exceeded Denies", func(t *testing.T) {
		tracker, st := newTestTracker(t)
		seedBudget(t, st, 1000, 900)

		// 900 + 200 > 1000
		decision, err := tracker.CheckAdmission(ctx, "default", 200)
		require.NoError(t, err)
		assert.False(t, decision.Allow)
		assert.Equal(t, types.AdmissionReasonQuotaExceeded, decision.Reason)
	})

	t.Run("Manual Block Takes Precedence", func(t *testing.T) {
		tracker, st := newTestTracker(t)
		budget := seedBudget(t, st, 1000, 0)
		_, err := st.UpdateBudgetControls(ctx, budget.ID, func(b *types.ResourceBudget) {
			b.AdmissionBlocked = true
			b.ThrottleRate = 0.5
		})
		require.NoError(t, err)

		decision, err := tracker.CheckAdmission(ctx, "default", 10)
		require.NoError(t, err)
		assert.False(t, decision.Allow)
		assert.Equal(t, types.AdmissionReasonBlocked, decision.Reason)
	})

	t.Run("Throttle Allows With Delay", func(t *testing.T) {
		tracker, st := newTestTracker(t)
		budget := seedBudget(t, st, 1000, 0)
		_, err := st.UpdateBudgetControls(ctx, budget.ID, func(b *types.ResourceBudget) {
			b.ThrottleRate = 0.5
		})
		require.NoError(t, err)

		decision, err := tracker.CheckAdmission(ctx, "default", 10)
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Equal(t, types.AdmissionReasonThrottled, decision.Reason)
		// rate 0.5 × base 1000ms
		assert.Equal(t, int64(500), decision.ThrottleDelayMS)
	})

	t.Run("Quota Check Before Throttle", func(t *testing.T) {
		tracker, st := newTestTracker(t)
		budget := seedBudget(t, st, 1000, 1000)
		_, err := st.UpdateBudgetControls(ctx, budget.ID, func(b *types.ResourceBudget) {
			b.ThrottleRate = 0.2
		})
		require.NoError(t, err)

		decision, err := tracker.CheckAdmission(ctx, "default", 1)
		require.NoError(t, err)
		assert.False(t, decision.Allow)
		assert.Equal(t, types.AdmissionReasonQuotaExceeded, decision.Reason)
	})
}

func TestRecordConsumption(t *testing.T) {
	ctx := context.Background()

	t.Run("Monotonic Accumulation", func(t *testing.T) {
		tracker, st := newTestTracker(t)
		budget := seedBudget(t, st, 1000, 0)

		require.NoError(t, tracker.RecordConsumption(ctx, "default", 300))
		require.NoError(t, tracker.RecordConsumption(ctx, "default", 200))

		active, err := st.GetActiveBudget(ctx, "default", time.Now())
		require.NoError(t, err)
		assert.Equal(t, budget.ID, active.ID)
		assert.Equal(t, int64(500), active.TokensUsed)
		assert.Equal(t, int64(2), active.RequestsUsed)
	})

	t.Run("Negative Rejected", func(t *testing.T) {
		tracker, st := newTestTracker(t)
		seedBudget(t, st, 1000, 0)

		assert.ErrorIs(t, tracker.RecordConsumption(ctx, "default", -5), types.ErrValidation)
	})

	t.Run("No Budget Is Noop", func(t *testing.T) {
		tracker, _ := newTestTracker(t)
		assert.NoError(t, tracker.RecordConsumption(ctx, "default", 100))
	})

	t.Run("Overconsumption Recorded", func(t *testing.T) {
		// 已开始的任务照常计账，超额由下一次准入判定兜住
		tracker, st := newTestTracker(t)
		seedBudget(t, st, 100, 90)

		require.NoError(t, tracker.RecordConsumption(ctx, "default", 50))

		active, err := st.GetActiveBudget(ctx, "default", time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(140), active.TokensUsed)

		decision, err := tracker.CheckAdmission(ctx, "default", 1)
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})
}

func TestBudgetControls(t *testing.T) {
	ctx := context.Background()
	tracker, st := newTestTracker(t)
	seedBudget(t, st, 1000, 0)

	blocked, err := tracker.SetBlock(ctx, "default")
	require.NoError(t, err)
	assert.True(t, blocked.AdmissionBlocked)

	unblocked, err := tracker.Unblock(ctx, "default")
	require.NoError(t, err)
	assert.False(t, unblocked.AdmissionBlocked)

	throttled, err := tracker.SetThrottle(ctx, "default", 0.8)
	require.NoError(t, err)
	assert.Equal(t, 0.8, throttled.ThrottleRate)
	assert.True(t, throttled.DegradedMode)

	cleared, err := tracker.SetThrottle(ctx, "default", 0)
	require.NoError(t, err)
	assert.False(t, cleared.DegradedMode)

	_, err = tracker.SetThrottle(ctx, "default", 1.5)
	assert.ErrorIs(t, err, types.ErrValidation)
}
