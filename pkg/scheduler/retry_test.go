package scheduler

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

func TestComputeBackoff(t *testing.T) {
	// base 1s，指数翻倍
	assert.Equal(t, time.Second, ComputeBackoff(1000, 1, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(1000, 2, 0))
	assert.Equal(t, 4*time.Second, ComputeBackoff(1000, 3, 0))
	assert.Equal(t, 8*time.Second, ComputeBackoff(1000, 4, 0))

	t.Run("Cap Applied", func(t *testing.T) {
		assert.Equal(t, 5*time.Second, ComputeBackoff(1000, 10, 5000))
		assert.Equal(t, 3*time.Second, ComputeBackoff(4000, 1, 3000))
	})

	t.Run("Zero Base Falls Back", func(t *testing.T) {
		assert.Equal(t, time.Second, ComputeBackoff(0, 1, 0))
	})
}

func TestRetryFlow(t *testing.T) {
	cfg := config.DefaultServerConfig()
	st := store.NewMemoryStore()
	defer st.Close()
	mgr := NewRetryManager(cfg, zerolog.Nop(), st)
	ctx := context.Background()

	makeFailed := func(t *testing.T, attempts, maxAttempts int) *types.PipelineTask {
		t.Helper()
		now := time.Now()
		started := now.Add(-time.Minute)
		task := &types.PipelineTask{
			ID:          types.NewTaskID(),
			OrgID:       "default",
			Type:        types.TaskTypeConsolidation,
			Status:      types.TaskStatusFailed,
			Attempts:    attempts,
			MaxAttempts: maxAttempts,
			LastError:   "worker crashed",
			StartedAt:   &started,
			CompletedAt: &now,
			CreatedAt:   now.Add(-2 * time.Minute),
		}
		require.NoError(t, st.CreateTask(ctx, task))
		return task
	}

	t.Run("Requeue Preserves Attempts", func(t *testing.T) {
		task := makeFailed(t, 1, 3)

		require.NoError(t, mgr.Requeue(ctx, task.ID))

		requeued, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusQueued, requeued.Status)
		assert.Equal(t, 1, requeued.Attempts)
		assert.Equal(t, "worker crashed", requeued.LastError)
		assert.Nil(t, requeued.StartedAt)
		assert.Nil(t, requeued.CompletedAt)
	})

	t.Run("Requeue Non Failed Rejected", func(t *testing.T) {
		task := makeFailed(t, 1, 3)
		require.NoError(t, mgr.Requeue(ctx, task.ID))

		assert.ErrorIs(t, mgr.Requeue(ctx, task.ID), types.ErrInvalidTransition)
	})

	t.Run("OnFailure Schedules Retry", func(t *testing.T) {
		cfgFast := config.DefaultServerConfig()
		cfgFast.Scheduler.DefaultBackoffMS = 10
		fastMgr := NewRetryManager(cfgFast, zerolog.Nop(), st)

		task := makeFailed(t, 1, 3)
		fastMgr.OnFailure(ctx, task, nil)

		require.Eventually(t, func() bool {
			current, err := st.GetTask(ctx, task.ID)
			return err == nil && current.Status == types.TaskStatusQueued
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("OnFailure Exhausted Stays Failed", func(t *testing.T) {
		task := makeFailed(t, 3, 3)
		mgr.OnFailure(ctx, task, nil)

		time.Sleep(30 * time.Millisecond)
		current, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusFailed, current.Status)
	})

	t.Run("Manual Retry Keeps Counter", func(t *testing.T) {
		task := makeFailed(t, 3, 3)

		retried, err := mgr.ManualRetry(ctx, task.ID, false)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusQueued, retried.Status)
		assert.Equal(t, 3, retried.Attempts)
	})

	t.Run("Manual Retry Reset Attempts", func(t *testing.T) {
		task := makeFailed(t, 3, 3)

		retried, err := mgr.ManualRetry(ctx, task.ID, true)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusQueued, retried.Status)
		assert.Zero(t, retried.Attempts)
	})

	t.Run("Manual Retry Requires Failed", func(t *testing.T) {
		task := makeFailed(t, 1, 3)
		_, err := mgr.ManualRetry(ctx, task.ID, false)
		require.NoError(t, err)

		// 已回到QUEUED，再次手动重试被拒绝
		_, err = mgr.ManualRetry(ctx, task.ID, false)
		assert.ErrorIs(t, err, types.ErrInvalidTransition)
	})
}

func TestQueueBackoffOverride(t *testing.T) {
	cfg := config.DefaultServerConfig()
	mgr := NewRetryManager(cfg, zerolog.Nop(), store.NewMemoryStore())

	queueCfg := &types.QueueConfig{
		Name:           types.TaskTypeCritique,
		RetryBackoffMS: 100,
	}
	assert.Equal(t, 100*time.Millisecond, mgr.Backoff(queueCfg, 1))
	assert.Equal(t, 200*time.Millisecond, mgr.Backoff(queueCfg, 2))

	// 无队列配置时回退到全局默认
	assert.Equal(t, 5*time.Second, mgr.Backoff(nil, 1))
}
