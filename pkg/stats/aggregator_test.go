package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/sla"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.MemoryStore, *config.ServerConfig) {
	t.Helper()

	cfg := config.DefaultServerConfig()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	return NewAggregator(cfg, zerolog.Nop(), st, sla.NewEngine(cfg)), st, cfg
}

func seedTask(t *testing.T, st *store.MemoryStore, mutate func(*types.PipelineTask)) *types.PipelineTask {
	t.Helper()

	now := time.Now()
	task := &types.PipelineTask{
		ID:          types.NewTaskID(),
		OrgID:       "default",
		Type:        types.TaskTypeConsolidation,
		Status:      types.TaskStatusQueued,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func TestLiveSnapshot(t *testing.T) {
	agg, st, _ := newTestAggregator(t)
	ctx := context.Background()
	now := time.Now()

	seedTask(t, st, nil)
	seedTask(t, st, func(task *types.PipelineTask) {
		task.Type = types.TaskTypeCritique
		task.Status = types.TaskStatusRunning
	})

	// 一小时内完成的任务：排队5分钟、执行2分钟、消耗500 token
	tokens := int64(500)
	duration := int64(2 * 60 * 1000)
	deadline := now.Add(time.Hour)
	seedTask(t, st, func(task *types.PipelineTask) {
		created := now.Add(-10 * time.Minute)
		started := created.Add(5 * time.Minute)
		completed := started.Add(2 * time.Minute)
		task.Status = types.TaskStatusSucceeded
		task.CreatedAt = created
		task.StartedAt = &started
		task.CompletedAt = &completed
		task.ActualTokens = &tokens
		task.DurationMS = &duration
		task.SLADeadline = &deadline
	})

	// 超过SLA截止才完成的任务
	lateDeadline := now.Add(-time.Hour)
	seedTask(t, st, func(task *types.PipelineTask) {
		completed := now.Add(-time.Minute)
		task.Status = types.TaskStatusFailed
		task.CompletedAt = &completed
		task.SLADeadline = &lateDeadline
	})

	snapshot, err := agg.Live(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), snapshot.StatusCounts[types.TaskStatusQueued])
	assert.Equal(t, int64(1), snapshot.StatusCounts[types.TaskStatusRunning])
	assert.Equal(t, int64(1), snapshot.StatusCounts[types.TaskStatusSucceeded])
	assert.Equal(t, int64(1), snapshot.QueueDepth[types.TaskTypeConsolidation])
	assert.Equal(t, int64(1), snapshot.RunningByType[types.TaskTypeCritique])

	assert.Equal(t, int64(500), snapshot.TokensLastHour)
	assert.Equal(t, int64(1), snapshot.SLABreaches)
	assert.Equal(t, 0.5, snapshot.SLAComplianceRate)
	assert.InDelta(t, 5*60*1000, snapshot.AvgQueueMS, 1000)
	assert.InDelta(t, 2*60*1000, snapshot.AvgExecMS, 1)
}

func TestLiveCache(t *testing.T) {
	agg, st, cfg := newTestAggregator(t)
	cfg.Stats.CacheTTLMS = 60_000
	ctx := context.Background()

	first, err := agg.Live(ctx)
	require.NoError(t, err)

	// TTL内新任务不影响快照
	seedTask(t, st, nil)

	second, err := agg.Live(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.GeneratedAt, second.GeneratedAt)
	assert.Equal(t, first.StatusCounts[types.TaskStatusQueued], second.StatusCounts[types.TaskStatusQueued])
}

func TestHistory(t *testing.T) {
	agg, st, _ := newTestAggregator(t)
	ctx := context.Background()
	now := time.Now()

	// 两小时前成功一个，一小时内失败一个
	earlier := now.Add(-2 * time.Hour)
	seedTask(t, st, func(task *types.PipelineTask) {
		task.Status = types.TaskStatusSucceeded
		task.CompletedAt = &earlier
	})
	recent := now.Add(-10 * time.Minute)
	seedTask(t, st, func(task *types.PipelineTask) {
		task.Status = types.TaskStatusFailed
		task.CompletedAt = &recent
	})

	buckets, err := agg.History(ctx, 6)
	require.NoError(t, err)
	require.NotEmpty(t, buckets)

	// 空桶预建且合规率为1.0
	assert.GreaterOrEqual(t, len(buckets), 6)
	var totalCompleted, totalSucceeded, totalFailed int64
	for _, bucket := range buckets {
		totalCompleted += bucket.Completed
		totalSucceeded += bucket.Succeeded
		totalFailed += bucket.Failed
		if bucket.Completed == 0 {
			assert.Equal(t, 1.0, bucket.ComplianceRate)
		}
	}
	assert.Equal(t, int64(2), totalCompleted)
	assert.Equal(t, int64(1), totalSucceeded)
	assert.Equal(t, int64(1), totalFailed)
}

func TestLiveOverdueBreaches(t *testing.T) {
	agg, st, _ := newTestAggregator(t)
	now := time.Now()

	// 排队中、截止时间已过的任务计入违约
	lapsed := now.Add(-30 * time.Minute)
	seedTask(t, st, func(task *types.PipelineTask) {
		task.SLADeadline = &lapsed
	})

	// 运行中、截止时间未到的任务不计入
	upcoming := now.Add(30 * time.Minute)
	seedTask(t, st, func(task *types.PipelineTask) {
		task.Status = types.TaskStatusRunning
		task.SLADeadline = &upcoming
	})

	snapshot, err := agg.Live(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.SLABreaches)
}
