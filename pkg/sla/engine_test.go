package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/types"
)

func newTestEngine() *Engine {
	return NewEngine(config.DefaultServerConfig())
}

func TestAssignDeadline(t *testing.T) {
	engine := newTestEngine()
	createdAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		category types.SLACategory
		expected time.Duration
	}{
		{types.SLACategoryCritical, 15 * time.Minute},
		{types.SLACategoryHigh, time.Hour},
		{types.SLACategoryMedium, 4 * time.Hour},
		{types.SLACategoryLow, 24 * time.Hour},
	}
	for _, tc := range cases {
		deadline := engine.AssignDeadline(createdAt, tc.category)
		require.NotNil(t, deadline, string(tc.category))
		assert.Equal(t, createdAt.Add(tc.expected), *deadline, string(tc.category))
	}

	// 无SLA分类不分配截止时间
	assert.Nil(t, engine.AssignDeadline(createdAt, types.SLACategoryNone))
}

func TestEvaluate(t *testing.T) {
	engine := newTestEngine()
	now := time.Now()

	t.Run("No Deadline", func(t *testing.T) {
		task := &types.PipelineTask{Status: types.TaskStatusQueued}
		eval := engine.Evaluate(task, now)
		assert.Nil(t, eval.RemainingMS)
		assert.False(t, eval.Breached)
	})

	t.Run("Pending Within Deadline", func(t *testing.T) {
		deadline := now.Add(10 * time.Minute)
		task := &types.PipelineTask{Status: types.TaskStatusQueued, SLADeadline: &deadline}

		eval := engine.Evaluate(task, now)
		require.NotNil(t, eval.RemainingMS)
		assert.InDelta(t, 10*60*1000, *eval.RemainingMS, 10)
		assert.False(t, eval.Breached)
	})

	t.Run("Pending Past Deadline", func(t *testing.T) {
		deadline := now.Add(-time.Minute)
		task := &types.PipelineTask{Status: types.TaskStatusRunning, SLADeadline: &deadline}

		eval := engine.Evaluate(task, now)
		require.NotNil(t, eval.RemainingMS)
		assert.Equal(t, int64(0), *eval.RemainingMS)
		assert.True(t, eval.Breached)
	})

	t.Run("Completed In Time", func(t *testing.T) {
		deadline := now.Add(-time.Hour)
		completed := deadline.Add(-time.Minute)
		task := &types.PipelineTask{
			Status:      types.TaskStatusSucceeded,
			SLADeadline: &deadline,
			CompletedAt: &completed,
		}

		// 完成时间早于截止时间：即便现在已超期也不算违约
		eval := engine.Evaluate(task, now)
		assert.Nil(t, eval.RemainingMS)
		assert.False(t, eval.Breached)
	})

	t.Run("Completed Late", func(t *testing.T) {
		deadline := now.Add(-time.Hour)
		completed := deadline.Add(time.Minute)
		task := &types.PipelineTask{
			Status:      types.TaskStatusSucceeded,
			SLADeadline: &deadline,
			CompletedAt: &completed,
		}

		eval := engine.Evaluate(task, now)
		assert.True(t, eval.Breached)
	})

	t.Run("Idempotent", func(t *testing.T) {
		deadline := now.Add(-time.Minute)
		task := &types.PipelineTask{Status: types.TaskStatusQueued, SLADeadline: &deadline}

		first := engine.Evaluate(task, now)
		second := engine.Evaluate(task, now)
		assert.Equal(t, first.Breached, second.Breached)
		assert.Equal(t, *first.RemainingMS, *second.RemainingMS)
	})
}

func TestAnnotate(t *testing.T) {
	engine := newTestEngine()
	now := time.Now()

	deadline := now.Add(-time.Minute)
	task := &types.PipelineTask{Status: types.TaskStatusQueued, SLADeadline: &deadline}

	engine.Annotate(task, now)
	assert.True(t, task.SLABreached)
	require.NotNil(t, task.SLARemainingMS)
	assert.Equal(t, int64(0), *task.SLARemainingMS)
}

func TestComplianceRate(t *testing.T) {
	engine := newTestEngine()
	now := time.Now()
	deadline := now.Add(-time.Hour)
	inTime := deadline.Add(-time.Minute)
	late := deadline.Add(time.Minute)

	t.Run("Empty Set", func(t *testing.T) {
		assert.Equal(t, 1.0, engine.ComplianceRate(nil, now))
	})

	t.Run("Mixed Outcomes", func(t *testing.T) {
		tasks := []*types.PipelineTask{
			{Status: types.TaskStatusSucceeded, SLADeadline: &deadline, CompletedAt: &inTime},
			{Status: types.TaskStatusSucceeded, SLADeadline: &deadline, CompletedAt: &late},
			// 无截止时间与非终态任务不参与统计
			{Status: types.TaskStatusSucceeded, CompletedAt: &late},
			{Status: types.TaskStatusRunning, SLADeadline: &deadline},
		}
		assert.Equal(t, 0.5, engine.ComplianceRate(tasks, now))
	})
}
