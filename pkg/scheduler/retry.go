package scheduler

import (
	"context"
	"fmt"
	"time"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/rs/zerolog"
)

// RetryManager 失败重试管理器
type RetryManager struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewRetryManager 创建重试管理器
func NewRetryManager(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store) *RetryManager {
	return &RetryManager{
		config: cfg,
		logger: logger.With().Str("service", "retry").Logger(),
		store:  st,
	}
}

// ComputeBackoff 计算按尝试次数指数退避的延迟
func ComputeBackoff(baseMS int64, attempts int, maxMS int64) time.Duration {
	if baseMS <= 0 {
		baseMS = 1000
	}
	backoff := baseMS
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if maxMS > 0 && backoff >= maxMS {
			backoff = maxMS
			break
		}
	}
	if maxMS > 0 && backoff > maxMS {
		backoff = maxMS
	}
	return time.Duration(backoff) * time.Millisecond
}

// Backoff 返回任务下一次重试的退避延迟
func (m *RetryManager) Backoff(queueCfg *types.QueueConfig, attempts int) time.Duration {
	baseMS := m.config.Scheduler.DefaultBackoffMS
	if queueCfg != nil && queueCfg.RetryBackoffMS > 0 {
		baseMS = queueCfg.RetryBackoffMS
	}
	return ComputeBackoff(baseMS, attempts, m.config.Scheduler.MaxBackoffMS)
}

// OnFailure 处理一次执行失败，任务此时已是FAILED且attempts已累加
//
// attempts未耗尽时安排退避后重新入队；耗尽则保持终态FAILED，
// 等待操作员手动重试。
func (m *RetryManager) OnFailure(ctx context.Context, task *types.PipelineTask, queueCfg *types.QueueConfig) {
	if task.Attempts >= task.MaxAttempts {
		m.logger.Warn().
			Str("task_id", task.ID).
			Int("attempts", task.Attempts).
			Str("last_error", task.LastError).
			Msg("Task failed permanently, retries exhausted")
		return
	}

	backoff := m.Backoff(queueCfg, task.Attempts)
	m.logger.Info().
		Str("task_id", task.ID).
		Int("attempts", task.Attempts).
		Int("max_attempts", task.MaxAttempts).
		Dur("backoff", backoff).
		Msg("Scheduling task retry")

	taskID := task.ID
	time.AfterFunc(backoff, func() {
		if err := m.Requeue(context.Background(), taskID); err != nil {
			// 操作员可能已经介入（取消/手动重试），只记录不报错
			m.logger.Debug().Err(err).Str("task_id", taskID).Msg("Retry requeue skipped")
		}
	})
}

// Requeue 把FAILED任务转回QUEUED，attempts与last_error保留
func (m *RetryManager) Requeue(ctx context.Context, taskID string) error {
	_, err := m.store.TransitionTask(ctx, taskID, types.TaskStatusFailed, types.TaskStatusQueued, func(t *types.PipelineTask) {
		t.StartedAt = nil
		t.CompletedAt = nil
		t.BlockedByQuota = false
	})
	if err != nil {
		return fmt.Errorf("requeueing task %s: %w", taskID, err)
	}
	return nil
}

// ManualRetry 操作员对终态FAILED任务的手动重试
//
// 默认保留attempts计数以保存审计历史（超出max_attempts的任务重新入队后
// 一旦再失败会立即回到终态）；resetAttempts=true 是显式的操作员豁免。
func (m *RetryManager) ManualRetry(ctx context.Context, taskID string, resetAttempts bool) (*types.PipelineTask, error) {
	task, err := m.store.TransitionTask(ctx, taskID, types.TaskStatusFailed, types.TaskStatusQueued, func(t *types.PipelineTask) {
		t.StartedAt = nil
		t.CompletedAt = nil
		t.BlockedByQuota = false
		if resetAttempts {
			t.Attempts = 0
		}
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("task_id", taskID).
		Bool("reset_attempts", resetAttempts).
		Msg("Manual retry requested")
	return task, nil
}
