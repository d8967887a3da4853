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

// QueueController 按任务类型的队列运维控制
type QueueController struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewQueueController 创建队列控制器
func NewQueueController(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store) *QueueController {
	return &QueueController{
		config: cfg,
		logger: logger.With().Str("service", "queue").Logger(),
		store:  st,
	}
}

// EnsureDefaults 为所有已知任务类型补齐默认队列配置，启动时调用
func (c *QueueController) EnsureDefaults(ctx context.Context) error {
	for _, taskType := range types.KnownTaskTypes() {
		if _, err := c.store.GetQueueConfig(ctx, taskType); err == nil {
			continue
		}

		cfg := &types.QueueConfig{
			Name:           taskType,
			PriorityWeight: 1.0,
			MaxRetries:     c.config.Scheduler.DefaultMaxAttempts,
			RetryBackoffMS: c.config.Scheduler.DefaultBackoffMS,
			Concurrency:    c.config.Scheduler.DefaultConcurrency,
			Status:         types.QueueStatusActive,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := c.store.SaveQueueConfig(ctx, cfg); err != nil {
			return fmt.Errorf("seeding queue config for %s: %w", taskType, err)
		}
		c.logger.Info().Str("queue", string(taskType)).Msg("Queue config seeded")
	}
	return nil
}

// Pause 暂停队列，调度器从下一个周期开始跳过该类型
func (c *QueueController) Pause(ctx context.Context, name types.TaskType) (*types.QueueConfig, error) {
	return c.setStatus(ctx, name, types.QueueStatusPaused)
}

// Resume 恢复队列调度
func (c *QueueController) Resume(ctx context.Context, name types.TaskType) (*types.QueueConfig, error) {
	return c.setStatus(ctx, name, types.QueueStatusActive)
}

func (c *QueueController) setStatus(ctx context.Context, name types.TaskType, status types.QueueStatus) (*types.QueueConfig, error) {
	cfg, err := c.store.GetQueueConfig(ctx, name)
	if err != nil {
		return nil, err
	}

	cfg.Status = status
	cfg.UpdatedAt = time.Now()
	if err := c.store.SaveQueueConfig(ctx, cfg); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("queue", string(name)).
		Str("status", string(status)).
		Msg("Queue status changed")
	return cfg, nil
}

// QueueConfigUpdate 队列配置的可更新字段
type QueueConfigUpdate struct {
	PriorityWeight *float64 `json:"priority_weight"`
	MaxRetries     *int     `json:"max_retries"`
	RetryBackoffMS *int64   `json:"retry_backoff_ms"`
	Concurrency    *int     `json:"concurrency"`
}

// UpdateConfig 更新队列配置，下一个调度周期生效
func (c *QueueController) UpdateConfig(ctx context.Context, name types.TaskType, update QueueConfigUpdate) (*types.QueueConfig, error) {
	cfg, err := c.store.GetQueueConfig(ctx, name)
	if err != nil {
		return nil, err
	}

	if update.PriorityWeight != nil {
		if *update.PriorityWeight < 0 {
			return nil, fmt.Errorf("%w: priority_weight must be non-negative", types.ErrValidation)
		}
		cfg.PriorityWeight = *update.PriorityWeight
	}
	if update.MaxRetries != nil {
		if *update.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must be non-negative", types.ErrValidation)
		}
		cfg.MaxRetries = *update.MaxRetries
	}
	if update.RetryBackoffMS != nil {
		if *update.RetryBackoffMS <= 0 {
			return nil, fmt.Errorf("%w: retry_backoff_ms must be positive", types.ErrValidation)
		}
		cfg.RetryBackoffMS = *update.RetryBackoffMS
	}
	if update.Concurrency != nil {
		if *update.Concurrency <= 0 {
			return nil, fmt.Errorf("%w: concurrency must be positive", types.ErrValidation)
		}
		cfg.Concurrency = *update.Concurrency
	}

	cfg.UpdatedAt = time.Now()
	if err := c.store.SaveQueueConfig(ctx, cfg); err != nil {
		return nil, err
	}

	c.logger.Info().Str("queue", string(name)).Msg("Queue config updated")
	return cfg, nil
}

// Drain 取消队列中所有QUEUED/BLOCKED任务，RUNNING任务不受影响
//
// 被drain的任务转为FAILED，last_error标记为drained，不计入attempts。
func (c *QueueController) Drain(ctx context.Context, name types.TaskType) (int, error) {
	if _, err := c.store.GetQueueConfig(ctx, name); err != nil {
		return 0, err
	}

	drained := 0
	for _, status := range []types.TaskStatus{types.TaskStatusQueued, types.TaskStatusBlocked} {
		st := status
		tasks, err := c.store.ListTasks(ctx, store.TaskFilter{Status: &st, Type: &name})
		if err != nil {
			return drained, fmt.Errorf("listing %s tasks: %w", status, err)
		}

		for _, task := range tasks {
			now := time.Now()
			_, err := c.store.TransitionTask(ctx, task.ID, status, types.TaskStatusFailed, func(t *types.PipelineTask) {
				t.LastError = "drained"
				t.CompletedAt = &now
			})
			if err != nil {
				// 并发状态变化时跳过该任务，不中断drain
				c.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Drain skipped task")
				continue
			}
			drained++
		}
	}

	c.logger.Info().
		Str("queue", string(name)).
		Int("drained", drained).
		Msg("Queue drained")
	return drained, nil
}
