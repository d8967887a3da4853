package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pipeline-backend/pkg/budget"
	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/sla"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/rs/zerolog"
)

// Dispatcher 调度器
//
// 周期性地为每个活跃队列挑选可调度任务：依赖就绪、未被配额阻塞、
// 预算准入放行，并在并发上限内转为RUNNING后交给外部执行器。
// 存储层的乐观状态转移是唯一串行化点，单个任务的失败不影响整个周期。
type Dispatcher struct {
	config   *config.ServerConfig
	logger   zerolog.Logger
	store    store.Store
	resolver *Resolver
	budget   *budget.Tracker
	sla      *sla.Engine
	executor Executor
	retry    *RetryManager

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewDispatcher 创建调度器
func NewDispatcher(
	cfg *config.ServerConfig,
	logger zerolog.Logger,
	st store.Store,
	resolver *Resolver,
	tracker *budget.Tracker,
	slaEngine *sla.Engine,
	executor Executor,
	retry *RetryManager,
) *Dispatcher {
	return &Dispatcher{
		config:   cfg,
		logger:   logger.With().Str("service", "dispatcher").Logger(),
		store:    st,
		resolver: resolver,
		budget:   tracker,
		sla:      slaEngine,
		executor: executor,
		retry:    retry,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动调度循环
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.config.PollInterval())
		defer ticker.Stop()

		d.logger.Info().
			Dur("interval", d.config.PollInterval()).
			Msg("Dispatcher started")

		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), d.config.PollInterval())
				if err := d.RunCycle(ctx); err != nil {
					// 存储暂时不可用等基础设施错误：下个周期自动重试，不计入任务attempts
					d.logger.Error().Err(err).Msg("Dispatch cycle failed")
				}
				cancel()
			}
		}
	}()
}

// Stop 停止调度循环
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

// RunCycle 执行一个完整的调度周期
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	// 依赖已就绪的BLOCKED任务先回到队列
	if err := d.promoteBlocked(ctx); err != nil {
		return fmt.Errorf("promoting blocked tasks: %w", err)
	}

	// 清除配额阻塞标记，本周期重新走准入判定
	if _, err := d.store.ClearQuotaBlocked(ctx, ""); err != nil {
		return fmt.Errorf("clearing quota blocks: %w", err)
	}

	// 超时未确认的取消请求强制收尾
	if err := d.reapCancellations(ctx); err != nil {
		return fmt.Errorf("reaping cancellations: %w", err)
	}

	queues, err := d.store.ListQueueConfigs(ctx)
	if err != nil {
		return fmt.Errorf("listing queue configs: %w", err)
	}

	// 队列按priority_weight降序调度（ListQueueConfigs已排序）；
	// 单个队列的失败不阻塞其余队列
	for _, queueCfg := range queues {
		if queueCfg.Paused() {
			continue
		}
		if err := d.dispatchQueue(ctx, queueCfg); err != nil {
			d.logger.Error().
				Err(err).
				Str("queue", string(queueCfg.Name)).
				Msg("Queue dispatch failed")
		}
	}

	dispatchCycles.Inc()
	return nil
}

// dispatchQueue 为单个队列类型调度任务
func (d *Dispatcher) dispatchQueue(ctx context.Context, queueCfg *types.QueueConfig) error {
	running, err := d.store.CountByTypeAndStatus(ctx, types.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("counting running tasks: %w", err)
	}
	runningTasks.WithLabelValues(string(queueCfg.Name)).Set(float64(running[queueCfg.Name]))

	capacity := queueCfg.Concurrency - int(running[queueCfg.Name])
	if capacity <= 0 {
		return nil
	}

	queued := types.TaskStatusQueued
	candidates, err := d.store.ListTasks(ctx, store.TaskFilter{
		Status: &queued,
		Type:   &queueCfg.Name,
	})
	if err != nil {
		return fmt.Errorf("listing queued tasks: %w", err)
	}

	// 优先级降序 > SLA紧急度降序 > 创建时间升序（FIFO兜底）
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		ui, uj := candidates[i].SLACategory.Urgency(), candidates[j].SLACategory.Urgency()
		if ui != uj {
			return ui > uj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, candidate := range candidates {
		if capacity <= 0 {
			break
		}
		if candidate.BlockedByQuota {
			continue
		}

		eligible, err := d.resolver.IsEligible(ctx, candidate)
		if err != nil {
			d.logger.Error().Err(err).Str("task_id", candidate.ID).Msg("Eligibility check failed")
			continue
		}
		if !eligible {
			// 依赖退化：回到BLOCKED等待
			if _, err := d.store.TransitionTask(ctx, candidate.ID, types.TaskStatusQueued, types.TaskStatusBlocked, nil); err != nil {
				d.logger.Debug().Err(err).Str("task_id", candidate.ID).Msg("Block transition skipped")
			}
			continue
		}

		var estimated int64
		if candidate.EstimatedTokens != nil {
			estimated = *candidate.EstimatedTokens
		}

		decision, err := d.budget.CheckAdmission(ctx, candidate.OrgID, estimated)
		if err != nil {
			d.logger.Error().Err(err).Str("task_id", candidate.ID).Msg("Admission check failed")
			continue
		}
		if !decision.Allow {
			admissionDenied.WithLabelValues(decision.Reason).Inc()
			if decision.Reason == types.AdmissionReasonQuotaExceeded {
				// 保持QUEUED，打上配额标记，预算恢复后重新调度
				if _, err := d.store.UpdateTaskFields(ctx, candidate.ID, func(t *types.PipelineTask) {
					t.BlockedByQuota = true
				}); err != nil {
					d.logger.Debug().Err(err).Str("task_id", candidate.ID).Msg("Quota mark skipped")
				}
			}
			// 人工阻断：任务原样留在队列
			continue
		}

		if err := d.startTask(ctx, candidate, decision); err != nil {
			if errors.Is(err, types.ErrConflict) || errors.Is(err, types.ErrInvalidTransition) {
				// 另一个调度器抢到了该任务
				d.logger.Debug().Str("task_id", candidate.ID).Msg("Task claimed elsewhere")
				continue
			}
			d.logger.Error().Err(err).Str("task_id", candidate.ID).Msg("Task start failed")
			continue
		}
		capacity--
	}

	return nil
}

// startTask 把任务转为RUNNING并交给执行器
func (d *Dispatcher) startTask(ctx context.Context, candidate *types.PipelineTask, decision *types.AdmissionDecision) error {
	now := time.Now()
	task, err := d.store.TransitionTask(ctx, candidate.ID, types.TaskStatusQueued, types.TaskStatusRunning, func(t *types.PipelineTask) {
		t.StartedAt = &now
		t.BlockedByQuota = false
	})
	if err != nil {
		return err
	}

	tasksDispatched.WithLabelValues(string(task.Type)).Inc()
	d.logger.Info().
		Str("task_id", task.ID).
		Str("task_type", string(task.Type)).
		Int("priority", task.Priority).
		Int64("throttle_delay_ms", decision.ThrottleDelayMS).
		Msg("Task dispatched")

	// 限流延迟与执行器调用都不阻塞调度周期
	delay := time.Duration(decision.ThrottleDelayMS) * time.Millisecond
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-d.stopCh:
				return
			}
		}
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.executor.Dispatch(dispatchCtx, task); err != nil {
			// 派发失败是基础设施错误：任务留在RUNNING，由取消收割或
			// worker侧的拉取兜底；不计入attempts
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("Executor dispatch failed")
		}
	}()

	return nil
}

// promoteBlocked 把依赖已SUCCEEDED的BLOCKED任务转回QUEUED
func (d *Dispatcher) promoteBlocked(ctx context.Context) error {
	blocked := types.TaskStatusBlocked
	tasks, err := d.store.ListTasks(ctx, store.TaskFilter{Status: &blocked})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		eligible, err := d.resolver.IsEligible(ctx, task)
		if err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("Eligibility check failed")
			continue
		}
		if !eligible {
			continue
		}
		if _, err := d.store.TransitionTask(ctx, task.ID, types.TaskStatusBlocked, types.TaskStatusQueued, nil); err != nil {
			d.logger.Debug().Err(err).Str("task_id", task.ID).Msg("Promotion skipped")
			continue
		}
		d.logger.Info().Str("task_id", task.ID).Msg("Dependency resolved, task queued")
	}
	return nil
}

// reapCancellations 强制收尾超时未确认的取消请求
//
// worker未在超时内确认时任务按FAILED("cancelled")记账，
// 底层工作可能仍会完成，后续的回调会因任务已终态而被拒绝。
func (d *Dispatcher) reapCancellations(ctx context.Context) error {
	running := types.TaskStatusRunning
	tasks, err := d.store.ListTasks(ctx, store.TaskFilter{Status: &running})
	if err != nil {
		return err
	}

	timeout := d.config.CancelAckTimeout()
	now := time.Now()
	for _, task := range tasks {
		if task.CancelRequestedAt == nil || now.Sub(*task.CancelRequestedAt) < timeout {
			continue
		}
		completedAt := now
		_, err := d.store.TransitionTask(ctx, task.ID, types.TaskStatusRunning, types.TaskStatusFailed, func(t *types.PipelineTask) {
			t.LastError = "cancelled (ack timeout)"
			t.CompletedAt = &completedAt
		})
		if err != nil {
			d.logger.Debug().Err(err).Str("task_id", task.ID).Msg("Cancel reap skipped")
			continue
		}
		tasksCompleted.WithLabelValues("cancelled").Inc()
		d.logger.Warn().Str("task_id", task.ID).Msg("Cancel unacknowledged, task force-failed")
	}
	return nil
}

// CreateTaskInput 任务创建参数
type CreateTaskInput struct {
	OrgID              string            `json:"org_id"`
	Type               types.TaskType    `json:"task_type" binding:"required"`
	Priority           int               `json:"priority"`
	SLACategory        types.SLACategory `json:"sla_category"`
	EstimatedTokens    *int64            `json:"estimated_tokens"`
	EstimatedLatencyMS *int64            `json:"estimated_latency_ms"`
	BlocksOnTaskID     *string           `json:"blocks_on_task_id"`
	MaxAttempts        int               `json:"max_attempts"`
	Metadata           types.Metadata    `json:"metadata"`
	TraceID            string            `json:"trace_id"`
}

// CreateTask 创建任务，依赖未就绪时直接落为BLOCKED
func (d *Dispatcher) CreateTask(ctx context.Context, input CreateTaskInput) (*types.PipelineTask, error) {
	now := time.Now()
	task := &types.PipelineTask{
		ID:                 types.NewTaskID(),
		OrgID:              input.OrgID,
		Type:               input.Type,
		Status:             types.TaskStatusQueued,
		Priority:           input.Priority,
		SLACategory:        input.SLACategory,
		EstimatedTokens:    input.EstimatedTokens,
		EstimatedLatencyMS: input.EstimatedLatencyMS,
		BlocksOnTaskID:     input.BlocksOnTaskID,
		MaxAttempts:        input.MaxAttempts,
		Metadata:           input.Metadata,
		TraceID:            input.TraceID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if task.OrgID == "" {
		task.OrgID = d.config.Budget.DefaultOrg
	}
	if task.Metadata == nil {
		task.Metadata = types.Metadata{}
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	if task.MaxAttempts <= 0 {
		task.MaxAttempts = d.config.Scheduler.DefaultMaxAttempts
		if queueCfg, err := d.store.GetQueueConfig(ctx, task.Type); err == nil && queueCfg.MaxRetries > 0 {
			task.MaxAttempts = queueCfg.MaxRetries
		}
	}

	task.SLADeadline = d.sla.AssignDeadline(now, task.SLACategory)

	if task.BlocksOnTaskID != nil {
		dep, err := d.store.GetTask(ctx, *task.BlocksOnTaskID)
		if err != nil {
			return nil, fmt.Errorf("resolving dependency: %w", err)
		}
		if dep.Status != types.TaskStatusSucceeded {
			task.Status = types.TaskStatusBlocked
		}
	}

	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("task_id", task.ID).
		Str("task_type", string(task.Type)).
		Str("status", string(task.Status)).
		Int("priority", task.Priority).
		Msg("Task created")
	return task, nil
}

// Cancel 取消任务
//
// QUEUED/BLOCKED直接转FAILED；RUNNING只标记取消意向，等待worker
// 协作确认，超时由reapCancellations兜底。终态任务返回InvalidTransition。
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*types.PipelineTask, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case types.TaskStatusQueued, types.TaskStatusBlocked:
		now := time.Now()
		cancelled, err := d.store.TransitionTask(ctx, taskID, task.Status, types.TaskStatusFailed, func(t *types.PipelineTask) {
			t.LastError = "cancelled"
			t.CompletedAt = &now
		})
		if err != nil {
			return nil, err
		}
		tasksCompleted.WithLabelValues("cancelled").Inc()
		d.logger.Info().Str("task_id", taskID).Msg("Task cancelled")
		return cancelled, nil

	case types.TaskStatusRunning:
		now := time.Now()
		marked, err := d.store.UpdateTaskFields(ctx, taskID, func(t *types.PipelineTask) {
			if t.CancelRequestedAt == nil {
				t.CancelRequestedAt = &now
			}
		})
		if err != nil {
			return nil, err
		}
		d.logger.Info().Str("task_id", taskID).Msg("Cancel requested for running task")
		return marked, nil

	default:
		return nil, fmt.Errorf("%w: cannot cancel %s task", types.ErrInvalidTransition, task.Status)
	}
}

// CompletionReport worker完成回报
type CompletionReport struct {
	TaskID       string `json:"task_id" binding:"required"`
	Status       string `json:"status" binding:"required"` // succeeded / failed / cancelled
	Error        string `json:"error"`
	ActualTokens *int64 `json:"actual_tokens"`
	DurationMS   *int64 `json:"duration_ms"`
}

// OnCompletion 处理worker回报，驱动RUNNING到终态的转移
func (d *Dispatcher) OnCompletion(ctx context.Context, report CompletionReport) (*types.PipelineTask, error) {
	now := time.Now()

	switch report.Status {
	case "succeeded":
		task, err := d.store.TransitionTask(ctx, report.TaskID, types.TaskStatusRunning, types.TaskStatusSucceeded, func(t *types.PipelineTask) {
			t.CompletedAt = &now
			t.ActualTokens = report.ActualTokens
			t.DurationMS = report.DurationMS
			if t.DurationMS == nil && t.StartedAt != nil {
				ms := now.Sub(*t.StartedAt).Milliseconds()
				t.DurationMS = &ms
			}
			t.LastError = ""
		})
		if err != nil {
			return nil, err
		}

		tasksCompleted.WithLabelValues("succeeded").Inc()
		if task.ActualTokens != nil {
			if err := d.budget.RecordConsumption(ctx, task.OrgID, *task.ActualTokens); err != nil {
				d.logger.Error().Err(err).Str("task_id", task.ID).Msg("Consumption recording failed")
			}
		}
		d.logger.Info().Str("task_id", task.ID).Msg("Task succeeded")
		return task, nil

	case "failed":
		task, err := d.store.TransitionTask(ctx, report.TaskID, types.TaskStatusRunning, types.TaskStatusFailed, func(t *types.PipelineTask) {
			t.CompletedAt = &now
			t.DurationMS = report.DurationMS
			t.Attempts++
			t.LastError = report.Error
			if t.LastError == "" {
				t.LastError = "task execution failed"
			}
		})
		if err != nil {
			return nil, err
		}

		tasksCompleted.WithLabelValues("failed").Inc()
		d.logger.Warn().
			Str("task_id", task.ID).
			Int("attempts", task.Attempts).
			Str("error", task.LastError).
			Msg("Task failed")

		queueCfg, err := d.store.GetQueueConfig(ctx, task.Type)
		if err != nil {
			queueCfg = nil
		}
		d.retry.OnFailure(ctx, task, queueCfg)
		return task, nil

	case "cancelled":
		// worker确认取消：不计入attempts
		task, err := d.store.TransitionTask(ctx, report.TaskID, types.TaskStatusRunning, types.TaskStatusFailed, func(t *types.PipelineTask) {
			t.CompletedAt = &now
			t.LastError = "cancelled"
		})
		if err != nil {
			return nil, err
		}
		tasksCompleted.WithLabelValues("cancelled").Inc()
		d.logger.Info().Str("task_id", task.ID).Msg("Task cancellation acknowledged")
		return task, nil

	default:
		return nil, fmt.Errorf("%w: unknown completion status %q", types.ErrValidation, report.Status)
	}
}
