package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pipeline-backend/pkg/types"

	"github.com/rs/zerolog"
)

// Executor 定义外部执行器的派发契约
//
// 任务的实际执行在外部worker；调度器只负责把RUNNING任务交出去，
// 完成结果通过 /worker/callback 回报。
type Executor interface {
	Dispatch(ctx context.Context, task *types.PipelineTask) error
}

// HTTPExecutor 通过HTTP把任务推送给外部worker
type HTTPExecutor struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPExecutor 创建HTTP执行器
func NewHTTPExecutor(url string, logger zerolog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Dispatch 推送任务
func (e *HTTPExecutor) Dispatch(ctx context.Context, task *types.PipelineTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatching task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker rejected task: status %d", resp.StatusCode)
	}

	e.logger.Debug().
		Str("task_id", task.ID).
		Str("task_type", string(task.Type)).
		Msg("Task dispatched to worker")
	return nil
}

// LogExecutor 只记录日志的执行器，worker未配置时使用
type LogExecutor struct {
	logger zerolog.Logger
}

// NewLogExecutor 创建日志执行器
func NewLogExecutor(logger zerolog.Logger) *LogExecutor {
	return &LogExecutor{logger: logger.With().Str("component", "executor").Logger()}
}

// Dispatch 记录派发日志
func (e *LogExecutor) Dispatch(ctx context.Context, task *types.PipelineTask) error {
	e.logger.Info().
		Str("task_id", task.ID).
		Str("task_type", string(task.Type)).
		Int("priority", task.Priority).
		Msg("Task ready for pickup (no worker configured)")
	return nil
}
