package scheduler

import (
	"context"
	"errors"

	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"
)

// Resolver 依赖图解析器，只解析一跳依赖
//
// 依赖失败的任务保持BLOCKED，等待操作员取消或重试上游，不自动级联失败。
type Resolver struct {
	store store.Store
}

// NewResolver 创建依赖解析器
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Dependencies 返回任务的直接依赖（最多一个）
func (r *Resolver) Dependencies(ctx context.Context, task *types.PipelineTask) ([]*types.PipelineTask, error) {
	if task.BlocksOnTaskID == nil {
		return []*types.PipelineTask{}, nil
	}

	dep, err := r.store.GetTask(ctx, *task.BlocksOnTaskID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// 悬空引用按无依赖处理，由创建端校验兜底
			return []*types.PipelineTask{}, nil
		}
		return nil, err
	}
	return []*types.PipelineTask{dep}, nil
}

// Dependents 返回直接依赖于该任务的任务
func (r *Resolver) Dependents(ctx context.Context, task *types.PipelineTask) ([]*types.PipelineTask, error) {
	return r.store.ListDependents(ctx, task.ID)
}

// IsEligible 判断任务依赖是否就绪：无依赖，或被依赖任务已SUCCEEDED
func (r *Resolver) IsEligible(ctx context.Context, task *types.PipelineTask) (bool, error) {
	if task.BlocksOnTaskID == nil {
		return true, nil
	}

	dep, err := r.store.GetTask(ctx, *task.BlocksOnTaskID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return dep.Status == types.TaskStatusSucceeded, nil
}
