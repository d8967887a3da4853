// Package sla 按分类分配任务截止时间并判定违约状态。
// 所有判定都是 (task, now) 的纯函数，重复评估不产生副作用。
package sla

import (
	"time"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/types"
)

// Engine SLA引擎
type Engine struct {
	durations map[types.SLACategory]time.Duration
}

// NewEngine 从配置构建SLA引擎
func NewEngine(cfg *config.ServerConfig) *Engine {
	return &Engine{
		durations: map[types.SLACategory]time.Duration{
			types.SLACategoryCritical: time.Duration(cfg.SLA.CriticalMinutes) * time.Minute,
			types.SLACategoryHigh:     time.Duration(cfg.SLA.HighMinutes) * time.Minute,
			types.SLACategoryMedium:   time.Duration(cfg.SLA.MediumMinutes) * time.Minute,
			types.SLACategoryLow:      time.Duration(cfg.SLA.LowMinutes) * time.Minute,
		},
	}
}

// AssignDeadline 根据分类计算截止时间，无分类返回nil
func (e *Engine) AssignDeadline(createdAt time.Time, category types.SLACategory) *time.Time {
	duration, ok := e.durations[category]
	if !ok || duration <= 0 {
		return nil
	}
	deadline := createdAt.Add(duration)
	return &deadline
}

// Evaluation SLA评估结果
type Evaluation struct {
	RemainingMS *int64
	Breached    bool
}

// Evaluate 评估任务的SLA状态
//
// 终态任务：remaining为nil，breached反映完成时间是否晚于截止时间。
// 非终态任务：remaining = deadline - now，已超时则报0并标记违约。
func (e *Engine) Evaluate(task *types.PipelineTask, now time.Time) Evaluation {
	if task.SLADeadline == nil {
		return Evaluation{}
	}

	if task.Status.Terminal() {
		breached := task.CompletedAt != nil && task.CompletedAt.After(*task.SLADeadline)
		// 未完成即失败的任务（如drain）按评估时刻判定
		if task.CompletedAt == nil {
			breached = now.After(*task.SLADeadline)
		}
		return Evaluation{Breached: breached}
	}

	remaining := task.SLADeadline.Sub(now).Milliseconds()
	if remaining < 0 {
		zero := int64(0)
		return Evaluation{RemainingMS: &zero, Breached: true}
	}
	return Evaluation{RemainingMS: &remaining}
}

// Annotate 把评估结果写回任务的派生字段
func (e *Engine) Annotate(task *types.PipelineTask, now time.Time) {
	eval := e.Evaluate(task, now)
	task.SLABreached = eval.Breached
	task.SLARemainingMS = eval.RemainingMS
}

// ComplianceRate 计算一批已完成任务的SLA达标率
//
// 只统计有截止时间的终态任务；空集返回1.0（无违约即合规）。
func (e *Engine) ComplianceRate(tasks []*types.PipelineTask, now time.Time) float64 {
	var total, met int
	for _, task := range tasks {
		if !task.Status.Terminal() || task.SLADeadline == nil {
			continue
		}
		total++
		if !e.Evaluate(task, now).Breached {
			met++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(met) / float64(total)
}
