// Package budget 跟踪按周期的资源配额并给出准入判定。
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/rs/zerolog"
)

// Tracker 资源预算跟踪器
type Tracker struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewTracker 创建预算跟踪器
func NewTracker(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store) *Tracker {
	return &Tracker{
		config: cfg,
		logger: logger.With().Str("service", "budget").Logger(),
		store:  st,
	}
}

func (t *Tracker) orgOrDefault(orgID string) string {
	if orgID == "" {
		return t.config.Budget.DefaultOrg
	}
	return orgID
}

// ActiveBudget 获取组织当前生效的预算窗口
func (t *Tracker) ActiveBudget(ctx context.Context, orgID string) (*types.ResourceBudget, error) {
	return t.store.GetActiveBudget(ctx, t.orgOrDefault(orgID), time.Now())
}

// CheckAdmission 判定任务能否被调度
//
// 判定顺序：人工阻断 > 配额超限 > 限流放行 > 直接放行。
// 无预算窗口视为放开准入。
func (t *Tracker) CheckAdmission(ctx context.Context, orgID string, estimatedTokens int64) (*types.AdmissionDecision, error) {
	budget, err := t.ActiveBudget(ctx, orgID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return &types.AdmissionDecision{Allow: true, Reason: types.AdmissionReasonOK}, nil
		}
		return nil, fmt.Errorf("loading budget: %w", err)
	}

	if budget.AdmissionBlocked {
		return &types.AdmissionDecision{Allow: false, Reason: types.AdmissionReasonBlocked}, nil
	}

	if budget.TokenBudget > 0 && budget.TokensUsed+estimatedTokens > budget.TokenBudget {
		return &types.AdmissionDecision{Allow: false, Reason: types.AdmissionReasonQuotaExceeded}, nil
	}

	if budget.ThrottleRate > 0 {
		delay := int64(budget.ThrottleRate * float64(t.config.Budget.BaseLatencyMS))
		return &types.AdmissionDecision{
			Allow:           true,
			ThrottleDelayMS: delay,
			Reason:          types.AdmissionReasonThrottled,
		}, nil
	}

	return &types.AdmissionDecision{Allow: true, Reason: types.AdmissionReasonOK}, nil
}

// RecordConsumption 记录任务完成后的实际消耗，只增不减
func (t *Tracker) RecordConsumption(ctx context.Context, orgID string, actualTokens int64) error {
	if actualTokens < 0 {
		return fmt.Errorf("%w: negative token consumption %d", types.ErrValidation, actualTokens)
	}

	budget, err := t.ActiveBudget(ctx, orgID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// 无预算窗口时不计账
			return nil
		}
		return fmt.Errorf("loading budget: %w", err)
	}

	if err := t.store.AddConsumption(ctx, budget.ID, actualTokens, 1); err != nil {
		return err
	}

	t.logger.Debug().
		Str("org_id", budget.OrgID).
		Int64("tokens", actualTokens).
		Msg("Consumption recorded")
	return nil
}

// SetBlock 人工阻断准入
func (t *Tracker) SetBlock(ctx context.Context, orgID string) (*types.ResourceBudget, error) {
	return t.setControls(ctx, orgID, func(b *types.ResourceBudget) {
		b.AdmissionBlocked = true
	})
}

// Unblock 解除人工阻断
func (t *Tracker) Unblock(ctx context.Context, orgID string) (*types.ResourceBudget, error) {
	return t.setControls(ctx, orgID, func(b *types.ResourceBudget) {
		b.AdmissionBlocked = false
	})
}

// SetThrottle 设置限流比例
func (t *Tracker) SetThrottle(ctx context.Context, orgID string, rate float64) (*types.ResourceBudget, error) {
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("%w: throttle rate %f out of range [0,1]", types.ErrValidation, rate)
	}
	return t.setControls(ctx, orgID, func(b *types.ResourceBudget) {
		b.ThrottleRate = rate
		b.DegradedMode = rate > 0
	})
}

func (t *Tracker) setControls(ctx context.Context, orgID string, mutate func(*types.ResourceBudget)) (*types.ResourceBudget, error) {
	budget, err := t.ActiveBudget(ctx, orgID)
	if err != nil {
		return nil, err
	}

	updated, err := t.store.UpdateBudgetControls(ctx, budget.ID, mutate)
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("org_id", updated.OrgID).
		Bool("admission_blocked", updated.AdmissionBlocked).
		Float64("throttle_rate", updated.ThrottleRate).
		Msg("Budget controls updated")
	return updated, nil
}
