package types

import "time"

// 准入拒绝/放行原因
const (
	AdmissionReasonOK            = "ok"
	AdmissionReasonBlocked       = "blocked"
	AdmissionReasonQuotaExceeded = "quota_exceeded"
	AdmissionReasonThrottled     = "throttled"
)

// ResourceBudget 定义一个时间窗口内的资源配额
type ResourceBudget struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	OrgID       string    `json:"org_id" gorm:"index"`
	Period      string    `json:"period"` // 如 "2026-08"
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	TokenBudget     int64   `json:"token_budget"`
	TokensUsed      int64   `json:"tokens_used"`
	TokensReserved  int64   `json:"tokens_reserved"`
	StorageBudgetMB float64 `json:"storage_budget_mb"`
	StorageUsedMB   float64 `json:"storage_used_mb"`
	RequestBudget   int64   `json:"request_budget"`
	RequestsUsed    int64   `json:"requests_used"`

	// 控制开关
	AdmissionBlocked bool    `json:"admission_blocked"`
	DegradedMode     bool    `json:"degraded_mode"`
	ThrottleRate     float64 `json:"throttle_rate"` // 0.0-1.0

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenUtilization 返回token使用率（百分比，可超过100）
func (b *ResourceBudget) TokenUtilization() float64 {
	if b.TokenBudget <= 0 {
		return 0
	}
	return float64(b.TokensUsed) / float64(b.TokenBudget) * 100
}

// StorageUtilization 返回存储使用率（百分比）
func (b *ResourceBudget) StorageUtilization() float64 {
	if b.StorageBudgetMB <= 0 {
		return 0
	}
	return b.StorageUsedMB / b.StorageBudgetMB * 100
}

// RequestUtilization 返回请求使用率（百分比）
func (b *ResourceBudget) RequestUtilization() float64 {
	if b.RequestBudget <= 0 {
		return 0
	}
	return float64(b.RequestsUsed) / float64(b.RequestBudget) * 100
}

// AdmissionDecision 定义准入判定结果
type AdmissionDecision struct {
	Allow           bool   `json:"allow"`
	ThrottleDelayMS int64  `json:"throttle_delay_ms,omitempty"`
	Reason          string `json:"reason"`
}
