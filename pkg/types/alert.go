package types

import "time"

// AlertRule 定义操作员配置的告警规则
type AlertRule struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	Severity  string    `json:"severity"` // critical/warning/info
	Route     string    `json:"route"`    // 触发条件标识，如 sla_breach_rate
	Channel   string    `json:"channel"`  // 通知渠道，如 email/slack/webhook
	Target    string    `json:"target"`   // 渠道目标地址
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
