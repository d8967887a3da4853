package types

import "time"

// QueueStatus 定义队列运行状态
type QueueStatus string

const (
	QueueStatusActive QueueStatus = "active" // 正常调度
	QueueStatusPaused QueueStatus = "paused" // 暂停调度
)

// QueueConfig 定义按任务类型的队列运维配置
type QueueConfig struct {
	Name           TaskType    `json:"name" gorm:"primaryKey"`
	PriorityWeight float64     `json:"priority_weight"`  // 跨类型排序权重
	MaxRetries     int         `json:"max_retries"`      // 最大重试次数
	RetryBackoffMS int64       `json:"retry_backoff_ms"` // 重试退避基数
	Concurrency    int         `json:"concurrency"`      // 同时RUNNING上限
	Status         QueueStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Paused 判断队列是否已暂停
func (q *QueueConfig) Paused() bool {
	return q.Status == QueueStatusPaused
}
