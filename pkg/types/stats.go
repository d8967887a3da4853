package types

import "time"

// SystemUsage 进程所在主机的资源占用快照
type SystemUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
}

// PipelineStats 定义调度面板的实时统计快照
type PipelineStats struct {
	GeneratedAt time.Time `json:"generated_at"`

	StatusCounts  map[TaskStatus]int64 `json:"status_counts"`
	QueueDepth    map[TaskType]int64   `json:"queue_depth"`
	RunningByType map[TaskType]int64   `json:"running_by_type"`

	SLABreaches       int64   `json:"sla_breaches"`
	SLAComplianceRate float64 `json:"sla_compliance_rate"` // 0.0-1.0

	AvgQueueMS float64 `json:"avg_queue_ms"`
	AvgExecMS  float64 `json:"avg_exec_ms"`

	TokensLastHour int64 `json:"tokens_last_hour"`

	System SystemUsage `json:"system"`
}

// HistoryBucket 定义历史趋势的一个时间桶
type HistoryBucket struct {
	BucketStart    time.Time `json:"bucket_start"`
	Completed      int64     `json:"completed"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	ComplianceRate float64   `json:"compliance_rate"`
}
