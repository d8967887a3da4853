package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType 定义流水线任务类型
type TaskType string

const (
	TaskTypeConsolidation    TaskType = "consolidation"     // 记忆整合任务
	TaskTypeCritique         TaskType = "critique"          // 批判审查任务
	TaskTypeEvaluation       TaskType = "evaluation"        // 评估任务
	TaskTypeFeedbackLoop     TaskType = "feedback_loop"     // 反馈回路任务
	TaskTypeEmbeddingRefresh TaskType = "embedding_refresh" // 向量刷新任务
)

// KnownTaskTypes 返回所有已知任务类型
func KnownTaskTypes() []TaskType {
	return []TaskType{
		TaskTypeConsolidation,
		TaskTypeCritique,
		TaskTypeEvaluation,
		TaskTypeFeedbackLoop,
		TaskTypeEmbeddingRefresh,
	}
}

// Valid 检查任务类型是否已知
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeConsolidation, TaskTypeCritique, TaskTypeEvaluation,
		TaskTypeFeedbackLoop, TaskTypeEmbeddingRefresh:
		return true
	}
	return false
}

// TaskStatus 定义任务状态
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"    // 等待调度
	TaskStatusRunning   TaskStatus = "running"   // 正在执行
	TaskStatusBlocked   TaskStatus = "blocked"   // 依赖未就绪
	TaskStatusSucceeded TaskStatus = "succeeded" // 执行成功
	TaskStatusFailed    TaskStatus = "failed"    // 执行失败
)

// Terminal 判断状态是否为终态
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// validTransitions 状态机转移表
// failed -> queued 仅限重试路径（attempts < max_attempts 或操作员手动重试）
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusBlocked, TaskStatusFailed},
	TaskStatusBlocked: {TaskStatusQueued, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusSucceeded, TaskStatusFailed},
	TaskStatusFailed:  {TaskStatusQueued},
}

// CanTransition 检查状态转移是否合法
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata 任务元数据，以JSON文本持久化
type Metadata map[string]string

// Value 实现 driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// PipelineTask 定义流水线任务
type PipelineTask struct {
	ID     string     `json:"id" gorm:"primaryKey"`
	OrgID  string     `json:"org_id" gorm:"index"`
	Type   TaskType   `json:"task_type" gorm:"index"`
	Status TaskStatus `json:"status" gorm:"index"`

	// 调度字段
	Priority int `json:"priority"`

	// SLA 字段
	SLACategory    SLACategory `json:"sla_category"`
	SLADeadline    *time.Time  `json:"sla_deadline,omitempty"`
	SLABreached    bool        `json:"sla_breached" gorm:"-"`
	SLARemainingMS *int64      `json:"sla_remaining_ms,omitempty" gorm:"-"`

	// 资源字段
	EstimatedTokens    *int64 `json:"estimated_tokens,omitempty"`
	ActualTokens       *int64 `json:"actual_tokens,omitempty"`
	EstimatedLatencyMS *int64 `json:"estimated_latency_ms,omitempty"`
	DurationMS         *int64 `json:"duration_ms,omitempty"`

	// 依赖字段
	BlocksOnTaskID *string `json:"blocks_on_task_id,omitempty" gorm:"index"`
	BlockedByQuota bool    `json:"blocked_by_quota"`

	// 重试字段
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	// 簿记字段
	Metadata          Metadata   `json:"metadata" gorm:"type:text"`
	TraceID           string     `json:"trace_id,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// 乐观锁版本号
	Version int64 `json:"-"`
}

// NewTaskID 生成任务ID
func NewTaskID() string {
	return uuid.NewString()
}

// Validate 校验任务字段
func (t *PipelineTask) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, t.Type)
	}
	if t.Priority < 0 || t.Priority > 10 {
		return fmt.Errorf("%w: priority %d out of range [0,10]", ErrValidation, t.Priority)
	}
	if !t.SLACategory.Valid() {
		return fmt.Errorf("%w: unknown sla category %q", ErrValidation, t.SLACategory)
	}
	return nil
}
