package store

import (
	"context"
	"fmt"
	"time"

	"pipeline-backend/pkg/types"
)

// Store 定义存储接口
//
// TransitionTask 是调度面的唯一串行化点：状态转移通过乐观版本检查
// 原子落库，两个并发的调度器不可能把同一任务同时转为 RUNNING。
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *types.PipelineTask) error
	GetTask(ctx context.Context, taskID string) (*types.PipelineTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.PipelineTask, error)
	// TransitionTask 原子地把任务从 from 转移到 to，并在同一次写入中应用 mutate。
	// 状态机违例返回 types.ErrInvalidTransition；并发写入冲突返回 types.ErrConflict。
	TransitionTask(ctx context.Context, taskID string, from, to types.TaskStatus, mutate func(*types.PipelineTask)) (*types.PipelineTask, error)
	// UpdateTaskFields 更新非状态字段（取消意向、配额标记等）
	UpdateTaskFields(ctx context.Context, taskID string, mutate func(*types.PipelineTask)) (*types.PipelineTask, error)
	ListDependents(ctx context.Context, taskID string) ([]*types.PipelineTask, error)
	ClearQuotaBlocked(ctx context.Context, orgID string) (int64, error)

	// Queue config operations
	SaveQueueConfig(ctx context.Context, cfg *types.QueueConfig) error
	GetQueueConfig(ctx context.Context, name types.TaskType) (*types.QueueConfig, error)
	ListQueueConfigs(ctx context.Context) ([]*types.QueueConfig, error)

	// Resource budget operations
	GetActiveBudget(ctx context.Context, orgID string, at time.Time) (*types.ResourceBudget, error)
	SaveBudget(ctx context.Context, budget *types.ResourceBudget) error
	// AddConsumption 只增不减地累加消耗计数
	AddConsumption(ctx context.Context, budgetID uint, tokens int64, requests int64) error
	UpdateBudgetControls(ctx context.Context, budgetID uint, mutate func(*types.ResourceBudget)) (*types.ResourceBudget, error)

	// Alert rule operations
	CreateAlertRule(ctx context.Context, rule *types.AlertRule) error
	GetAlertRule(ctx context.Context, id uint) (*types.AlertRule, error)
	ListAlertRules(ctx context.Context) ([]*types.AlertRule, error)
	UpdateAlertRule(ctx context.Context, rule *types.AlertRule) error
	DeleteAlertRule(ctx context.Context, id uint) error

	// User operations
	CreateUser(ctx context.Context, user *types.User) error
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)

	// Stats queries
	CountByStatus(ctx context.Context) (map[types.TaskStatus]int64, error)
	CountByTypeAndStatus(ctx context.Context, status types.TaskStatus) (map[types.TaskType]int64, error)
	ListCompletedSince(ctx context.Context, since time.Time) ([]*types.PipelineTask, error)

	Close() error
}

// TaskFilter 定义任务过滤条件
type TaskFilter struct {
	OrgID  string
	Status *types.TaskStatus
	Type   *types.TaskType
	// SLABreachedOnly 按截止时间谓词筛选违约任务，违约是查询时刻的派生状态
	SLABreachedOnly bool
	BlocksOn        *string
	CreatedAfter    *time.Time
	Limit           int
	Offset          int
}

// Config 存储配置
type Config struct {
	Type     string         // 存储类型：sqlite, postgres, memory
	SQLite   SQLiteConfig   // SQLite配置
	Postgres PostgresConfig // PostgreSQL配置
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path string
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewStore 创建存储实例
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(&cfg.SQLite)
	case "postgres":
		return NewPostgresStore(&cfg.Postgres)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
