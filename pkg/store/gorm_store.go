package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipeline-backend/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore 通用GORM存储实现，sqlite与postgres共用
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建GORM存储实例
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &GormStore{db: db}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return store, nil
}

// initialize 初始化数据库
func (s *GormStore) initialize() error {
	err := s.db.AutoMigrate(
		&types.PipelineTask{},
		&types.QueueConfig{},
		&types.ResourceBudget{},
		&types.AlertRule{},
		&types.User{},
	)
	if err != nil {
		return fmt.Errorf("auto migrating tables: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

// CreateTask 创建任务
func (s *GormStore) CreateTask(ctx context.Context, task *types.PipelineTask) error {
	result := s.db.WithContext(ctx).Create(task)
	if result.Error != nil {
		return fmt.Errorf("inserting task: %w", result.Error)
	}
	return nil
}

// GetTask 获取任务
func (s *GormStore) GetTask(ctx context.Context, taskID string) (*types.PipelineTask, error) {
	var task types.PipelineTask
	result := s.db.WithContext(ctx).First(&task, "id = ?", taskID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("querying task: %w", result.Error)
	}
	return &task, nil
}

// ListTasks 按过滤条件列出任务
func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.PipelineTask, error) {
	query := s.db.WithContext(ctx).Model(&types.PipelineTask{})

	if filter.OrgID != "" {
		query = query.Where("org_id = ?", filter.OrgID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}
	if filter.SLABreachedOnly {
		// 违约状态不落库，按截止时间谓词判定：
		// 已完成任务看完成时间，未完成任务看当前时间
		query = query.Where(
			"sla_deadline IS NOT NULL AND (completed_at > sla_deadline OR (completed_at IS NULL AND sla_deadline < ?))",
			time.Now(),
		)
	}
	if filter.BlocksOn != nil {
		query = query.Where("blocks_on_task_id = ?", *filter.BlocksOn)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *filter.CreatedAfter)
	}

	query = query.Order("created_at ASC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var tasks []*types.PipelineTask
	if result := query.Find(&tasks); result.Error != nil {
		return nil, fmt.Errorf("querying tasks: %w", result.Error)
	}
	return tasks, nil
}

// TransitionTask 原子状态转移，乐观版本检查
func (s *GormStore) TransitionTask(ctx context.Context, taskID string, from, to types.TaskStatus, mutate func(*types.PipelineTask)) (*types.PipelineTask, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if from != "" && task.Status != from {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", types.ErrInvalidTransition, taskID, task.Status, from)
	}
	if !types.CanTransition(task.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, task.Status, to)
	}

	prevVersion := task.Version
	task.Status = to
	if mutate != nil {
		mutate(task)
	}
	task.Version = prevVersion + 1
	task.UpdatedAt = time.Now()

	result := s.db.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Where("id = ? AND version = ?", taskID, prevVersion).
		Select("*").
		Updates(task)
	if result.Error != nil {
		return nil, fmt.Errorf("updating task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("task %s version %d: %w", taskID, prevVersion, types.ErrConflict)
	}

	return task, nil
}

// UpdateTaskFields 更新非状态字段，状态由mutate前的值保持
func (s *GormStore) UpdateTaskFields(ctx context.Context, taskID string, mutate func(*types.PipelineTask)) (*types.PipelineTask, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	prevVersion := task.Version
	prevStatus := task.Status
	if mutate != nil {
		mutate(task)
	}
	task.Status = prevStatus
	task.Version = prevVersion + 1
	task.UpdatedAt = time.Now()

	result := s.db.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Where("id = ? AND version = ?", taskID, prevVersion).
		Select("*").
		Updates(task)
	if result.Error != nil {
		return nil, fmt.Errorf("updating task fields: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("task %s version %d: %w", taskID, prevVersion, types.ErrConflict)
	}

	return task, nil
}

// ListDependents 列出直接依赖于该任务的任务
func (s *GormStore) ListDependents(ctx context.Context, taskID string) ([]*types.PipelineTask, error) {
	return s.ListTasks(ctx, TaskFilter{BlocksOn: &taskID})
}

// ClearQuotaBlocked 清除配额阻塞标记，预算恢复后由调度器调用
func (s *GormStore) ClearQuotaBlocked(ctx context.Context, orgID string) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Where("blocked_by_quota = ? AND status = ?", true, types.TaskStatusQueued)
	if orgID != "" {
		query = query.Where("org_id = ?", orgID)
	}

	result := query.Updates(map[string]interface{}{
		"blocked_by_quota": false,
		"version":          gorm.Expr("version + 1"),
		"updated_at":       time.Now(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("clearing quota blocks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SaveQueueConfig 保存队列配置
func (s *GormStore) SaveQueueConfig(ctx context.Context, cfg *types.QueueConfig) error {
	result := s.db.WithContext(ctx).Save(cfg)
	if result.Error != nil {
		return fmt.Errorf("saving queue config: %w", result.Error)
	}
	return nil
}

// GetQueueConfig 获取队列配置
func (s *GormStore) GetQueueConfig(ctx context.Context, name types.TaskType) (*types.QueueConfig, error) {
	var cfg types.QueueConfig
	result := s.db.WithContext(ctx).First(&cfg, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("queue %s: %w", name, types.ErrNotFound)
		}
		return nil, fmt.Errorf("querying queue config: %w", result.Error)
	}
	return &cfg, nil
}

// ListQueueConfigs 列出所有队列配置
func (s *GormStore) ListQueueConfigs(ctx context.Context) ([]*types.QueueConfig, error) {
	var cfgs []*types.QueueConfig
	result := s.db.WithContext(ctx).Order("priority_weight DESC, name ASC").Find(&cfgs)
	if result.Error != nil {
		return nil, fmt.Errorf("querying queue configs: %w", result.Error)
	}
	return cfgs, nil
}

// GetActiveBudget 获取覆盖指定时间点的预算窗口
func (s *GormStore) GetActiveBudget(ctx context.Context, orgID string, at time.Time) (*types.ResourceBudget, error) {
	var budget types.ResourceBudget
	result := s.db.WithContext(ctx).
		Where("org_id = ? AND period_start <= ? AND period_end > ?", orgID, at, at).
		Order("period_start DESC").
		First(&budget)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("budget for org %s: %w", orgID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("querying budget: %w", result.Error)
	}
	return &budget, nil
}

// SaveBudget 保存预算窗口
func (s *GormStore) SaveBudget(ctx context.Context, budget *types.ResourceBudget) error {
	result := s.db.WithContext(ctx).Save(budget)
	if result.Error != nil {
		return fmt.Errorf("saving budget: %w", result.Error)
	}
	return nil
}

// AddConsumption 累加消耗计数，只增不减
func (s *GormStore) AddConsumption(ctx context.Context, budgetID uint, tokens int64, requests int64) error {
	result := s.db.WithContext(ctx).
		Model(&types.ResourceBudget{}).
		Where("id = ?", budgetID).
		Updates(map[string]interface{}{
			"tokens_used":   gorm.Expr("tokens_used + ?", tokens),
			"requests_used": gorm.Expr("requests_used + ?", requests),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("recording consumption: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("budget %d: %w", budgetID, types.ErrNotFound)
	}
	return nil
}

// UpdateBudgetControls 更新预算控制开关
func (s *GormStore) UpdateBudgetControls(ctx context.Context, budgetID uint, mutate func(*types.ResourceBudget)) (*types.ResourceBudget, error) {
	var budget types.ResourceBudget
	result := s.db.WithContext(ctx).First(&budget, budgetID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("budget %d: %w", budgetID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("querying budget: %w", result.Error)
	}

	mutate(&budget)
	budget.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(&budget).Error; err != nil {
		return nil, fmt.Errorf("updating budget controls: %w", err)
	}
	return &budget, nil
}

// CreateAlertRule 创建告警规则
func (s *GormStore) CreateAlertRule(ctx context.Context, rule *types.AlertRule) error {
	result := s.db.WithContext(ctx).Create(rule)
	if result.Error != nil {
		return fmt.Errorf("inserting alert rule: %w", result.Error)
	}
	return nil
}

// GetAlertRule 获取告警规则
func (s *GormStore) GetAlertRule(ctx context.Context, id uint) (*types.AlertRule, error) {
	var rule types.AlertRule
	result := s.db.WithContext(ctx).First(&rule, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("alert rule %d: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("querying alert rule: %w", result.Error)
	}
	return &rule, nil
}

// ListAlertRules 列出告警规则
func (s *GormStore) ListAlertRules(ctx context.Context) ([]*types.AlertRule, error) {
	var rules []*types.AlertRule
	result := s.db.WithContext(ctx).Order("id ASC").Find(&rules)
	if result.Error != nil {
		return nil, fmt.Errorf("querying alert rules: %w", result.Error)
	}
	return rules, nil
}

// UpdateAlertRule 更新告警规则
func (s *GormStore) UpdateAlertRule(ctx context.Context, rule *types.AlertRule) error {
	result := s.db.WithContext(ctx).Model(&types.AlertRule{}).Where("id = ?", rule.ID).Select("*").Updates(rule)
	if result.Error != nil {
		return fmt.Errorf("updating alert rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("alert rule %d: %w", rule.ID, types.ErrNotFound)
	}
	return nil
}

// DeleteAlertRule 删除告警规则
func (s *GormStore) DeleteAlertRule(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&types.AlertRule{}, id)
	if result.Error != nil {
		return fmt.Errorf("deleting alert rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("alert rule %d: %w", id, types.ErrNotFound)
	}
	return nil
}

// CreateUser 创建用户
func (s *GormStore) CreateUser(ctx context.Context, user *types.User) error {
	result := s.db.WithContext(ctx).Create(user)
	if result.Error != nil {
		return fmt.Errorf("inserting user: %w", result.Error)
	}
	return nil
}

// GetUserByUsername 按用户名获取用户
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	var user types.User
	result := s.db.WithContext(ctx).First(&user, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", username, types.ErrNotFound)
		}
		return nil, fmt.Errorf("querying user: %w", result.Error)
	}
	return &user, nil
}

// CountByStatus 按状态统计任务数
func (s *GormStore) CountByStatus(ctx context.Context) (map[types.TaskStatus]int64, error) {
	var rows []struct {
		Status types.TaskStatus
		Count  int64
	}
	result := s.db.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("counting tasks by status: %w", result.Error)
	}

	counts := make(map[types.TaskStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// CountByTypeAndStatus 按类型统计指定状态的任务数
func (s *GormStore) CountByTypeAndStatus(ctx context.Context, status types.TaskStatus) (map[types.TaskType]int64, error) {
	var rows []struct {
		Type  types.TaskType
		Count int64
	}
	result := s.db.WithContext(ctx).
		Model(&types.PipelineTask{}).
		Select("type, count(*) as count").
		Where("status = ?", status).
		Group("type").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("counting tasks by type: %w", result.Error)
	}

	counts := make(map[types.TaskType]int64, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}

// ListCompletedSince 列出指定时间后完成的任务
func (s *GormStore) ListCompletedSince(ctx context.Context, since time.Time) ([]*types.PipelineTask, error) {
	var tasks []*types.PipelineTask
	result := s.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at >= ?", since).
		Order("completed_at ASC").
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("querying completed tasks: %w", result.Error)
	}
	return tasks, nil
}
