package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pipeline-backend/pkg/types"
)

// MemoryStore 内存存储实现，用于测试与本地开发
type MemoryStore struct {
	sync.RWMutex
	tasks   map[string]*types.PipelineTask
	queues  map[types.TaskType]*types.QueueConfig
	budgets map[uint]*types.ResourceBudget
	alerts  map[uint]*types.AlertRule
	users   map[string]*types.User

	nextBudgetID uint
	nextAlertID  uint
	nextUserID   int
}

// NewMemoryStore 创建内存存储实例
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*types.PipelineTask),
		queues:  make(map[types.TaskType]*types.QueueConfig),
		budgets: make(map[uint]*types.ResourceBudget),
		alerts:  make(map[uint]*types.AlertRule),
		users:   make(map[string]*types.User),
	}
}

func copyTask(task *types.PipelineTask) *types.PipelineTask {
	dup := *task
	if task.Metadata != nil {
		dup.Metadata = make(types.Metadata, len(task.Metadata))
		for k, v := range task.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// CreateTask 创建任务
func (s *MemoryStore) CreateTask(ctx context.Context, task *types.PipelineTask) error {
	s.Lock()
	defer s.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	s.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask 获取任务
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*types.PipelineTask, error) {
	s.RLock()
	defer s.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}
	return copyTask(task), nil
}

// slaBreachedAt 截止时间谓词，与SLA引擎的判定口径一致：
// 已完成任务看完成时间，未完成任务看now
func slaBreachedAt(task *types.PipelineTask, now time.Time) bool {
	if task.SLADeadline == nil {
		return false
	}
	if task.CompletedAt != nil {
		return task.CompletedAt.After(*task.SLADeadline)
	}
	return now.After(*task.SLADeadline)
}

func matchFilter(task *types.PipelineTask, filter TaskFilter, now time.Time) bool {
	if filter.OrgID != "" && task.OrgID != filter.OrgID {
		return false
	}
	if filter.Status != nil && task.Status != *filter.Status {
		return false
	}
	if filter.Type != nil && task.Type != *filter.Type {
		return false
	}
	if filter.SLABreachedOnly && !slaBreachedAt(task, now) {
		return false
	}
	if filter.BlocksOn != nil {
		if task.BlocksOnTaskID == nil || *task.BlocksOnTaskID != *filter.BlocksOn {
			return false
		}
	}
	if filter.CreatedAfter != nil && task.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	return true
}

// ListTasks 按过滤条件列出任务
func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.PipelineTask, error) {
	s.RLock()
	defer s.RUnlock()

	now := time.Now()
	tasks := make([]*types.PipelineTask, 0)
	for _, task := range s.tasks {
		if matchFilter(task, filter, now) {
			tasks = append(tasks, copyTask(task))
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return []*types.PipelineTask{}, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// TransitionTask 原子状态转移
func (s *MemoryStore) TransitionTask(ctx context.Context, taskID string, from, to types.TaskStatus, mutate func(*types.PipelineTask)) (*types.PipelineTask, error) {
	s.Lock()
	defer s.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}
	if from != "" && task.Status != from {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", types.ErrInvalidTransition, taskID, task.Status, from)
	}
	if !types.CanTransition(task.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, task.Status, to)
	}

	updated := copyTask(task)
	updated.Status = to
	if mutate != nil {
		mutate(updated)
	}
	updated.Version = task.Version + 1
	updated.UpdatedAt = time.Now()

	s.tasks[taskID] = updated
	return copyTask(updated), nil
}

// UpdateTaskFields 更新非状态字段
func (s *MemoryStore) UpdateTaskFields(ctx context.Context, taskID string, mutate func(*types.PipelineTask)) (*types.PipelineTask, error) {
	s.Lock()
	defer s.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}

	updated := copyTask(task)
	if mutate != nil {
		mutate(updated)
	}
	updated.Status = task.Status
	updated.Version = task.Version + 1
	updated.UpdatedAt = time.Now()

	s.tasks[taskID] = updated
	return copyTask(updated), nil
}

// ListDependents 列出直接依赖于该任务的任务
func (s *MemoryStore) ListDependents(ctx context.Context, taskID string) ([]*types.PipelineTask, error) {
	return s.ListTasks(ctx, TaskFilter{BlocksOn: &taskID})
}

// ClearQuotaBlocked 清除配额阻塞标记
func (s *MemoryStore) ClearQuotaBlocked(ctx context.Context, orgID string) (int64, error) {
	s.Lock()
	defer s.Unlock()

	var cleared int64
	for id, task := range s.tasks {
		if !task.BlockedByQuota || task.Status != types.TaskStatusQueued {
			continue
		}
		if orgID != "" && task.OrgID != orgID {
			continue
		}
		updated := copyTask(task)
		updated.BlockedByQuota = false
		updated.Version = task.Version + 1
		updated.UpdatedAt = time.Now()
		s.tasks[id] = updated
		cleared++
	}
	return cleared, nil
}

// SaveQueueConfig 保存队列配置
func (s *MemoryStore) SaveQueueConfig(ctx context.Context, cfg *types.QueueConfig) error {
	s.Lock()
	defer s.Unlock()

	dup := *cfg
	s.queues[cfg.Name] = &dup
	return nil
}

// GetQueueConfig 获取队列配置
func (s *MemoryStore) GetQueueConfig(ctx context.Context, name types.TaskType) (*types.QueueConfig, error) {
	s.RLock()
	defer s.RUnlock()

	cfg, exists := s.queues[name]
	if !exists {
		return nil, fmt.Errorf("queue %s: %w", name, types.ErrNotFound)
	}
	dup := *cfg
	return &dup, nil
}

// ListQueueConfigs 列出所有队列配置
func (s *MemoryStore) ListQueueConfigs(ctx context.Context) ([]*types.QueueConfig, error) {
	s.RLock()
	defer s.RUnlock()

	cfgs := make([]*types.QueueConfig, 0, len(s.queues))
	for _, cfg := range s.queues {
		dup := *cfg
		cfgs = append(cfgs, &dup)
	}
	sort.Slice(cfgs, func(i, j int) bool {
		if cfgs[i].PriorityWeight != cfgs[j].PriorityWeight {
			return cfgs[i].PriorityWeight > cfgs[j].PriorityWeight
		}
		return cfgs[i].Name < cfgs[j].Name
	})
	return cfgs, nil
}

// GetActiveBudget 获取覆盖指定时间点的预算窗口
func (s *MemoryStore) GetActiveBudget(ctx context.Context, orgID string, at time.Time) (*types.ResourceBudget, error) {
	s.RLock()
	defer s.RUnlock()

	var active *types.ResourceBudget
	for _, budget := range s.budgets {
		if budget.OrgID != orgID {
			continue
		}
		if budget.PeriodStart.After(at) || !budget.PeriodEnd.After(at) {
			continue
		}
		if active == nil || budget.PeriodStart.After(active.PeriodStart) {
			active = budget
		}
	}
	if active == nil {
		return nil, fmt.Errorf("budget for org %s: %w", orgID, types.ErrNotFound)
	}
	dup := *active
	return &dup, nil
}

// SaveBudget 保存预算窗口
func (s *MemoryStore) SaveBudget(ctx context.Context, budget *types.ResourceBudget) error {
	s.Lock()
	defer s.Unlock()

	if budget.ID == 0 {
		s.nextBudgetID++
		budget.ID = s.nextBudgetID
	}
	dup := *budget
	s.budgets[budget.ID] = &dup
	return nil
}

// AddConsumption 累加消耗计数
func (s *MemoryStore) AddConsumption(ctx context.Context, budgetID uint, tokens int64, requests int64) error {
	s.Lock()
	defer s.Unlock()

	budget, exists := s.budgets[budgetID]
	if !exists {
		return fmt.Errorf("budget %d: %w", budgetID, types.ErrNotFound)
	}
	budget.TokensUsed += tokens
	budget.RequestsUsed += requests
	budget.UpdatedAt = time.Now()
	return nil
}

// UpdateBudgetControls 更新预算控制开关
func (s *MemoryStore) UpdateBudgetControls(ctx context.Context, budgetID uint, mutate func(*types.ResourceBudget)) (*types.ResourceBudget, error) {
	s.Lock()
	defer s.Unlock()

	budget, exists := s.budgets[budgetID]
	if !exists {
		return nil, fmt.Errorf("budget %d: %w", budgetID, types.ErrNotFound)
	}
	mutate(budget)
	budget.UpdatedAt = time.Now()
	dup := *budget
	return &dup, nil
}

// CreateAlertRule 创建告警规则
func (s *MemoryStore) CreateAlertRule(ctx context.Context, rule *types.AlertRule) error {
	s.Lock()
	defer s.Unlock()

	s.nextAlertID++
	rule.ID = s.nextAlertID
	dup := *rule
	s.alerts[rule.ID] = &dup
	return nil
}

// GetAlertRule 获取告警规则
func (s *MemoryStore) GetAlertRule(ctx context.Context, id uint) (*types.AlertRule, error) {
	s.RLock()
	defer s.RUnlock()

	rule, exists := s.alerts[id]
	if !exists {
		return nil, fmt.Errorf("alert rule %d: %w", id, types.ErrNotFound)
	}
	dup := *rule
	return &dup, nil
}

// ListAlertRules 列出告警规则
func (s *MemoryStore) ListAlertRules(ctx context.Context) ([]*types.AlertRule, error) {
	s.RLock()
	defer s.RUnlock()

	rules := make([]*types.AlertRule, 0, len(s.alerts))
	for _, rule := range s.alerts {
		dup := *rule
		rules = append(rules, &dup)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// UpdateAlertRule 更新告警规则
func (s *MemoryStore) UpdateAlertRule(ctx context.Context, rule *types.AlertRule) error {
	s.Lock()
	defer s.Unlock()

	if _, exists := s.alerts[rule.ID]; !exists {
		return fmt.Errorf("alert rule %d: %w", rule.ID, types.ErrNotFound)
	}
	dup := *rule
	s.alerts[rule.ID] = &dup
	return nil
}

// DeleteAlertRule 删除告警规则
func (s *MemoryStore) DeleteAlertRule(ctx context.Context, id uint) error {
	s.Lock()
	defer s.Unlock()

	if _, exists := s.alerts[id]; !exists {
		return fmt.Errorf("alert rule %d: %w", id, types.ErrNotFound)
	}
	delete(s.alerts, id)
	return nil
}

// CreateUser 创建用户
func (s *MemoryStore) CreateUser(ctx context.Context, user *types.User) error {
	s.Lock()
	defer s.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("user %s already exists", user.Username)
	}
	s.nextUserID++
	user.ID = s.nextUserID
	dup := *user
	s.users[user.Username] = &dup
	return nil
}

// GetUserByUsername 按用户名获取用户
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	s.RLock()
	defer s.RUnlock()

	user, exists := s.users[username]
	if !exists {
		return nil, fmt.Errorf("user %s: %w", username, types.ErrNotFound)
	}
	dup := *user
	return &dup, nil
}

// CountByStatus 按状态统计任务数
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[types.TaskStatus]int64, error) {
	s.RLock()
	defer s.RUnlock()

	counts := make(map[types.TaskStatus]int64)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

// CountByTypeAndStatus 按类型统计指定状态的任务数
func (s *MemoryStore) CountByTypeAndStatus(ctx context.Context, status types.TaskStatus) (map[types.TaskType]int64, error) {
	s.RLock()
	defer s.RUnlock()

	counts := make(map[types.TaskType]int64)
	for _, task := range s.tasks {
		if task.Status == status {
			counts[task.Type]++
		}
	}
	return counts, nil
}

// ListCompletedSince 列出指定时间后完成的任务
func (s *MemoryStore) ListCompletedSince(ctx context.Context, since time.Time) ([]*types.PipelineTask, error) {
	s.RLock()
	defer s.RUnlock()

	tasks := make([]*types.PipelineTask, 0)
	for _, task := range s.tasks {
		if task.CompletedAt != nil && !task.CompletedAt.Before(since) {
			tasks = append(tasks, copyTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CompletedAt.Before(*tasks[j].CompletedAt)
	})
	return tasks, nil
}

// Close 关闭存储
func (s *MemoryStore) Close() error {
	return nil
}
