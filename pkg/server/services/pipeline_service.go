package services

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/scheduler"
	"pipeline-backend/pkg/sla"
	"pipeline-backend/pkg/stats"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// PipelineService 流水线任务管理接口
type PipelineService struct {
	config     *config.ServerConfig
	logger     zerolog.Logger
	store      store.Store
	dispatcher *scheduler.Dispatcher
	resolver   *scheduler.Resolver
	retry      *scheduler.RetryManager
	sla        *sla.Engine
	stats      *stats.Aggregator
}

// NewPipelineService 创建流水线服务实例
func NewPipelineService(
	cfg *config.ServerConfig,
	logger zerolog.Logger,
	st store.Store,
	dispatcher *scheduler.Dispatcher,
	resolver *scheduler.Resolver,
	retry *scheduler.RetryManager,
	slaEngine *sla.Engine,
	aggregator *stats.Aggregator,
) *PipelineService {
	return &PipelineService{
		config:     cfg,
		logger:     logger.With().Str("service", "pipeline").Logger(),
		store:      st,
		dispatcher: dispatcher,
		resolver:   resolver,
		retry:      retry,
		sla:        slaEngine,
		stats:      aggregator,
	}
}

// RegisterRoutes 注册路由
func (s *PipelineService) RegisterRoutes(r gin.IRouter) {
	pipelines := r.Group("/admin/pipelines")
	{
		pipelines.GET("", s.HandleListTasks)
		pipelines.POST("", s.HandleCreateTask)
		pipelines.GET("/stats", s.HandleStats)
		pipelines.GET("/stats/history", s.HandleStatsHistory)
		pipelines.GET("/export", s.HandleExport)
		pipelines.GET("/:id/dependencies", s.HandleDependencies)
		pipelines.POST("/:id/cancel", s.HandleCancel)
		pipelines.POST("/:id/retry", s.HandleRetry)
	}
}

// HandleListTasks 按过滤条件列出任务
func (s *PipelineService) HandleListTasks(c *gin.Context) {
	filter := store.TaskFilter{Limit: 100}

	if v := c.Query("status_filter"); v != "" {
		status := types.TaskStatus(v)
		filter.Status = &status
	}
	if v := c.Query("task_type"); v != "" {
		taskType := types.TaskType(v)
		filter.Type = &taskType
	}
	if v := c.Query("sla_breached_only"); v == "true" {
		filter.SLABreachedOnly = true
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit", "code": "validation_error"})
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list tasks")
		writeError(c, err)
		return
	}

	// 派生SLA字段在读路径上计算
	now := time.Now()
	for _, task := range tasks {
		s.sla.Annotate(task, now)
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// HandleCreateTask 创建任务
func (s *PipelineService) HandleCreateTask(c *gin.Context) {
	var input scheduler.CreateTaskInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "validation_error"})
		return
	}

	task, err := s.dispatcher.CreateTask(c.Request.Context(), input)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// HandleStats 实时统计快照，前端数秒轮询一次
func (s *PipelineService) HandleStats(c *gin.Context) {
	snapshot, err := s.stats.Live(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to compute stats")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// HandleStatsHistory 历史趋势
func (s *PipelineService) HandleStatsHistory(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 24*30 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hours", "code": "validation_error"})
			return
		}
		hours = parsed
	}

	buckets, err := s.stats.History(c.Request.Context(), hours)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to compute history")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

// HandleDependencies 返回任务及其一跳依赖/被依赖
func (s *PipelineService) HandleDependencies(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	deps, err := s.resolver.Dependencies(c.Request.Context(), task)
	if err != nil {
		writeError(c, err)
		return
	}
	dependents, err := s.resolver.Dependents(c.Request.Context(), task)
	if err != nil {
		writeError(c, err)
		return
	}

	now := time.Now()
	s.sla.Annotate(task, now)
	c.JSON(http.StatusOK, gin.H{
		"task":         task,
		"dependencies": deps,
		"dependents":   dependents,
	})
}

// HandleCancel 取消任务
func (s *PipelineService) HandleCancel(c *gin.Context) {
	task, err := s.dispatcher.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// HandleRetry 手动重试终态FAILED任务
//
// 默认延续attempts计数；reset_attempts=true 为操作员显式豁免。
func (s *PipelineService) HandleRetry(c *gin.Context) {
	resetAttempts := c.Query("reset_attempts") == "true"

	task, err := s.retry.ManualRetry(c.Request.Context(), c.Param("id"), resetAttempts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// HandleExport 批量导出，csv或json
func (s *PipelineService) HandleExport(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hours", "code": "validation_error"})
			return
		}
		hours = parsed
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	tasks, err := s.store.ListTasks(c.Request.Context(), store.TaskFilter{CreatedAfter: &since})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to export tasks")
		writeError(c, err)
		return
	}

	now := time.Now()
	for _, task := range tasks {
		s.sla.Annotate(task, now)
	}

	format := c.DefaultQuery("format", "json")
	switch format {
	case "json":
		c.Header("Content-Disposition", `attachment; filename="pipeline-tasks.json"`)
		c.JSON(http.StatusOK, tasks)
	case "csv":
		s.writeCSV(c, tasks)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown format: " + format, "code": "validation_error"})
	}
}

func (s *PipelineService) writeCSV(c *gin.Context, tasks []*types.PipelineTask) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="pipeline-tasks.csv"`)

	w := csv.NewWriter(c.Writer)
	defer w.Flush()

	header := []string{
		"id", "org_id", "task_type", "status", "priority", "sla_category",
		"sla_deadline", "sla_breached", "attempts", "max_attempts",
		"last_error", "created_at", "started_at", "completed_at", "duration_ms", "actual_tokens",
	}
	if err := w.Write(header); err != nil {
		return
	}

	formatTime := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format(time.RFC3339)
	}

	for _, task := range tasks {
		durationMS := ""
		if task.DurationMS != nil {
			durationMS = strconv.FormatInt(*task.DurationMS, 10)
		}
		actualTokens := ""
		if task.ActualTokens != nil {
			actualTokens = strconv.FormatInt(*task.ActualTokens, 10)
		}
		record := []string{
			task.ID,
			task.OrgID,
			string(task.Type),
			string(task.Status),
			strconv.Itoa(task.Priority),
			string(task.SLACategory),
			formatTime(task.SLADeadline),
			fmt.Sprintf("%t", task.SLABreached),
			strconv.Itoa(task.Attempts),
			strconv.Itoa(task.MaxAttempts),
			task.LastError,
			task.CreatedAt.Format(time.RFC3339),
			formatTime(task.StartedAt),
			formatTime(task.CompletedAt),
			durationMS,
			actualTokens,
		}
		if err := w.Write(record); err != nil {
			return
		}
	}
}
