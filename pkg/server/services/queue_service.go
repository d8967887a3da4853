package services

import (
	"net/http"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/scheduler"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// QueueService 队列运维接口
type QueueService struct {
	config     *config.ServerConfig
	logger     zerolog.Logger
	store      store.Store
	controller *scheduler.QueueController
}

// NewQueueService 创建队列服务实例
func NewQueueService(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store, controller *scheduler.QueueController) *QueueService {
	return &QueueService{
		config:     cfg,
		logger:     logger.With().Str("service", "queue").Logger(),
		store:      st,
		controller: controller,
	}
}

// RegisterRoutes 注册路由
func (s *QueueService) RegisterRoutes(r gin.IRouter) {
	queues := r.Group("/admin/ops/queues")
	{
		queues.GET("", s.HandleListQueues)
		queues.PUT("/:name", s.HandleUpdateQueue)
		queues.POST("/:name/pause", s.HandlePause)
		queues.POST("/:name/resume", s.HandleResume)
		queues.POST("/:name/drain", s.HandleDrain)
	}
}

func queueName(c *gin.Context) (types.TaskType, bool) {
	name := types.TaskType(c.Param("name"))
	if !name.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown queue: " + c.Param("name"), "code": "validation_error"})
		return "", false
	}
	return name, true
}

// HandleListQueues 列出所有队列配置及当前深度
func (s *QueueService) HandleListQueues(c *gin.Context) {
	configs, err := s.store.ListQueueConfigs(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list queue configs")
		writeError(c, err)
		return
	}

	queued, err := s.store.CountByTypeAndStatus(c.Request.Context(), types.TaskStatusQueued)
	if err != nil {
		writeError(c, err)
		return
	}
	running, err := s.store.CountByTypeAndStatus(c.Request.Context(), types.TaskStatusRunning)
	if err != nil {
		writeError(c, err)
		return
	}

	type queueView struct {
		*types.QueueConfig
		Depth   int64 `json:"depth"`
		Running int64 `json:"running"`
	}
	views := make([]queueView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, queueView{
			QueueConfig: cfg,
			Depth:       queued[cfg.Name],
			Running:     running[cfg.Name],
		})
	}

	c.JSON(http.StatusOK, gin.H{"queues": views})
}

// HandleUpdateQueue 更新队列配置
func (s *QueueService) HandleUpdateQueue(c *gin.Context) {
	name, ok := queueName(c)
	if !ok {
		return
	}

	var update scheduler.QueueConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "validation_error"})
		return
	}

	cfg, err := s.controller.UpdateConfig(c.Request.Context(), name, update)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// HandlePause 暂停队列
func (s *QueueService) HandlePause(c *gin.Context) {
	name, ok := queueName(c)
	if !ok {
		return
	}

	cfg, err := s.controller.Pause(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// HandleResume 恢复队列
func (s *QueueService) HandleResume(c *gin.Context) {
	name, ok := queueName(c)
	if !ok {
		return
	}

	cfg, err := s.controller.Resume(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// HandleDrain 清空队列中未开始的任务
func (s *QueueService) HandleDrain(c *gin.Context) {
	name, ok := queueName(c)
	if !ok {
		return
	}

	drained, err := s.controller.Drain(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "drained": drained})
}
