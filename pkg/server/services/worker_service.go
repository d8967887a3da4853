package services

import (
	"net/http"
	"time"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/scheduler"
	"pipeline-backend/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// WorkerService worker回报与健康检查接口
type WorkerService struct {
	config     *config.ServerConfig
	logger     zerolog.Logger
	store      store.Store
	dispatcher *scheduler.Dispatcher
	startedAt  time.Time
}

// NewWorkerService 创建worker服务实例
func NewWorkerService(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store, dispatcher *scheduler.Dispatcher) *WorkerService {
	return &WorkerService{
		config:     cfg,
		logger:     logger.With().Str("service", "worker").Logger(),
		store:      st,
		dispatcher: dispatcher,
		startedAt:  time.Now(),
	}
}

// RegisterRoutes 注册路由
func (s *WorkerService) RegisterRoutes(r gin.IRouter) {
	r.POST("/worker/callback", s.HandleCallback)
	r.GET("/healthz", s.HandleHealthz)
}

// HandleCallback 处理worker的完成回报
func (s *WorkerService) HandleCallback(c *gin.Context) {
	var report scheduler.CompletionReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "validation_error"})
		return
	}

	task, err := s.dispatcher.OnCompletion(c.Request.Context(), report)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// HandleHealthz 存活探针
func (s *WorkerService) HandleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
