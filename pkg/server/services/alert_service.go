package services

import (
	"fmt"
	"net/http"
	"strconv"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AlertService 告警规则管理接口
type AlertService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewAlertService 创建告警服务实例
func NewAlertService(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store) *AlertService {
	return &AlertService{
		config: cfg,
		logger: logger.With().Str("service", "alert").Logger(),
		store:  st,
	}
}

// RegisterRoutes 注册路由
func (s *AlertService) RegisterRoutes(r gin.IRouter) {
	alerts := r.Group("/admin/ops/alerts")
	{
		alerts.GET("", s.HandleListRules)
		alerts.POST("", s.HandleCreateRule)
		alerts.PUT("/:id", s.HandleUpdateRule)
		alerts.DELETE("/:id", s.HandleDeleteRule)
		alerts.POST("/auto-create", s.HandleAutoCreate)
	}
}

func alertID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid alert rule id", "code": "validation_error"})
		return 0, false
	}
	return uint(id), true
}

// HandleListRules 列出告警规则
func (s *AlertService) HandleListRules(c *gin.Context) {
	rules, err := s.store.ListAlertRules(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list alert rules")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// HandleCreateRule 创建告警规则
func (s *AlertService) HandleCreateRule(c *gin.Context) {
	var rule types.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "validation_error"})
		return
	}
	if rule.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name is required", "code": "validation_error"})
		return
	}

	rule.ID = 0
	if err := s.store.CreateAlertRule(c.Request.Context(), &rule); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create alert rule")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// HandleUpdateRule 更新告警规则
func (s *AlertService) HandleUpdateRule(c *gin.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}

	existing, err := s.store.GetAlertRule(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	var rule types.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "validation_error"})
		return
	}

	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateAlertRule(c.Request.Context(), &rule); err != nil {
		s.logger.Error().Err(err).Msg("Failed to update alert rule")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// HandleDeleteRule 删除告警规则
func (s *AlertService) HandleDeleteRule(c *gin.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}

	if err := s.store.DeleteAlertRule(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// HandleAutoCreate 按SLA违约率阈值派生告警规则
//
// 无状态组合：阈值+严重级别落为一条普通AlertRule，不新增存储实体。
func (s *AlertService) HandleAutoCreate(c *gin.Context) {
	threshold, err := strconv.ParseFloat(c.Query("threshold"), 64)
	if err != nil || threshold <= 0 || threshold > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Threshold must be in (0,100]", "code": "validation_error"})
		return
	}

	severity := c.DefaultQuery("severity", "warning")
	switch severity {
	case "critical", "warning", "info":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown severity: " + severity, "code": "validation_error"})
		return
	}

	rule := &types.AlertRule{
		Name:     fmt.Sprintf("SLA breach rate above %.1f%%", threshold),
		Severity: severity,
		Route:    fmt.Sprintf("sla_breach_rate>%.1f", threshold),
		Channel:  "webhook",
		Enabled:  true,
	}
	if err := s.store.CreateAlertRule(c.Request.Context(), rule); err != nil {
		s.logger.Error().Err(err).Msg("Failed to auto-create alert rule")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}
