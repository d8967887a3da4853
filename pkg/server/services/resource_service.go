package services

import (
	"net/http"
	"time"

	"pipeline-backend/pkg/budget"
	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ResourceService 资源配额与准入控制接口
type ResourceService struct {
	config  *config.ServerConfig
	logger  zerolog.Logger
	store   store.Store
	tracker *budget.Tracker
}

// NewResourceService 创建资源服务实例
func NewResourceService(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store, tracker *budget.Tracker) *ResourceService {
	return &ResourceService{
		config:  cfg,
		logger:  logger.With().Str("service", "resource").Logger(),
		store:   st,
		tracker: tracker,
	}
}

// RegisterRoutes 注册路由
func (s *ResourceService) RegisterRoutes(r gin.IRouter) {
	resources := r.Group("/admin/ops/resources")
	{
		resources.GET("", s.HandleGetBudget)
		resources.POST("", s.HandleSaveBudget)
		resources.POST("/block", s.HandleBlock)
		resources.POST("/unblock", s.HandleUnblock)
		resources.POST("/throttle", s.HandleThrottle)
	}
}

func (s *ResourceService) orgID(c *gin.Context) string {
	if org := c.Query("org_id"); org != "" {
		return org
	}
	return s.config.Budget.DefaultOrg
}

// HandleGetBudget 查询当前周期预算及使用率
func (s *ResourceService) HandleGetBudget(c *gin.Context) {
	b, err := s.tracker.ActiveBudget(c.Request.Context(), s.orgID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"budget":              b,
		"token_utilization":   b.TokenUtilization(),
		"storage_utilization": b.StorageUtilization(),
		"request_utilization": b.RequestUtilization(),
	})
}

// HandleSaveBudget 创建或更新预算周期
func (s *ResourceService) HandleSaveBudget(c *gin.Context) {
	var req struct {
		OrgID           string  `json:"org_id"`
		Period          string  `json:"period" binding:"required"`
		PeriodStart     *string `json:"period_start"`
		PeriodEnd       *string `json:"period_end"`
		TokenBudget     int64   `json:"token_budget"`
		StorageBudgetMB float64 `json:"storage_budget_mb"`
		RequestBudget   int64   `json:"request_budget"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "validation_error"})
		return
	}
	if req.TokenBudget < 0 || req.StorageBudgetMB < 0 || req.RequestBudget < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Budgets must be non-negative", "code": "validation_error"})
		return
	}

	orgID := req.OrgID
	if orgID == "" {
		orgID = s.config.Budget.DefaultOrg
	}

	// 缺省周期边界取周期月的自然边界
	start, err := time.Parse("2006-01", req.Period)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Period must be YYYY-MM", "code": "validation_error"})
		return
	}
	end := start.AddDate(0, 1, 0)
	if req.PeriodStart != nil {
		if start, err = time.Parse(time.RFC3339, *req.PeriodStart); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid period_start", "code": "validation_error"})
			return
		}
	}
	if req.PeriodEnd != nil {
		if end, err = time.Parse(time.RFC3339, *req.PeriodEnd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid period_end", "code": "validation_error"})
			return
		}
	}

	b := &types.ResourceBudget{
		OrgID:           orgID,
		Period:          req.Period,
		PeriodStart:     start,
		PeriodEnd:       end,
		TokenBudget:     req.TokenBudget,
		StorageBudgetMB: req.StorageBudgetMB,
		RequestBudget:   req.RequestBudget,
	}
	if err := s.store.SaveBudget(c.Request.Context(), b); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save budget")
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, b)
}

// HandleBlock 开启准入封锁，新任务一律拒绝
func (s *ResourceService) HandleBlock(c *gin.Context) {
	b, err := s.tracker.SetBlock(c.Request.Context(), s.orgID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// HandleUnblock 解除准入封锁
func (s *ResourceService) HandleUnblock(c *gin.Context) {
	b, err := s.tracker.Unblock(c.Request.Context(), s.orgID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// HandleThrottle 设置限流比例
func (s *ResourceService) HandleThrottle(c *gin.Context) {
	var req struct {
		Rate float64 `json:"rate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "validation_error"})
		return
	}

	b, err := s.tracker.SetThrottle(c.Request.Context(), s.orgID(c), req.Rate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}
