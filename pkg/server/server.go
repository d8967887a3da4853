package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pipeline-backend/pkg/budget"
	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/scheduler"
	"pipeline-backend/pkg/server/middleware"
	"pipeline-backend/pkg/server/services"
	"pipeline-backend/pkg/sla"
	"pipeline-backend/pkg/stats"
	"pipeline-backend/pkg/store"
)

// Server 服务器结构
type Server struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store

	// 调度组件
	dispatcher *scheduler.Dispatcher
	controller *scheduler.QueueController

	// 服务实例
	pipelineService *services.PipelineService
	queueService    *services.QueueService
	resourceService *services.ResourceService
	alertService    *services.AlertService
	userService     *services.UserService
	workerService   *services.WorkerService

	engine     *gin.Engine
	httpServer *http.Server
}

// New 创建服务器实例
func New(cfg *config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	// 创建存储实例
	st, err := store.NewStore(&store.Config{
		Type: cfg.Storage.Type,
		SQLite: store.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		Postgres: store.PostgresConfig{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			DBName:   cfg.Storage.Postgres.DBName,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	middleware.InitJWT(cfg.Auth.JWTSecret)

	// 创建调度组件
	slaEngine := sla.NewEngine(cfg)
	tracker := budget.NewTracker(cfg, logger, st)
	resolver := scheduler.NewResolver(st)
	retryMgr := scheduler.NewRetryManager(cfg, logger, st)
	controller := scheduler.NewQueueController(cfg, logger, st)

	var executor scheduler.Executor
	if cfg.Scheduler.WorkerURL != "" {
		executor = scheduler.NewHTTPExecutor(cfg.Scheduler.WorkerURL, logger)
	} else {
		executor = scheduler.NewLogExecutor(logger)
	}

	dispatcher := scheduler.NewDispatcher(cfg, logger, st, resolver, tracker, slaEngine, executor, retryMgr)
	aggregator := stats.NewAggregator(cfg, logger, st, slaEngine)

	// 创建服务实例
	pipelineService := services.NewPipelineService(cfg, logger, st, dispatcher, resolver, retryMgr, slaEngine, aggregator)
	queueService := services.NewQueueService(cfg, logger, st, controller)
	resourceService := services.NewResourceService(cfg, logger, st, tracker)
	alertService := services.NewAlertService(cfg, logger, st)
	userService := services.NewUserService(cfg, logger, st)
	workerService := services.NewWorkerService(cfg, logger, st, dispatcher)

	// 创建gin引擎
	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	// 开放路由
	userService.RegisterRoutes(engine)
	workerService.RegisterRoutes(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 管理路由走JWT认证
	admin := engine.Group("/")
	admin.Use(middleware.JWTAuth(cfg.Auth.Disabled))
	pipelineService.RegisterRoutes(admin)
	queueService.RegisterRoutes(admin)
	resourceService.RegisterRoutes(admin)
	alertService.RegisterRoutes(admin)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	return &Server{
		config:          cfg,
		logger:          logger.With().Str("component", "server").Logger(),
		store:           st,
		dispatcher:      dispatcher,
		controller:      controller,
		pipelineService: pipelineService,
		queueService:    queueService,
		resourceService: resourceService,
		alertService:    alertService,
		userService:     userService,
		workerService:   workerService,
		engine:          engine,
		httpServer:      httpServer,
	}, nil
}

// Start 启动服务器
func (s *Server) Start() error {
	// 补齐默认队列配置后再开调度循环
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.controller.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("seeding queue configs: %w", err)
	}

	s.dispatcher.Start()

	go func() {
		var err error
		if s.config.Server.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.config.Server.TLS.Cert, s.config.Server.TLS.Key)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().
		Str("address", s.httpServer.Addr).
		Bool("tls", s.config.Server.TLS.Enabled).
		Msg("Server started")
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	// 先停调度循环，避免关闭存储后再触发调度周期
	s.dispatcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing store")
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}
