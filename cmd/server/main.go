package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/logger"
	"pipeline-backend/pkg/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	workspaceRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}

	// 配置文件不存在时使用默认配置，便于本地起服务
	var cfg *config.ServerConfig
	if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) {
		cfg = config.DefaultServerConfig()
		if cfg.Storage.Type == "sqlite" && !filepath.IsAbs(cfg.Storage.SQLite.Path) {
			cfg.Storage.SQLite.Path = filepath.Join(workspaceRoot, cfg.Storage.SQLite.Path)
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0755); err != nil {
				log.Fatalf("Failed to create data directory: %v", err)
			}
		}
		// 默认配置没有JWT密钥，生成一次性密钥并走同一套校验
		if err := cfg.EnsureAuthSecret(); err != nil {
			log.Fatalf("Failed to prepare auth secret: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid default config: %v", err)
		}
	} else {
		cfg, err = config.LoadServerConfig(*configPath, workspaceRoot)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	logSystem := logger.NewLogger(cfg.Log.Debug)
	if cfg.Log.File != "" {
		logSystem.SetLogOutput(cfg.Log.File)
	}
	mainLogger := logSystem.GetLogger("main")

	srv, err := server.New(cfg, logSystem.GetLogger("pipeline"))
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := srv.Start(); err != nil {
		mainLogger.Fatal().Err(err).Msg("Failed to start server")
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	mainLogger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := srv.Stop(); err != nil {
		mainLogger.Error().Err(err).Msg("Shutdown error")
	}
}
