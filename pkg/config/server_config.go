package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServerConfig 服务端配置
type ServerConfig struct {
	// 服务器配置
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		TLS  struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
	} `yaml:"server"`

	// 日志配置
	Log struct {
		Debug bool   `yaml:"debug"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	// 存储配置
	Storage struct {
		Type   string `yaml:"type"` // sqlite / postgres / memory
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Postgres struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			DBName   string `yaml:"dbname"`
			SSLMode  string `yaml:"sslmode"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	// 认证配置
	Auth struct {
		Disabled  bool   `yaml:"disabled"` // 本地开发时可关闭
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	// 调度器配置
	Scheduler struct {
		PollIntervalMS     int64  `yaml:"poll_interval_ms"`
		DefaultMaxAttempts int    `yaml:"default_max_attempts"`
		DefaultBackoffMS   int64  `yaml:"default_backoff_ms"`
		MaxBackoffMS       int64  `yaml:"max_backoff_ms"`
		DefaultConcurrency int    `yaml:"default_concurrency"`
		CancelAckTimeoutMS int64  `yaml:"cancel_ack_timeout_ms"`
		WorkerURL          string `yaml:"worker_url"` // 外部执行器回调地址，空则只记录日志
	} `yaml:"scheduler"`

	// SLA 配置，各分类的截止时长（分钟）
	SLA struct {
		CriticalMinutes int `yaml:"critical_minutes"`
		HighMinutes     int `yaml:"high_minutes"`
		MediumMinutes   int `yaml:"medium_minutes"`
		LowMinutes      int `yaml:"low_minutes"`
	} `yaml:"sla"`

	// 资源预算配置
	Budget struct {
		DefaultOrg    string `yaml:"default_org"`
		BaseLatencyMS int64  `yaml:"base_latency_ms"` // 限流延迟基数
	} `yaml:"budget"`

	// 统计配置
	Stats struct {
		CacheTTLMS int64 `yaml:"cache_ttl_ms"`
	} `yaml:"stats"`
}

// LoadServerConfig 加载服务端配置
func LoadServerConfig(path string, workspaceRoot string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := LoadConfig(path, cfg); err != nil {
		return nil, err
	}

	// 处理相对路径
	if err := cfg.resolveRelativePaths(workspaceRoot); err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	return cfg, nil
}

// Validate 实现Config接口
func (c *ServerConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Storage.Type == "" {
		return fmt.Errorf("storage.type is required")
	}
	if c.Scheduler.PollIntervalMS <= 0 {
		return fmt.Errorf("invalid scheduler.poll_interval_ms: %d", c.Scheduler.PollIntervalMS)
	}
	if c.Scheduler.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("invalid scheduler.default_max_attempts: %d", c.Scheduler.DefaultMaxAttempts)
	}
	if c.Scheduler.DefaultConcurrency <= 0 {
		return fmt.Errorf("invalid scheduler.default_concurrency: %d", c.Scheduler.DefaultConcurrency)
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// EnsureAuthSecret 无配置文件启动时生成一次性JWT密钥。
// 重启后旧令牌失效，本地试跑可接受；生产环境应在配置中固定密钥。
func (c *ServerConfig) EnsureAuthSecret() error {
	if c.Auth.Disabled || c.Auth.JWTSecret != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generating jwt secret: %w", err)
	}
	c.Auth.JWTSecret = hex.EncodeToString(buf)
	return nil
}

// PollInterval 返回调度轮询间隔
func (c *ServerConfig) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMS) * time.Millisecond
}

// CancelAckTimeout 返回取消确认超时
func (c *ServerConfig) CancelAckTimeout() time.Duration {
	return time.Duration(c.Scheduler.CancelAckTimeoutMS) * time.Millisecond
}

// resolveRelativePaths 处理相对路径
func (c *ServerConfig) resolveRelativePaths(baseDir string) error {
	// 处理日志文件路径
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(baseDir, c.Log.File)
	}

	// 处理SQLite数据库路径
	if c.Storage.Type == "sqlite" && !filepath.IsAbs(c.Storage.SQLite.Path) {
		c.Storage.SQLite.Path = filepath.Join(baseDir, c.Storage.SQLite.Path)
		// 确保数据库目录存在
		if err := os.MkdirAll(filepath.Dir(c.Storage.SQLite.Path), 0755); err != nil {
			return fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	return nil
}

// DefaultServerConfig 返回默认服务端配置
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}

	// 服务器配置
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080

	// 日志配置
	cfg.Log.Debug = false
	cfg.Log.File = "data/pipeline-server.log"

	// 存储配置
	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLite.Path = "data/pipeline.db"

	// 认证配置
	cfg.Auth.Disabled = false

	// 调度器配置
	cfg.Scheduler.PollIntervalMS = 2000
	cfg.Scheduler.DefaultMaxAttempts = 3
	cfg.Scheduler.DefaultBackoffMS = 5000
	cfg.Scheduler.MaxBackoffMS = 300000
	cfg.Scheduler.DefaultConcurrency = 4
	cfg.Scheduler.CancelAckTimeoutMS = 60000

	// SLA 配置
	cfg.SLA.CriticalMinutes = 15
	cfg.SLA.HighMinutes = 60
	cfg.SLA.MediumMinutes = 240
	cfg.SLA.LowMinutes = 1440

	// 资源预算配置
	cfg.Budget.DefaultOrg = "default"
	cfg.Budget.BaseLatencyMS = 1000

	// 统计配置
	cfg.Stats.CacheTTLMS = 3000

	return cfg
}
