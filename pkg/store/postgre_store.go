package store

import (
	"fmt"

	"gorm.io/driver/postgres"
)

// NewPostgresStore 创建基于PostgreSQL的存储实例
func NewPostgresStore(cfg *PostgresConfig) (*GormStore, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, fmt.Errorf("postgres host is required")
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
	return NewGormStore(postgres.Open(dsn))
}
