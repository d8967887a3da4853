package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
)

// NewSQLiteStore 创建基于SQLite的存储实例
func NewSQLiteStore(cfg *SQLiteConfig) (*GormStore, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	return NewGormStore(sqlite.Open(dsn))
}
