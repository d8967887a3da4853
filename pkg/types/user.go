package types

import "time"

// User 定义管理台的操作员账号
type User struct {
	ID        int       `json:"id" gorm:"primaryKey;autoIncrement"`
	Username  string    `json:"username" gorm:"uniqueIndex"`
	Password  string    `json:"-"` // argon2id哈希
	CreatedAt time.Time `json:"created_at"`
}
