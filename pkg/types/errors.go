package types

import "errors"

// 错误分类，供存储层与API层统一映射
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrAdmissionBlocked  = errors.New("admission blocked")
)
