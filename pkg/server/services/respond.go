package services

import (
	"errors"
	"net/http"

	"pipeline-backend/pkg/types"

	"github.com/gin-gonic/gin"
)

// writeError 把错误分类映射为稳定的错误码与HTTP状态
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, types.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "invalid_transition"})
	case errors.Is(err, types.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "conflict"})
	case errors.Is(err, types.ErrQuotaExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "quota_exceeded"})
	case errors.Is(err, types.ErrAdmissionBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "admission_blocked"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "code": "internal"})
	}
}
