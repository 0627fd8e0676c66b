// Package httpapi exposes Ash's REST, SSE, and websocket surface over the
// session service, agent catalog, and runner registry.
package httpapi

import (
	stderrors "errors"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/ash/internal/common/errors"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/state"
)

// RequestLogger tags each request with an id and logs its outcome.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler renders the last error attached to the context as the
// shape §7 of the design describes: {error: {code, message}}.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{"code": appErr.Code, "message": appErr.Message}})
			return
		}

		log.Error("unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": errors.ErrCodeInternalError, "message": "internal server error"}})
	}
}

// Recovery turns a panic inside a handler into a 500 instead of crashing
// the process.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": errors.ErrCodeInternalError, "message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}

// APIKeyAuth validates the Authorization bearer token against the hashed
// key store. When auth is disabled it is a no-op. /health and /metrics
// are mounted outside this middleware's group entirely.
func APIKeyAuth(store state.Store, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": errors.ErrCodeUnauthorized, "message": "missing bearer token"}})
			return
		}
		token := strings.TrimPrefix(header, prefix)
		hash := hashAPIKey(token)

		key, err := store.GetAPIKeyByHash(c.Request.Context(), hash)
		if err != nil || key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": errors.ErrCodeUnauthorized, "message": "invalid API key"}})
			return
		}

		c.Set("tenant_id", key.TenantID)
		c.Next()
	}
}

// InternalAuth validates the shared internal secret used by runners
// calling back into the coordinator, and by the coordinator forwarding to
// runners. Constant-time compare avoids leaking the secret through
// timing.
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": errors.ErrCodeUnauthorized, "message": "invalid internal secret"}})
			return
		}
		c.Next()
	}
}

func hashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TenantID reads the tenant id set by APIKeyAuth, defaulting to "default"
// when auth is disabled (standalone, single-tenant use).
func TenantID(c *gin.Context) string {
	if v, ok := c.Get("tenant_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "default"
}
