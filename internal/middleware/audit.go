package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/models"
	"github.com/noah-isme/bktutor-api/pkg/middleware/requestid"
)

// AuditWriter persists audit rows.
type AuditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Audit records one audit row per successful request to the wrapped route.
// The :id route param, when present, becomes the resource id. A failed write
// is logged and never affects the response.
func Audit(repo AuditWriter, action, resource string, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if repo == nil || status >= 400 {
			return
		}

		entry := &models.AuditLog{
			Action:    action,
			Resource:  resource,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		if claims := CurrentUser(c); claims != nil {
			entry.UserID = &claims.UserID
		}
		if id := c.Param("id"); id != "" {
			entry.ResourceID = &id
		}
		entry.NewValues, _ = json.Marshal(map[string]interface{}{
			"route":     c.Request.Method + " " + c.FullPath(),
			"status":    status,
			"latencyMs": time.Since(start).Milliseconds(),
			"requestId": requestid.Value(c),
		})

		if err := repo.CreateAuditLog(c.Request.Context(), entry); err != nil {
			log.Warn("audit write failed",
				zap.String("action", action),
				zap.String("request_id", requestid.Value(c)),
				zap.Error(err))
		}
	}
}
