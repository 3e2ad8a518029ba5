package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/pkg/response"
)

// WithResponseMeta stamps the request start so envelopes carry processingTimeMs.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Begin(c)
		c.Next()
	}
}
