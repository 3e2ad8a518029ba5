// Package response renders the JSON envelope shared by every API endpoint.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

const (
	metaKey  = "response.meta"
	startKey = "response.start"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Data       interface{}            `json:"data,omitempty"`
	Error      *appErrors.Error       `json:"error,omitempty"`
	Pagination *models.Pagination     `json:"pagination,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Begin marks the request start so envelopes can report processing time.
func Begin(c *gin.Context) {
	c.Set(startKey, time.Now())
}

// SetMeta attaches a key to the meta block of the eventual envelope.
func SetMeta(c *gin.Context, key string, value interface{}) {
	meta := Meta(c)
	if meta == nil {
		meta = make(map[string]interface{})
		c.Set(metaKey, meta)
	}
	meta[key] = value
}

// Meta returns the metadata collected so far, or nil.
func Meta(c *gin.Context) map[string]interface{} {
	if c == nil {
		return nil
	}
	v, ok := c.Get(metaKey)
	if !ok {
		return nil
	}
	meta, _ := v.(map[string]interface{})
	return meta
}

// JSON writes a success envelope. Metadata set on the context is included.
func JSON(c *gin.Context, status int, data interface{}, pagination *models.Pagination) {
	if v, ok := c.Get(startKey); ok {
		if start, ok := v.(time.Time); ok {
			SetMeta(c, "processingTimeMs", time.Since(start).Milliseconds())
		}
	}
	noStore(c)
	c.JSON(status, Envelope{Data: data, Pagination: pagination, Meta: Meta(c)})
}

// Created writes data with 201.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data, nil)
}

// NoContent writes 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error writes the error envelope. Server-side failures are also recorded on
// the gin context so the access log carries them.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	if appErr.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	noStore(c)
	c.JSON(appErr.Status, Envelope{Error: appErr})
}

// Abort writes the error envelope and stops the handler chain.
func Abort(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
