package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/internal/middleware"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	return middleware.CurrentUser(c)
}

func auditActor(c *gin.Context, claims *models.JWTClaims) models.AuditActor {
	return models.AuditActor{UserID: claims.UserID, IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// expectedVersion reads the If-Match header. A missing header yields 0, which
// disables the optimistic version check.
func expectedVersion(c *gin.Context) (int, error) {
	raw := strings.TrimSpace(c.GetHeader("If-Match"))
	if raw == "" || raw == "*" {
		return 0, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	version, err := strconv.Atoi(raw)
	if err != nil || version <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "If-Match must carry a positive version")
	}
	return version, nil
}

func setETag(c *gin.Context, version int) {
	if version > 0 {
		c.Header("ETag", strconv.Quote(strconv.Itoa(version)))
	}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("pageSize", c.DefaultQuery("page_size", "0")))
	return page, size
}
