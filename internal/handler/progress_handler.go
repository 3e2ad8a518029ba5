package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/response"
)

type progressService interface {
	ForStudent(ctx context.Context, studentID, subject string, actor *models.JWTClaims) ([]models.ProgressRecord, error)
}

// ProgressHandler serves derived per-subject progress.
type ProgressHandler struct {
	service progressService
}

// NewProgressHandler constructs the handler.
func NewProgressHandler(service progressService) *ProgressHandler {
	return &ProgressHandler{service: service}
}

// ForStudent godoc
// @Summary Student progress per subject
// @Tags Progress
// @Produce json
// @Param id path string true "Student ID"
// @Param subject query string false "Subject filter"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /students/{id}/progress [get]
func (h *ProgressHandler) ForStudent(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	records, err := h.service.ForStudent(c.Request.Context(), c.Param("id"), c.Query("subject"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}
