package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/response"
)

type sessionService interface {
	Create(ctx context.Context, req dto.CreateSessionRequest, actor *models.JWTClaims) (*models.Session, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Session, error)
	List(ctx context.Context, query dto.SessionQuery, actor *models.JWTClaims) ([]models.Session, *models.Pagination, error)
	Update(ctx context.Context, id string, req dto.UpdateSessionRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	Accept(ctx context.Context, id string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	Decline(ctx context.Context, id, reason string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	Cancel(ctx context.Context, id, reason string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	RequestReschedule(ctx context.Context, id string, req dto.RescheduleRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	AcceptReschedule(ctx context.Context, id string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	DeclineReschedule(ctx context.Context, id, reason string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	Complete(ctx context.Context, id string, req dto.CompleteSessionRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
	Rate(ctx context.Context, id string, req dto.RateSessionRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error)
}

// SessionHandler exposes the tutoring session lifecycle.
type SessionHandler struct {
	service sessionService
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(service sessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

// Create godoc
// @Summary Book or schedule a session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body dto.CreateSessionRequest true "Session payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /sessions [post]
func (h *SessionHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid session payload"))
		return
	}
	session, err := h.service.Create(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	setETag(c, session.Version)
	response.Created(c, session)
}

// List godoc
// @Summary List sessions
// @Description Students and tutors only see their own sessions
// @Tags Sessions
// @Produce json
// @Param studentId query string false "Student filter"
// @Param tutorId query string false "Tutor filter"
// @Param status query string false "Comma separated statuses"
// @Param subject query string false "Subject filter"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.SessionQuery{
		StudentID: strings.TrimSpace(c.Query("studentId")),
		TutorID:   strings.TrimSpace(c.Query("tutorId")),
		Subject:   strings.TrimSpace(c.Query("subject")),
		From:      strings.TrimSpace(c.Query("from")),
		To:        strings.TrimSpace(c.Query("to")),
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		query.Status = strings.Split(status, ",")
	}
	query.Page, query.PageSize = pageParams(c)

	sessions, pagination, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions, pagination)
}

// Get godoc
// @Summary Get session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	session, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	setETag(c, session.Version)
	response.JSON(c, http.StatusOK, session, nil)
}

// Update godoc
// @Summary Edit session details
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param If-Match header string false "Expected version"
// @Param payload body dto.UpdateSessionRequest true "Fields to change"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id} [patch]
func (h *SessionHandler) Update(c *gin.Context) {
	var req dto.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid session payload"))
		return
	}
	h.mutate(c, func(ctx context.Context, id string, version int, actor *models.JWTClaims) (*models.Session, error) {
		return h.service.Update(ctx, id, req, version, actor)
	})
}

// Accept godoc
// @Summary Tutor accepts a pending request
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Param If-Match header string false "Expected version"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/accept [post]
func (h *SessionHandler) Accept(c *gin.Context) {
	h.mutate(c, h.service.Accept)
}

// Decline godoc
// @Summary Tutor declines a pending request
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/decline [post]
func (h *SessionHandler) Decline(c *gin.Context) {
	h.mutateWithReason(c, h.service.Decline)
}

// Cancel godoc
// @Summary Cancel a pending or confirmed session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/cancel [post]
func (h *SessionHandler) Cancel(c *gin.Context) {
	h.mutateWithReason(c, h.service.Cancel)
}

// RequestReschedule godoc
// @Summary Propose a new slot
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.RescheduleRequest true "Proposed slot"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/reschedule [post]
func (h *SessionHandler) RequestReschedule(c *gin.Context) {
	var req dto.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid reschedule payload"))
		return
	}
	h.mutate(c, func(ctx context.Context, id string, version int, actor *models.JWTClaims) (*models.Session, error) {
		return h.service.RequestReschedule(ctx, id, req, version, actor)
	})
}

// AcceptReschedule godoc
// @Summary Accept the proposed slot
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/reschedule/accept [post]
func (h *SessionHandler) AcceptReschedule(c *gin.Context) {
	h.mutate(c, h.service.AcceptReschedule)
}

// DeclineReschedule godoc
// @Summary Decline the proposed slot
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.ReasonRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/reschedule/decline [post]
func (h *SessionHandler) DeclineReschedule(c *gin.Context) {
	h.mutateWithReason(c, h.service.DeclineReschedule)
}

// Complete godoc
// @Summary Complete a confirmed session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.CompleteSessionRequest true "Completion notes"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/complete [post]
func (h *SessionHandler) Complete(c *gin.Context) {
	var req dto.CompleteSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid completion payload"))
		return
	}
	h.mutate(c, func(ctx context.Context, id string, version int, actor *models.JWTClaims) (*models.Session, error) {
		return h.service.Complete(ctx, id, req, version, actor)
	})
}

// Rate godoc
// @Summary Rate a completed session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.RateSessionRequest true "Rating"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/rate [post]
func (h *SessionHandler) Rate(c *gin.Context) {
	var req dto.RateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid rating payload"))
		return
	}
	h.mutate(c, func(ctx context.Context, id string, version int, actor *models.JWTClaims) (*models.Session, error) {
		return h.service.Rate(ctx, id, req, version, actor)
	})
}

type sessionOp func(ctx context.Context, id string, version int, actor *models.JWTClaims) (*models.Session, error)

type sessionReasonOp func(ctx context.Context, id, reason string, version int, actor *models.JWTClaims) (*models.Session, error)

func (h *SessionHandler) mutate(c *gin.Context, op sessionOp) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	version, err := expectedVersion(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	session, err := op(c.Request.Context(), c.Param("id"), version, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	setETag(c, session.Version)
	response.JSON(c, http.StatusOK, session, nil)
}

// mutateWithReason tolerates an empty body since the reason is optional.
func (h *SessionHandler) mutateWithReason(c *gin.Context, op sessionReasonOp) {
	var req dto.ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Invalid(err, "invalid reason payload"))
		return
	}
	h.mutate(c, func(ctx context.Context, id string, version int, actor *models.JWTClaims) (*models.Session, error) {
		return op(ctx, id, strings.TrimSpace(req.Reason), version, actor)
	})
}
