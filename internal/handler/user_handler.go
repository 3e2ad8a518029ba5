package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/response"
)

type userService interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, req dto.CreateUserRequest, actor models.AuditActor) (*models.User, error)
	Update(ctx context.Context, id string, req dto.UpdateUserRequest, actor models.AuditActor) (*models.User, error)
	Delete(ctx context.Context, id string, actor models.AuditActor) error
}

// UserHandler serves the /users directory. Writes are administrator only.
type UserHandler struct {
	service userService
}

// NewUserHandler builds the handler.
func NewUserHandler(svc userService) *UserHandler {
	return &UserHandler{service: svc}
}

// List godoc
// @Summary List users
// @Description Staff directory search with paging
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size (max 100)"
// @Param role query string false "student, tutor, coordinator, chair or administrator"
// @Param active query bool false "Active filter"
// @Param department query string false "Department filter"
// @Param search query string false "Matches email or full name"
// @Param sortBy query string false "email, fullName, role or createdAt"
// @Param sortOrder query string false "asc or desc"
// @Success 200 {object} response.Envelope{data=[]models.User}
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /users [get]
func (h *UserHandler) List(c *gin.Context) {
	var q dto.UserQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid query"))
		return
	}
	filter, err := userFilter(q)
	if err != nil {
		response.Error(c, err)
		return
	}

	users, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, users, pagination)
}

func userFilter(q dto.UserQuery) (models.UserFilter, error) {
	filter := models.UserFilter{
		Page:       q.Page,
		PageSize:   firstNonZero(q.PageSize, q.LegacyPageSize),
		Active:     q.Active,
		Department: strings.TrimSpace(q.Department),
		Search:     strings.TrimSpace(q.Search),
		SortBy:     firstNonEmpty(q.SortBy, q.LegacySortBy),
		SortOrder:  firstNonEmpty(q.SortOrder, q.LegacySortOrder),
	}
	if q.Role != "" {
		role, err := models.ParseUserRole(q.Role)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrValidation, err.Error())
		}
		filter.Role = &role
	}
	return filter, nil
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Get godoc
// @Summary Get user
// @Description Staff may read anyone; other roles only themselves
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope{data=models.User}
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /users/{id} [get]
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// Create godoc
// @Summary Create user
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.CreateUserRequest true "New account"
// @Success 201 {object} response.Envelope{data=models.User}
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /users [post]
func (h *UserHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid user payload"))
		return
	}

	user, err := h.service.Create(c.Request.Context(), req, auditActor(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, user)
}

// Update godoc
// @Summary Update user
// @Tags Users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Security BearerAuth
// @Param payload body dto.UpdateUserRequest true "Fields to change"
// @Success 200 {object} response.Envelope{data=models.User}
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /users/{id} [patch]
func (h *UserHandler) Update(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid user update"))
		return
	}

	user, err := h.service.Update(c.Request.Context(), c.Param("id"), req, auditActor(c, claims))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, user, nil)
}

// Delete godoc
// @Summary Deactivate user
// @Description Soft delete; the account keeps its sessions and materials
// @Tags Users
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /users/{id} [delete]
func (h *UserHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Delete(c.Request.Context(), c.Param("id"), auditActor(c, claims)); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}
