package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/response"
)

type materialService interface {
	Create(ctx context.Context, req dto.CreateMaterialRequest, upload dto.MaterialUpload, body io.Reader, actor *models.JWTClaims) (*models.Material, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Material, error)
	List(ctx context.Context, query dto.MaterialQuery, actor *models.JWTClaims) ([]models.Material, *models.Pagination, error)
	Update(ctx context.Context, id string, req dto.UpdateMaterialRequest, actor *models.JWTClaims) (*models.Material, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	Share(ctx context.Context, id string, req dto.ShareMaterialRequest, actor *models.JWTClaims) (*models.Material, error)
	IncrementDownload(ctx context.Context, id string, actor *models.JWTClaims) (int, error)
	DownloadLink(ctx context.Context, id string, actor *models.JWTClaims) (*dto.MaterialLinkResponse, error)
	ResolveDownload(ctx context.Context, token string) (*models.Material, *os.File, error)
}

// MaterialHandler manages study material endpoints.
type MaterialHandler struct {
	service materialService
}

// NewMaterialHandler constructs the handler.
func NewMaterialHandler(service materialService) *MaterialHandler {
	return &MaterialHandler{service: service}
}

// Create godoc
// @Summary Upload study material
// @Tags Materials
// @Accept multipart/form-data
// @Produce json
// @Param title formData string true "Title"
// @Param subject formData string true "Subject"
// @Param description formData string false "Description"
// @Param sharedWith formData string false "Comma separated user ids"
// @Param file formData file true "Document"
// @Success 201 {object} response.Envelope
// @Failure 413 {object} response.Envelope
// @Router /materials [post]
func (h *MaterialHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateMaterialRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid material payload"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Internal(err, "failed to open file"))
		return
	}
	defer src.Close()

	upload := dto.MaterialUpload{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
	}
	material, err := h.service.Create(c.Request.Context(), req, upload, src, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, material)
}

// List godoc
// @Summary List visible materials
// @Tags Materials
// @Produce json
// @Param subject query string false "Subject filter"
// @Param search query string false "Title search"
// @Success 200 {object} response.Envelope
// @Router /materials [get]
func (h *MaterialHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.MaterialQuery{
		Subject: strings.TrimSpace(c.Query("subject")),
		Search:  strings.TrimSpace(c.Query("search")),
	}
	query.Page, query.PageSize = pageParams(c)
	items, pagination, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get material metadata
// @Tags Materials
// @Produce json
// @Param id path string true "Material ID"
// @Success 200 {object} response.Envelope
// @Router /materials/{id} [get]
func (h *MaterialHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	material, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, material, nil)
}

// Update godoc
// @Summary Edit material metadata
// @Tags Materials
// @Accept json
// @Produce json
// @Param id path string true "Material ID"
// @Param payload body dto.UpdateMaterialRequest true "Fields to change"
// @Success 200 {object} response.Envelope
// @Router /materials/{id} [patch]
func (h *MaterialHandler) Update(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UpdateMaterialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid material payload"))
		return
	}
	material, err := h.service.Update(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, material, nil)
}

// Delete godoc
// @Summary Delete material
// @Tags Materials
// @Param id path string true "Material ID"
// @Success 204
// @Router /materials/{id} [delete]
func (h *MaterialHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Share godoc
// @Summary Share material with users
// @Tags Materials
// @Accept json
// @Produce json
// @Param id path string true "Material ID"
// @Param payload body dto.ShareMaterialRequest true "Recipients"
// @Success 200 {object} response.Envelope
// @Router /materials/{id}/share [post]
func (h *MaterialHandler) Share(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ShareMaterialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid share payload"))
		return
	}
	material, err := h.service.Share(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, material, nil)
}

// IncrementDownload godoc
// @Summary Count a download
// @Tags Materials
// @Produce json
// @Param id path string true "Material ID"
// @Success 200 {object} response.Envelope
// @Router /materials/{id}/downloads [post]
func (h *MaterialHandler) IncrementDownload(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	downloads, err := h.service.IncrementDownload(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"downloads": downloads}, nil)
}

// Link godoc
// @Summary Issue a signed download link
// @Tags Materials
// @Produce json
// @Param id path string true "Material ID"
// @Success 200 {object} response.Envelope
// @Router /materials/{id}/link [get]
func (h *MaterialHandler) Link(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	link, err := h.service.DownloadLink(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, link, nil)
}

// Download godoc
// @Summary Download a material via signed token
// @Tags Materials
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} binary
// @Router /files/{token} [get]
func (h *MaterialHandler) Download(c *gin.Context) {
	material, file, err := h.service.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	filename := sanitizeDownloadName(material.Title) + filepath.Ext(material.StoragePath)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, material.FileSize, material.FileType, file, nil)
}

func sanitizeDownloadName(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '"', ':', '*', '?', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(title))
	if name == "" {
		return "material"
	}
	return name
}
