package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/events"
	"github.com/noah-isme/bktutor-api/pkg/storage"
)

type materialStore interface {
	Create(ctx context.Context, m *models.Material) error
	GetByID(ctx context.Context, id string) (*models.Material, error)
	List(ctx context.Context, filter models.MaterialFilter) ([]models.Material, int, error)
	Update(ctx context.Context, m *models.Material) error
	AddSharedWith(ctx context.Context, id string, userIDs []string) (pq.StringArray, error)
	IncrementDownloads(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
}

type fileStore interface {
	SaveStream(filename string, r io.Reader, maxBytes int64) (int64, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type tokenSigner interface {
	Generate(resourceID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (*storage.SignedToken, error)
}

// MaterialConfig holds upload limits and the public download route.
type MaterialConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
	// DownloadBase is prefixed to signed tokens, e.g. "/api/v1/files".
	DownloadBase string
}

// MaterialService manages uploaded study materials and their sharing.
type MaterialService struct {
	repo      materialStore
	files     fileStore
	signer    tokenSigner
	users     participantLookup
	notifier  notificationSender
	bus       eventPublisher
	audit     auditLogger
	cfg       MaterialConfig
	allowed   map[string]struct{}
	validator *validator.Validate
	logger    *zap.Logger
}

// NewMaterialService constructs the service. bus and audit may be nil.
func NewMaterialService(repo materialStore, files fileStore, signer tokenSigner, users participantLookup, notifier notificationSender, bus eventPublisher, audit auditLogger, cfg MaterialConfig, validate *validator.Validate, logger *zap.Logger) *MaterialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.DownloadBase == "" {
		cfg.DownloadBase = "/files"
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, m := range cfg.AllowedMIMEs {
		allowed[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return &MaterialService{
		repo:      repo,
		files:     files,
		signer:    signer,
		users:     users,
		notifier:  notifier,
		bus:       bus,
		audit:     audit,
		cfg:       cfg,
		allowed:   allowed,
		validator: validate,
		logger:    logger,
	}
}

// Create stores the uploaded file and its metadata, then shares it with any
// initial recipients.
func (s *MaterialService) Create(ctx context.Context, req dto.CreateMaterialRequest, upload dto.MaterialUpload, body io.Reader, actor *models.JWTClaims) (*models.Material, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid material payload")
	}
	if s.cfg.MaxFileSize > 0 && upload.Size > s.cfg.MaxFileSize {
		return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxFileSize))
	}
	contentType := s.detectType(upload)
	if !s.typeAllowed(contentType) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file type %q is not allowed", contentType))
	}
	recipients, err := s.resolveRecipients(ctx, req.SharedWith, actor.UserID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	storedName := path.Join(actor.UserID, id+strings.ToLower(filepath.Ext(upload.Filename)))
	written, err := s.files.SaveStream(storedName, body, s.cfg.MaxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxFileSize))
		}
		return nil, appErrors.Internal(err, "failed to store file")
	}

	material := &models.Material{
		ID:          id,
		Title:       strings.TrimSpace(req.Title),
		Subject:     strings.TrimSpace(req.Subject),
		Description: strings.TrimSpace(req.Description),
		UploadedBy:  actor.UserID,
		FileType:    contentType,
		FileSize:    written,
		URL:         fmt.Sprintf("/materials/%s/link", id),
		StoragePath: storedName,
		SharedWith:  pq.StringArray(recipients),
	}
	if err := s.repo.Create(ctx, material); err != nil {
		if delErr := s.files.Delete(storedName); delErr != nil {
			s.logger.Warn("failed to remove orphaned upload", zap.String("path", storedName), zap.Error(delErr))
		}
		return nil, appErrors.Internal(err, "failed to create material")
	}

	s.notifyShared(ctx, material, recipients, actor)
	s.publish(material)
	return material, nil
}

// Get returns a material visible to the actor.
func (s *MaterialService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Material, error) {
	material, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureVisible(material, actor); err != nil {
		return nil, err
	}
	return material, nil
}

// List returns the caller's own and shared materials; staff see everything.
func (s *MaterialService) List(ctx context.Context, query dto.MaterialQuery, actor *models.JWTClaims) ([]models.Material, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	filter := models.MaterialFilter{
		Subject: strings.TrimSpace(query.Subject),
		Search:  strings.TrimSpace(query.Search),
		Limit:   pageSize,
		Offset:  (page - 1) * pageSize,
	}
	if !actor.Role.IsStaff() {
		filter.VisibleTo = actor.UserID
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list materials")
	}
	if items == nil {
		items = []models.Material{}
	}
	return items, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Update edits title, subject or description. Owner or administrator only.
func (s *MaterialService) Update(ctx context.Context, id string, req dto.UpdateMaterialRequest, actor *models.JWTClaims) (*models.Material, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid material payload")
	}
	material, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwner(material, actor); err != nil {
		return nil, err
	}
	if req.Title != nil {
		material.Title = strings.TrimSpace(*req.Title)
	}
	if req.Subject != nil {
		material.Subject = strings.TrimSpace(*req.Subject)
	}
	if req.Description != nil {
		material.Description = strings.TrimSpace(*req.Description)
	}
	if err := s.repo.Update(ctx, material); err != nil {
		return nil, appErrors.Internal(err, "failed to update material")
	}
	s.publish(material)
	return material, nil
}

// Delete removes the row and its file. Notifications that reference the
// material are left in place.
func (s *MaterialService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	material, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureOwner(material, actor); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "material not found")
		}
		return appErrors.Internal(err, "failed to delete material")
	}
	if err := s.files.Delete(material.StoragePath); err != nil {
		s.logger.Warn("failed to remove material file", zap.String("material_id", id), zap.Error(err))
	}
	s.publish(material)

	if s.audit != nil {
		oldValues, _ := json.Marshal(material)
		log := &models.AuditLog{
			UserID:     &actor.UserID,
			Action:     models.AuditActionMaterialDelete,
			Resource:   "materials",
			ResourceID: &material.ID,
			OldValues:  oldValues,
			IPAddress:  "system",
			UserAgent:  "material-service",
		}
		if err := s.audit.CreateAuditLog(ctx, log); err != nil {
			s.logger.Warn("failed to persist audit log", zap.Error(err))
		}
	}
	return nil
}

// Share grants read access to additional users and notifies each new recipient.
func (s *MaterialService) Share(ctx context.Context, id string, req dto.ShareMaterialRequest, actor *models.JWTClaims) (*models.Material, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "userIds is required")
	}
	material, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwner(material, actor); err != nil {
		return nil, err
	}
	recipients, err := s.resolveRecipients(ctx, req.UserIDs, material.UploadedBy)
	if err != nil {
		return nil, err
	}
	already := make(map[string]struct{}, len(material.SharedWith))
	for _, userID := range material.SharedWith {
		already[userID] = struct{}{}
	}
	fresh := make([]string, 0, len(recipients))
	for _, userID := range recipients {
		if _, ok := already[userID]; !ok {
			fresh = append(fresh, userID)
		}
	}
	if len(fresh) == 0 {
		return material, nil
	}

	shared, err := s.repo.AddSharedWith(ctx, id, fresh)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "material not found")
		}
		return nil, appErrors.Internal(err, "failed to share material")
	}
	material.SharedWith = shared
	s.notifyShared(ctx, material, fresh, actor)
	s.publish(material)
	return material, nil
}

// IncrementDownload bumps the counter for a visible material.
func (s *MaterialService) IncrementDownload(ctx context.Context, id string, actor *models.JWTClaims) (int, error) {
	material, err := s.load(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := s.ensureVisible(material, actor); err != nil {
		return 0, err
	}
	return s.increment(ctx, id)
}

// DownloadLink issues a signed, time-limited URL for the file.
func (s *MaterialService) DownloadLink(ctx context.Context, id string, actor *models.JWTClaims) (*dto.MaterialLinkResponse, error) {
	material, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.signer.Generate(material.ID, material.StoragePath)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to sign download link")
	}
	return &dto.MaterialLinkResponse{
		URL:       strings.TrimRight(s.cfg.DownloadBase, "/") + "/" + token,
		ExpiresAt: expiresAt,
	}, nil
}

// ResolveDownload validates a signed token, counts the download and opens the
// file. The caller must close it.
func (s *MaterialService) ResolveDownload(ctx context.Context, token string) (*models.Material, *os.File, error) {
	claims, err := s.signer.Parse(token, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download link")
	}
	material, err := s.load(ctx, claims.ResourceID)
	if err != nil {
		return nil, nil, err
	}
	if material.StoragePath != claims.Path {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download link")
	}
	file, err := s.files.Open(material.StoragePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "material file missing")
		}
		return nil, nil, appErrors.Internal(err, "failed to open material file")
	}
	if downloads, err := s.increment(ctx, material.ID); err == nil {
		material.Downloads = downloads
	} else {
		s.logger.Warn("failed to count download", zap.String("material_id", material.ID), zap.Error(err))
	}
	return material, file, nil
}

func (s *MaterialService) increment(ctx context.Context, id string) (int, error) {
	downloads, err := s.repo.IncrementDownloads(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "material not found")
		}
		return 0, appErrors.Internal(err, "failed to count download")
	}
	return downloads, nil
}

func (s *MaterialService) load(ctx context.Context, id string) (*models.Material, error) {
	material, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "material not found")
		}
		return nil, appErrors.Internal(err, "failed to load material")
	}
	return material, nil
}

func (s *MaterialService) ensureVisible(material *models.Material, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.Role.IsStaff() || material.IsVisibleTo(actor.UserID) {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "material is not shared with you")
}

func (s *MaterialService) ensureOwner(material *models.Material, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if material.UploadedBy == actor.UserID || actor.Role == models.RoleAdministrator {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "only the uploader may modify this material")
}

// resolveRecipients dedupes ids, drops the owner and checks each user exists and is active.
func (s *MaterialService) resolveRecipients(ctx context.Context, ids []string, owner string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		for _, part := range strings.Split(raw, ",") {
			userID := strings.TrimSpace(part)
			if userID == "" || userID == owner {
				continue
			}
			if _, ok := seen[userID]; ok {
				continue
			}
			seen[userID] = struct{}{}
			user, err := s.users.FindByID(ctx, userID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("user %s does not exist", userID))
				}
				return nil, appErrors.Internal(err, "failed to load user")
			}
			if !user.Active {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("user %s is inactive", userID))
			}
			out = append(out, userID)
		}
	}
	return out, nil
}

func (s *MaterialService) notifyShared(ctx context.Context, material *models.Material, recipients []string, actor *models.JWTClaims) {
	if s.notifier == nil {
		return
	}
	sharer := actor.FullName
	if sharer == "" {
		sharer = "A tutor"
	}
	for _, userID := range recipients {
		n := newNotification(userID, models.NotificationMaterialShared, "New material shared",
			fmt.Sprintf("%s shared \"%s\" (%s) with you.", sharer, material.Title, material.Subject),
			material.ID, models.ActionAcknowledge)
		if err := s.notifier.Dispatch(ctx, n); err != nil {
			s.logger.Warn("failed to dispatch material notification",
				zap.String("material_id", material.ID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

func (s *MaterialService) publish(material *models.Material) {
	if s.bus == nil {
		return
	}
	userIDs := append([]string{material.UploadedBy}, material.SharedWith...)
	snapshot := *material
	s.bus.Publish(events.Event{
		Type:       events.TypeMaterialUpdated,
		ResourceID: material.ID,
		UserIDs:    userIDs,
		Payload:    &snapshot,
		OccurredAt: time.Now().UTC(),
	})
}

func (s *MaterialService) detectType(upload dto.MaterialUpload) string {
	contentType := upload.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(upload.Filename))); byExt != "" {
			contentType = byExt
		}
	}
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = parsed
	}
	return strings.ToLower(contentType)
}

func (s *MaterialService) typeAllowed(contentType string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[contentType]
	return ok
}
