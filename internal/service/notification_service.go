package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/events"
)

type notificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	GetByID(ctx context.Context, id string) (*models.Notification, error)
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, id, userID string) error
}

type eventPublisher interface {
	Publish(event events.Event)
}

// NotificationService stores per-user notifications and announces them on the event bus.
type NotificationService struct {
	repo    notificationStore
	bus     eventPublisher
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewNotificationService constructs the service. bus and metrics are optional.
func NewNotificationService(repo notificationStore, bus eventPublisher, metrics *MetricsService, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{repo: repo, bus: bus, metrics: metrics, logger: logger, now: time.Now}
}

// Dispatch persists a notification for its recipient.
func (s *NotificationService) Dispatch(ctx context.Context, n *models.Notification) error {
	if n == nil || strings.TrimSpace(n.UserID) == "" || n.Type == "" {
		return appErrors.Clone(appErrors.ErrValidation, "notification recipient and type are required")
	}
	if err := s.repo.Create(ctx, n); err != nil {
		s.metrics.RecordNotification(string(n.Type), OutcomeError)
		return appErrors.Internal(err, "failed to create notification")
	}
	s.metrics.RecordNotification(string(n.Type), OutcomeOK)
	s.publish(events.TypeNotificationCreated, n.ID, n.UserID, n)
	return nil
}

// ListForUser returns the caller's notifications, newest first.
func (s *NotificationService) ListForUser(ctx context.Context, userID string, filter models.NotificationFilter) ([]models.Notification, error) {
	if userID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	filter.UserID = userID
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list notifications")
	}
	if items == nil {
		items = []models.Notification{}
	}
	return items, nil
}

// UnreadCount returns how many notifications the user has not read yet.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, appErrors.ErrUnauthorized
	}
	total, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, appErrors.Internal(err, "failed to count notifications")
	}
	return total, nil
}

// MarkAsRead flags one of the caller's notifications as read.
func (s *NotificationService) MarkAsRead(ctx context.Context, id, userID string) error {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return err
	}
	if err := s.repo.MarkRead(ctx, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return appErrors.Internal(err, "failed to mark notification read")
	}
	s.publish(events.TypeNotificationRead, id, userID, nil)
	return nil
}

// MarkAllAsRead flags every unread notification of the caller.
func (s *NotificationService) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, appErrors.ErrUnauthorized
	}
	changed, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, appErrors.Internal(err, "failed to mark notifications read")
	}
	if changed > 0 {
		s.publish(events.TypeNotificationRead, "", userID, map[string]int64{"updated": changed})
	}
	return changed, nil
}

// Delete removes one of the caller's notifications.
func (s *NotificationService) Delete(ctx context.Context, id, userID string) error {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return appErrors.Internal(err, "failed to delete notification")
	}
	return nil
}

func (s *NotificationService) owned(ctx context.Context, id, userID string) (*models.Notification, error) {
	if userID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return nil, appErrors.Internal(err, "failed to load notification")
	}
	if n.UserID != userID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "notification belongs to another user")
	}
	return n, nil
}

func (s *NotificationService) publish(eventType, resourceID, userID string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       eventType,
		ResourceID: resourceID,
		UserIDs:    []string{userID},
		Payload:    payload,
		OccurredAt: s.now().UTC(),
	})
}

func newNotification(userID string, kind models.NotificationType, title, message, relatedID string, action models.NotificationActionType) *models.Notification {
	n := &models.Notification{
		UserID:         userID,
		Type:           kind,
		Title:          title,
		Message:        message,
		ActionType:     action,
		ActionRequired: action == models.ActionAcceptDecline,
	}
	if relatedID != "" {
		n.RelatedID = &relatedID
	}
	return n
}
