package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

type completedSessionLister interface {
	ListCompletedByStudent(ctx context.Context, studentID string) ([]models.Session, error)
}

type progressCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ProgressCachePrefix namespaces cached progress records in redis.
const ProgressCachePrefix = "progress:"

// ProgressService serves derived progress records. The cache only memoises
// DeriveProgress and is dropped whenever a completion or rating lands.
type ProgressService struct {
	sessions completedSessionLister
	cache    progressCache
	ttl      time.Duration
	logger   *zap.Logger
}

// NewProgressService constructs the service; cache may be nil.
func NewProgressService(sessions completedSessionLister, cache progressCache, ttl time.Duration, logger *zap.Logger) *ProgressService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProgressService{sessions: sessions, cache: cache, ttl: ttl, logger: logger}
}

// ForStudent returns the student's records, optionally narrowed to one subject.
// Students may only read their own progress.
func (s *ProgressService) ForStudent(ctx context.Context, studentID, subject string, actor *models.JWTClaims) ([]models.ProgressRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role == models.RoleStudent && actor.UserID != studentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "students may only view their own progress")
	}
	records, err := s.Compute(ctx, studentID)
	if err != nil {
		return nil, err
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return records, nil
	}
	filtered := make([]models.ProgressRecord, 0, 1)
	for _, record := range records {
		if strings.EqualFold(record.Subject, subject) {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

// Compute derives the records for a student, consulting the cache first.
func (s *ProgressService) Compute(ctx context.Context, studentID string) ([]models.ProgressRecord, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "studentId is required")
	}
	key := progressCacheKey(studentID)
	if s.cache != nil {
		var cached []models.ProgressRecord
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	sessions, err := s.sessions.ListCompletedByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load completed sessions")
	}
	records := DeriveProgress(studentID, sessions)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, records, s.ttl); err != nil {
			s.logger.Warn("failed to cache progress", zap.String("student_id", studentID), zap.Error(err))
		}
	}
	return records, nil
}

// Invalidate drops the cached records of a student.
func (s *ProgressService) Invalidate(ctx context.Context, studentID string) {
	if s == nil || s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, progressCacheKey(studentID)); err != nil {
		s.logger.Warn("failed to invalidate progress cache", zap.String("student_id", studentID), zap.Error(err))
	}
}

func progressCacheKey(studentID string) string {
	return ProgressCachePrefix + studentID
}
