package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

func completedSession(subject, date string, rating int) models.Session {
	s := models.Session{
		StudentID: "stu-1",
		TutorID:   "tut-1",
		Subject:   subject,
		Date:      date,
		StartTime: "09:00",
		EndTime:   "10:00",
		Status:    models.SessionStatusCompleted,
	}
	if rating > 0 {
		s.Rating = &rating
	}
	return s
}

func TestDeriveProgressGroupsBySubject(t *testing.T) {
	sessions := []models.Session{
		completedSession("Physics", "2026-02-10", 3),
		completedSession("Calculus", "2026-02-01", 2),
		completedSession("Calculus", "2026-02-15", 0),
		completedSession("Calculus", "2026-02-08", 4),
		{StudentID: "stu-1", Subject: "Calculus", Date: "2026-03-01", Status: models.SessionStatusConfirmed},
		{StudentID: "stu-2", Subject: "Calculus", Date: "2026-03-01", Status: models.SessionStatusCompleted},
	}

	records := DeriveProgress("stu-1", sessions)
	require.Len(t, records, 2)

	calc := records[0]
	assert.Equal(t, "Calculus", calc.Subject)
	assert.Equal(t, 3, calc.SessionsAttended)
	assert.Equal(t, 2, calc.RatedSessions)
	require.NotNil(t, calc.AverageRating)
	assert.InDelta(t, 3.0, *calc.AverageRating, 0.001)
	assert.Equal(t, "2026-02-15", calc.LastSessionDate)
	// 50*3/10 + 40*3/5 + 10*(4-2)/4 = 15 + 24 + 5
	assert.Equal(t, 44, calc.ImprovementScore)

	physics := records[1]
	assert.Equal(t, "Physics", physics.Subject)
	assert.Equal(t, 1, physics.SessionsAttended)
	// 5 + 24 + 0
	assert.Equal(t, 29, physics.ImprovementScore)
}

func TestDeriveProgressScoreBounds(t *testing.T) {
	var sessions []models.Session
	for i := 0; i < 14; i++ {
		sessions = append(sessions, completedSession("Chemistry", time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(models.DateLayout), 5))
	}
	records := DeriveProgress("stu-1", sessions)
	require.Len(t, records, 1)
	assert.Equal(t, 90, records[0].ImprovementScore)

	sessions = append(sessions[:1], completedSession("Chemistry", "2026-02-01", 1))
	sessions[0] = completedSession("Chemistry", "2026-01-01", 5)
	records = DeriveProgress("stu-1", sessions)
	// 10 + 24 - 10
	assert.Equal(t, 24, records[0].ImprovementScore)

	unrated := DeriveProgress("stu-1", []models.Session{completedSession("Art", "2026-01-01", 0)})
	assert.Nil(t, unrated[0].AverageRating)
	assert.Equal(t, 5, unrated[0].ImprovementScore)
}

func TestDeriveProgressIsIdempotent(t *testing.T) {
	sessions := []models.Session{
		completedSession("Calculus", "2026-02-08", 4),
		completedSession("Calculus", "2026-02-01", 2),
	}
	first := DeriveProgress("stu-1", sessions)
	second := DeriveProgress("stu-1", sessions)
	assert.Equal(t, first, second)
	assert.Equal(t, "2026-02-08", sessions[0].Date, "input must not be reordered")

	assert.Empty(t, DeriveProgress("stu-1", nil))
}

type stubCompletedLister struct {
	sessions []models.Session
	calls    int
	err      error
}

func (s *stubCompletedLister) ListCompletedByStudent(ctx context.Context, studentID string) ([]models.Session, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.sessions, nil
}

type memProgressCache struct {
	data    map[string][]models.ProgressRecord
	deleted []string
}

func (m *memProgressCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	records, ok := m.data[key]
	if !ok {
		return false, nil
	}
	*(dest.(*[]models.ProgressRecord)) = records
	return true, nil
}

func (m *memProgressCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.data[key] = value.([]models.ProgressRecord)
	return nil
}

func (m *memProgressCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.data, key)
		m.deleted = append(m.deleted, key)
	}
	return nil
}

func TestProgressServiceCachesUntilInvalidated(t *testing.T) {
	lister := &stubCompletedLister{sessions: []models.Session{completedSession("Calculus", "2026-02-01", 4)}}
	cache := &memProgressCache{data: map[string][]models.ProgressRecord{}}
	svc := NewProgressService(lister, cache, time.Minute, zap.NewNop())
	ctx := context.Background()

	first, err := svc.Compute(ctx, "stu-1")
	require.NoError(t, err)
	second, err := svc.Compute(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, lister.calls)

	lister.sessions = append(lister.sessions, completedSession("Calculus", "2026-02-08", 5))
	svc.Invalidate(ctx, "stu-1")
	assert.Equal(t, []string{"progress:stu-1"}, cache.deleted)

	third, err := svc.Compute(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 2, third[0].SessionsAttended)
	assert.Equal(t, 2, lister.calls)
}

func TestProgressServiceForStudentAccess(t *testing.T) {
	lister := &stubCompletedLister{sessions: []models.Session{
		completedSession("Calculus", "2026-02-01", 4),
		completedSession("Physics", "2026-02-02", 3),
	}}
	svc := NewProgressService(lister, nil, 0, nil)
	ctx := context.Background()

	_, err := svc.ForStudent(ctx, "stu-1", "", &models.JWTClaims{UserID: "stu-2", Role: models.RoleStudent})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	records, err := svc.ForStudent(ctx, "stu-1", "physics", &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Physics", records[0].Subject)

	records, err = svc.ForStudent(ctx, "stu-1", "", &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	lister.err = errors.New("db down")
	_, err = svc.ForStudent(ctx, "stu-1", "", &models.JWTClaims{UserID: "coord-1", Role: models.RoleCoordinator})
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}
