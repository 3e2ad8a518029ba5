package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/bktutor-api/internal/models"
)

// ErrVersionConflict is returned when an optimistic update loses the race.
var ErrVersionConflict = errors.New("session version conflict")

const sessionColumns = `id, student_id, tutor_id, subject, topic, date, start_time, end_time, location, type, status,
       rating, feedback, notes, progress_note, homework, completed_at, decline_reason, cancel_reason,
       reschedule_pending, proposed_date, proposed_start_time, proposed_end_time, proposed_by, reschedule_reason,
       version, created_by, created_at, updated_at`

// SessionRepository persists tutoring sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session row at version 1.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt
	session.Version = 1

	const query = `INSERT INTO sessions
	(id, student_id, tutor_id, subject, topic, date, start_time, end_time, location, type, status, notes, version, created_by, created_at, updated_at)
	VALUES (:id, :student_id, :tutor_id, :subject, :topic, :date, :start_time, :end_time, :location, :type, :status, :notes, :version, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByID fetches a session by identifier.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// List returns sessions matching the filter ordered by slot, plus the total count.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error) {
	var where whereBuilder
	if filter.StudentID != "" {
		where.eq("student_id", filter.StudentID)
	}
	if filter.TutorID != "" {
		where.eq("tutor_id", filter.TutorID)
	}
	if filter.PartyID != "" {
		where.bind("(student_id = $? OR tutor_id = $?)", filter.PartyID)
	}
	statuses := make([]string, len(filter.Status))
	for i, status := range filter.Status {
		statuses[i] = string(status)
	}
	where.in("status", statuses)
	if filter.Subject != "" {
		where.eq("subject", filter.Subject)
	}
	if filter.FromDate != "" {
		where.bind("date >= $?", filter.FromDate)
	}
	if filter.ToDate != "" {
		where.bind("date <= $?", filter.ToDate)
	}
	limit, offset := window(filter.Limit, filter.Offset, 50, 200)

	listQuery := fmt.Sprintf("SELECT %s FROM sessions%s ORDER BY date DESC, start_time DESC LIMIT %d OFFSET %d", sessionColumns, where.clause(), limit, offset)
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, listQuery, where.args...); err != nil {
		if isMalformedID(err) {
			// A participant filter that is not a uuid matches nothing.
			return []models.Session{}, 0, nil
		}
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM sessions"+where.clause(), where.args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return sessions, total, nil
}

// ListCompletedByStudent returns a student's completed sessions in chronological order.
func (r *SessionRepository) ListCompletedByStudent(ctx context.Context, studentID string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE student_id = $1 AND status = $2 ORDER BY date ASC, start_time ASC`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, studentID, models.SessionStatusCompleted); err != nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	return sessions, nil
}

// Update writes every mutable column when the stored version still matches
// session.Version, then bumps the version on the passed struct.
func (r *SessionRepository) Update(ctx context.Context, session *models.Session) error {
	expected := session.Version
	next := *session
	next.Version = expected + 1
	next.UpdatedAt = time.Now().UTC()

	const query = `UPDATE sessions SET
	subject = :subject, topic = :topic, date = :date, start_time = :start_time, end_time = :end_time,
	location = :location, type = :type, status = :status, rating = :rating, feedback = :feedback, notes = :notes,
	progress_note = :progress_note, homework = :homework, completed_at = :completed_at,
	decline_reason = :decline_reason, cancel_reason = :cancel_reason, reschedule_pending = :reschedule_pending,
	proposed_date = :proposed_date, proposed_start_time = :proposed_start_time, proposed_end_time = :proposed_end_time,
	proposed_by = :proposed_by, reschedule_reason = :reschedule_reason, version = :version, updated_at = :updated_at
	WHERE id = :id AND version = :expected_version`

	arg := struct {
		models.Session
		ExpectedVersion int `db:"expected_version"`
	}{Session: next, ExpectedVersion: expected}
	result, err := r.db.NamedExecContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check session update rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	*session = next
	return nil
}
