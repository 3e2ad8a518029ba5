package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/bktutor-api/internal/models"
)

const reportJobColumns = `id, type, params, status, progress, result_url, created_by, created_at, finished_at, error_message`

// ReportRepository persists progress export jobs. Status changes go through
// one method per transition so the SQL stays static.
type ReportRepository struct {
	db *sqlx.DB
}

// NewReportRepository constructs the repository.
func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Create inserts a queued job.
func (r *ReportRepository) Create(ctx context.Context, job *models.ReportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ReportStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO report_jobs (id, type, params, status, progress, created_by, created_at)
	VALUES (:id, :type, :params, :status, :progress, :created_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create report job: %w", err)
	}
	return nil
}

// GetByID returns sql.ErrNoRows when the job does not exist.
func (r *ReportRepository) GetByID(ctx context.Context, id string) (*models.ReportJob, error) {
	var job models.ReportJob
	err := r.db.GetContext(ctx, &job, `SELECT `+reportJobColumns+` FROM report_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get report job %s: %w", id, err)
	}
	return &job, nil
}

// MarkProcessing flags a job as picked up by a worker.
func (r *ReportRepository) MarkProcessing(ctx context.Context, id string, progress int) error {
	return r.exec(ctx, "mark report job processing",
		`UPDATE report_jobs SET status = $1, progress = $2 WHERE id = $3`,
		models.ReportStatusProcessing, progress, id)
}

// MarkFinished stores the download link and clears any earlier error.
func (r *ReportRepository) MarkFinished(ctx context.Context, id, resultURL string, at time.Time) error {
	return r.exec(ctx, "mark report job finished",
		`UPDATE report_jobs SET status = $1, progress = 100, result_url = $2, error_message = NULL, finished_at = $3 WHERE id = $4`,
		models.ReportStatusFinished, resultURL, at, id)
}

// MarkFailed records an attempt failure. A final failure closes the job;
// otherwise it goes back to the queue with its progress reset.
func (r *ReportRepository) MarkFailed(ctx context.Context, id, message string, final bool, at time.Time) error {
	if final {
		return r.exec(ctx, "mark report job failed",
			`UPDATE report_jobs SET status = $1, progress = 100, error_message = $2, finished_at = $3 WHERE id = $4`,
			models.ReportStatusFailed, message, at, id)
	}
	return r.exec(ctx, "requeue report job",
		`UPDATE report_jobs SET status = $1, progress = 0, error_message = $2 WHERE id = $3`,
		models.ReportStatusQueued, message, id)
}

// MarkExpired closes finished jobs whose files were purged.
func (r *ReportRepository) MarkExpired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.exec(ctx, "mark report jobs expired",
		`UPDATE report_jobs SET status = $1, result_url = NULL WHERE id = ANY($2)`,
		models.ReportStatusExpired, pq.Array(ids))
}

// ListUnfinished returns queued jobs and jobs a crashed worker left in
// processing, oldest first.
func (r *ReportRepository) ListUnfinished(ctx context.Context, limit int) ([]models.ReportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + reportJobColumns + ` FROM report_jobs
	WHERE status IN ('QUEUED', 'PROCESSING') ORDER BY created_at ASC LIMIT $1`
	var out []models.ReportJob
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("list unfinished report jobs: %w", err)
	}
	return out, nil
}

// ListFinishedBefore returns finished jobs older than cutoff, oldest first.
func (r *ReportRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + reportJobColumns + ` FROM report_jobs
	WHERE status = 'FINISHED' AND finished_at < $1 ORDER BY finished_at ASC LIMIT $2`
	var out []models.ReportJob
	if err := r.db.SelectContext(ctx, &out, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list expired report jobs: %w", err)
	}
	return out, nil
}

func (r *ReportRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
