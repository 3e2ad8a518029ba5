package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/jobs"
)

type reportJobStore interface {
	Create(ctx context.Context, job *models.ReportJob) error
	GetByID(ctx context.Context, id string) (*models.ReportJob, error)
	MarkProcessing(ctx context.Context, id string, progress int) error
	MarkFinished(ctx context.Context, id, resultURL string, at time.Time) error
	MarkFailed(ctx context.Context, id, message string, final bool, at time.Time) error
	MarkExpired(ctx context.Context, ids []string) error
	ListUnfinished(ctx context.Context, limit int) ([]models.ReportJob, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error)
}

const (
	cleanupBatchSize  = 100
	recoveryBatchSize = 50
)

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type exportGenerator interface {
	Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error)
}

// ReportService orchestrates progress export jobs.
type ReportService struct {
	repo     reportJobStore
	users    participantLookup
	queue    jobDispatcher
	exporter *ExportService
	logger   *zap.Logger
	cfg      ReportServiceConfig
}

// ReportServiceConfig governs queue recovery and cleanup.
type ReportServiceConfig struct {
	ResultTTL       time.Duration
	CleanupInterval time.Duration
}

// ReportDownload aggregates resolved download data.
type ReportDownload struct {
	File      *os.File
	Filename  string
	Format    models.ReportFormat
	ExpiresAt time.Time
}

// NewReportService constructs the report service.
func NewReportService(repo reportJobStore, users participantLookup, queue jobDispatcher, exporter *ExportService, logger *zap.Logger, cfg ReportServiceConfig) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ReportService{
		repo:     repo,
		users:    users,
		queue:    queue,
		exporter: exporter,
		logger:   logger,
		cfg:      cfg,
	}
}

// CreateJob validates the request, persists the job and enqueues processing.
// Students may only export their own progress.
func (s *ReportService) CreateJob(ctx context.Context, req dto.ProgressReportRequest, actor *models.JWTClaims) (*dto.ReportJobResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	params, err := reportParams(req, actor)
	if err != nil {
		return nil, err
	}
	if err := s.ensureStudent(ctx, params.StudentID); err != nil {
		return nil, err
	}

	job := &models.ReportJob{
		Type:      models.ReportTypeStudentProgress,
		Params:    params,
		Status:    models.ReportStatusQueued,
		CreatedBy: actor.UserID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Internal(err, "failed to create report job")
	}
	if err := s.enqueue(job); err != nil {
		// A job the queue never saw would sit in QUEUED until the next restart.
		if markErr := s.repo.MarkFailed(ctx, job.ID, "queue rejected job", true, time.Now().UTC()); markErr != nil {
			s.logger.Warn("failed to close unqueued report job", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		return nil, appErrors.Internal(err, "failed to enqueue report job")
	}
	s.logger.Debug("report job queued", zap.String("job_id", job.ID), zap.String("student_id", params.StudentID), zap.String("format", string(params.Format)))
	return &dto.ReportJobResponse{ID: job.ID, Status: job.Status, Format: params.Format, CreatedAt: job.CreatedAt}, nil
}

// GetStatus exposes job metadata to its creator and to staff.
func (s *ReportService) GetStatus(ctx context.Context, id string, actor *models.JWTClaims) (*dto.ReportStatusResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CreatedBy != actor.UserID && !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}

	status := &dto.ReportStatusResponse{
		ID:         job.ID,
		Status:     job.Status,
		Progress:   job.Progress,
		Format:     job.Params.Format,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.Downloadable() {
		status.ResultURL = job.ResultURL
		if job.FinishedAt != nil {
			expires := job.FinishedAt.Add(s.cfg.ResultTTL)
			status.ExpiresAt = &expires
		}
	}
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		status.Error = job.ErrorMessage
	}
	return status, nil
}

// ResolveDownload checks a download token against its job and opens the file.
// Only the token most recently issued for a job is honoured.
func (s *ReportService) ResolveDownload(ctx context.Context, token string) (*ReportDownload, error) {
	claims, err := s.exporter.ParseToken(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download link is invalid or has expired")
	}
	job, err := s.load(ctx, claims.ResourceID)
	if err != nil {
		return nil, err
	}
	switch {
	case !job.Downloadable():
		return nil, appErrors.Clone(appErrors.ErrForbidden, "report is not available for download")
	case job.ResultToken() != token:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download link was superseded")
	}

	file, err := s.exporter.Open(claims.Path)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to open export file")
	}
	return &ReportDownload{
		File:      file,
		Filename:  filepath.Base(claims.Path),
		Format:    job.Params.Format,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// RecoverPendingJobs re-enqueues jobs that were queued or mid-flight when the
// process last stopped.
func (s *ReportService) RecoverPendingJobs(ctx context.Context) {
	unfinished, err := s.repo.ListUnfinished(ctx, recoveryBatchSize)
	if err != nil {
		s.logger.Warn("failed to list unfinished report jobs", zap.Error(err))
		return
	}
	var recovered int
	for i := range unfinished {
		if err := s.enqueue(&unfinished[i]); err != nil {
			s.logger.Warn("failed to requeue report job", zap.String("job_id", unfinished[i].ID), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("report jobs recovered", zap.Int("count", recovered), zap.Int("found", len(unfinished)))
	}
}

// StartCleanup expires finished exports every CleanupInterval until ctx ends.
func (s *ReportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	go func() {
		tick := time.NewTicker(s.cfg.CleanupInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				s.cleanupExpired(ctx)
			}
		}
	}()
}

func (s *ReportService) cleanupExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ResultTTL)
	// MarkExpired removes each batch from the next listing.
	for {
		n, err := s.expireBatch(ctx, cutoff)
		if err != nil {
			s.logger.Warn("report cleanup stopped", zap.Error(err))
			return
		}
		if n < cleanupBatchSize {
			break
		}
	}
	removed, err := s.exporter.Cleanup(s.cfg.ResultTTL)
	switch {
	case err != nil:
		s.logger.Warn("export directory sweep failed", zap.Error(err))
	case len(removed) > 0:
		s.logger.Debug("orphan export files removed", zap.Int("count", len(removed)))
	}
}

func (s *ReportService) expireBatch(ctx context.Context, cutoff time.Time) (int, error) {
	batch, err := s.repo.ListFinishedBefore(ctx, cutoff, cleanupBatchSize)
	if err != nil || len(batch) == 0 {
		return 0, err
	}
	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
		s.removeExportFile(&batch[i])
	}
	if err := s.repo.MarkExpired(ctx, ids); err != nil {
		return 0, fmt.Errorf("expire %d report jobs: %w", len(ids), err)
	}
	return len(batch), nil
}

func (s *ReportService) removeExportFile(job *models.ReportJob) {
	token := job.ResultToken()
	if token == "" {
		return
	}
	claims, err := s.exporter.ParseToken(token, true)
	if err != nil {
		return
	}
	if err := s.exporter.Delete(claims.Path); err != nil {
		s.logger.Warn("failed to delete export file", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *ReportService) enqueue(job *models.ReportJob) error {
	return s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type)})
}

func (s *ReportService) load(ctx context.Context, id string) (*models.ReportJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "report job not found")
	}
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load report job")
	}
	return job, nil
}

func (s *ReportService) ensureStudent(ctx context.Context, id string) error {
	if s.users == nil {
		return nil
	}
	user, err := s.users.FindByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	if err != nil {
		return appErrors.Internal(err, "failed to load student")
	}
	if user.Role != models.RoleStudent {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("user %s is not a student", id))
	}
	return nil
}

// reportParams normalises the request. CSV is the default format and a
// student's own id is the default subject of the export.
func reportParams(req dto.ProgressReportRequest, actor *models.JWTClaims) (models.ReportJobParams, error) {
	params := models.ReportJobParams{
		StudentID: strings.TrimSpace(req.StudentID),
		Subject:   strings.TrimSpace(req.Subject),
		Format:    models.ReportFormat(strings.ToLower(strings.TrimSpace(string(req.Format)))),
	}
	if params.Format == "" {
		params.Format = models.ReportFormatCSV
	}
	if !params.Format.Valid() {
		return params, appErrors.Clone(appErrors.ErrValidation, "unsupported report format")
	}
	if actor.Role == models.RoleStudent && params.StudentID == "" {
		params.StudentID = actor.UserID
	}
	switch {
	case params.StudentID == "":
		return params, appErrors.Clone(appErrors.ErrValidation, "studentId is required")
	case actor.Role == models.RoleStudent && params.StudentID != actor.UserID:
		return params, appErrors.Clone(appErrors.ErrForbidden, "students may only export their own progress")
	}
	return params, nil
}

// ReportWorker bridges queue jobs to ExportService.
type ReportWorker struct {
	repo        reportJobStore
	exporter    exportGenerator
	metrics     *MetricsService
	logger      *zap.Logger
	maxAttempts int
}

// NewReportWorker constructs a worker. metrics may be nil.
func NewReportWorker(repo reportJobStore, exporter exportGenerator, maxAttempts int, metrics *MetricsService, logger *zap.Logger) *ReportWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ReportWorker{
		repo:        repo,
		exporter:    exporter,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Handle runs one attempt of a queued export. Non-final failures put the job
// back in QUEUED so the status endpoint never shows a stale PROCESSING.
func (w *ReportWorker) Handle(ctx context.Context, job jobs.Job) error {
	record, err := w.repo.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := w.repo.MarkProcessing(ctx, job.ID, 10); err != nil {
		return err
	}
	format := string(record.Params.Format)

	started := time.Now()
	result, genErr := w.exporter.Generate(ctx, record)
	now := time.Now().UTC()
	if genErr != nil {
		final := job.Attempt >= w.maxAttempts
		outcome := OutcomeRetry
		if final {
			outcome = OutcomeError
		}
		w.metrics.RecordReportAttempt(format, outcome, time.Since(started))
		if err := w.repo.MarkFailed(ctx, job.ID, genErr.Error(), final, now); err != nil {
			w.logger.Warn("failed to record report failure", zap.String("job_id", job.ID), zap.Bool("final", final), zap.Error(err))
		}
		return genErr
	}
	w.metrics.RecordReportAttempt(format, OutcomeOK, time.Since(started))

	if err := w.repo.MarkFinished(ctx, job.ID, result.URL, now); err != nil {
		w.logger.Warn("failed to mark report finished", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	w.logger.Info("report generated", zap.String("job_id", job.ID), zap.String("format", format), zap.Int("attempt", job.Attempt))
	return nil
}
