package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/jobs"
)

type reportRepoStub struct {
	jobs map[string]*models.ReportJob
}

func newReportRepoStub() *reportRepoStub {
	return &reportRepoStub{jobs: map[string]*models.ReportJob{}}
}

func (r *reportRepoStub) Create(ctx context.Context, job *models.ReportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *reportRepoStub) GetByID(ctx context.Context, id string) (*models.ReportJob, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return job, nil
}

func (r *reportRepoStub) job(id string) (*models.ReportJob, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return job, nil
}

func (r *reportRepoStub) MarkProcessing(ctx context.Context, id string, progress int) error {
	job, err := r.job(id)
	if err != nil {
		return err
	}
	job.Status, job.Progress = models.ReportStatusProcessing, progress
	return nil
}

func (r *reportRepoStub) MarkFinished(ctx context.Context, id, resultURL string, at time.Time) error {
	job, err := r.job(id)
	if err != nil {
		return err
	}
	job.Status, job.Progress, job.ResultURL, job.FinishedAt, job.ErrorMessage = models.ReportStatusFinished, 100, &resultURL, &at, nil
	return nil
}

func (r *reportRepoStub) MarkFailed(ctx context.Context, id, message string, final bool, at time.Time) error {
	job, err := r.job(id)
	if err != nil {
		return err
	}
	job.ErrorMessage = &message
	if final {
		job.Status, job.Progress, job.FinishedAt = models.ReportStatusFailed, 100, &at
		return nil
	}
	job.Status, job.Progress = models.ReportStatusQueued, 0
	return nil
}

func (r *reportRepoStub) MarkExpired(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if job, ok := r.jobs[id]; ok {
			job.Status, job.ResultURL = models.ReportStatusExpired, nil
		}
	}
	return nil
}

func (r *reportRepoStub) ListUnfinished(ctx context.Context, limit int) ([]models.ReportJob, error) {
	var out []models.ReportJob
	for _, job := range r.jobs {
		if job.Status == models.ReportStatusQueued || job.Status == models.ReportStatusProcessing {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (r *reportRepoStub) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error) {
	var out []models.ReportJob
	for _, job := range r.jobs {
		if job.Status == models.ReportStatusFinished && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

type queueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *queueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newReportServiceForTest(t *testing.T) (*ReportService, *reportRepoStub, *queueStub, *ExportService) {
	t.Helper()
	repo := newReportRepoStub()
	queue := &queueStub{}
	exportSvc, _ := newExportServiceForTest(t)
	users := &mockUserRepo{users: map[string]*models.User{
		"stu-1": {ID: "stu-1", Role: models.RoleStudent, Active: true},
		"tut-1": {ID: "tut-1", Role: models.RoleTutor, Active: true},
	}}
	service := NewReportService(repo, users, queue, exportSvc, zap.NewNop(), ReportServiceConfig{
		ResultTTL:       time.Hour,
		CleanupInterval: time.Hour,
	})
	return service, repo, queue, exportSvc
}

func TestReportServiceCreateJob(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	resp, err := svc.CreateJob(context.Background(), dto.ProgressReportRequest{Format: "PDF"}, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, models.ReportStatusQueued, resp.Status)
	require.Contains(t, repo.jobs, resp.ID)
	assert.Equal(t, "stu-1", repo.jobs[resp.ID].Params.StudentID)
	assert.Equal(t, models.ReportFormatPDF, repo.jobs[resp.ID].Params.Format)
}

func TestReportServiceCreateJobValidation(t *testing.T) {
	svc, _, queue, _ := newReportServiceForTest(t)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, dto.ProgressReportRequest{StudentID: "stu-2"}, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = svc.CreateJob(ctx, dto.ProgressReportRequest{}, &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.CreateJob(ctx, dto.ProgressReportRequest{StudentID: "tut-1"}, &models.JWTClaims{UserID: "coord-1", Role: models.RoleCoordinator})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.CreateJob(ctx, dto.ProgressReportRequest{StudentID: "stu-1", Format: "xlsx"}, &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.CreateJob(ctx, dto.ProgressReportRequest{StudentID: "ghost"}, &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.Empty(t, queue.jobs)
}

func TestReportServiceGetStatus(t *testing.T) {
	svc, repo, _, _ := newReportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-1",
		Type:      models.ReportTypeStudentProgress,
		Params:    models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatCSV},
		Status:    models.ReportStatusFinished,
		Progress:  100,
		CreatedBy: "tut-1",
	}
	finished := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	url := "/api/v1/export/abc"
	job.FinishedAt, job.ResultURL = &finished, &url
	repo.jobs[job.ID] = job
	resp, err := svc.GetStatus(context.Background(), job.ID, &models.JWTClaims{UserID: "tut-1", Role: models.RoleTutor})
	require.NoError(t, err)
	assert.Equal(t, job.Status, resp.Status)
	assert.Equal(t, job.Progress, resp.Progress)
	assert.Equal(t, models.ReportFormatCSV, resp.Format)
	require.NotNil(t, resp.ResultURL)
	require.NotNil(t, resp.ExpiresAt)
	assert.True(t, resp.ExpiresAt.After(finished))

	_, err = svc.GetStatus(context.Background(), job.ID, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	_, err = svc.GetStatus(context.Background(), job.ID, &models.JWTClaims{UserID: "chair-1", Role: models.RoleChair})
	assert.NoError(t, err)
	_, err = svc.GetStatus(context.Background(), "missing", &models.JWTClaims{UserID: "chair-1", Role: models.RoleChair})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestReportServiceResolveDownload(t *testing.T) {
	svc, repo, _, exportSvc := newReportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-download",
		Type:      models.ReportTypeStudentProgress,
		Params:    models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatCSV},
		Status:    models.ReportStatusFinished,
		Progress:  100,
		CreatedBy: "stu-1",
	}
	repo.jobs[job.ID] = job
	result, err := exportSvc.Generate(context.Background(), job)
	require.NoError(t, err)
	job.ResultURL = &result.URL
	now := time.Now()
	job.FinishedAt = &now

	download, err := svc.ResolveDownload(context.Background(), result.Token)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(result.RelativePath), download.Filename)
	download.File.Close()

	_, err = svc.ResolveDownload(context.Background(), "garbage")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	reissued := "/api/v1/export/reissued-token"
	job.ResultURL = &reissued
	_, err = svc.ResolveDownload(context.Background(), result.Token)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	job.ResultURL, job.Status = &result.URL, models.ReportStatusExpired
	_, err = svc.ResolveDownload(context.Background(), result.Token)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

type exportStub struct {
	result *ExportResult
	err    error
}

func (e exportStub) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func TestReportWorkerHandleSuccess(t *testing.T) {
	repo := &reportRepoStub{
		jobs: map[string]*models.ReportJob{
			"job-1": {
				ID:        "job-1",
				Type:      models.ReportTypeStudentProgress,
				Params:    models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatCSV},
				Status:    models.ReportStatusQueued,
				CreatedBy: "admin",
			},
		},
	}
	exporter := exportStub{result: &ExportResult{URL: "/api/v1/export/token"}}
	worker := NewReportWorker(repo, exporter, 3, nil, zap.NewNop())

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, models.ReportStatusFinished, repo.jobs["job-1"].Status)
	require.Equal(t, 100, repo.jobs["job-1"].Progress)
}

func TestReportWorkerHandleFailureRetries(t *testing.T) {
	repo := &reportRepoStub{
		jobs: map[string]*models.ReportJob{
			"job-1": {
				ID:        "job-1",
				Type:      models.ReportTypeStudentProgress,
				Params:    models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatCSV},
				Status:    models.ReportStatusQueued,
				CreatedBy: "admin",
			},
		},
	}
	exporter := exportStub{err: errors.New("boom")}
	worker := NewReportWorker(repo, exporter, 2, NewMetricsService(), zap.NewNop())

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 1})
	require.Error(t, err)
	assert.Equal(t, models.ReportStatusQueued, repo.jobs["job-1"].Status)
	assert.Zero(t, repo.jobs["job-1"].Progress)
	require.NotNil(t, repo.jobs["job-1"].ErrorMessage)
	assert.Equal(t, "boom", *repo.jobs["job-1"].ErrorMessage)

	err = worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 2})
	require.Error(t, err)
	assert.Equal(t, models.ReportStatusFailed, repo.jobs["job-1"].Status)
	assert.NotNil(t, repo.jobs["job-1"].FinishedAt)
}

func TestReportServiceRecoverPendingJobs(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	repo.jobs["queued"] = &models.ReportJob{ID: "queued", Type: models.ReportTypeStudentProgress, Status: models.ReportStatusQueued}
	repo.jobs["stuck"] = &models.ReportJob{ID: "stuck", Type: models.ReportTypeStudentProgress, Status: models.ReportStatusProcessing}
	repo.jobs["done"] = &models.ReportJob{ID: "done", Type: models.ReportTypeStudentProgress, Status: models.ReportStatusFinished}

	svc.RecoverPendingJobs(context.Background())

	ids := make([]string, 0, len(queue.jobs))
	for _, job := range queue.jobs {
		ids = append(ids, job.ID)
	}
	assert.ElementsMatch(t, []string{"queued", "stuck"}, ids)
}

func TestReportServiceCleanupExpiresOldExports(t *testing.T) {
	svc, repo, _, exportSvc := newReportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-old",
		Type:      models.ReportTypeStudentProgress,
		Params:    models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatCSV},
		CreatedBy: "stu-1",
	}
	repo.jobs[job.ID] = job
	result, err := exportSvc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFinished(context.Background(), job.ID, result.URL, time.Now().Add(-2*time.Hour)))

	svc.cleanupExpired(context.Background())

	assert.Equal(t, models.ReportStatusExpired, job.Status)
	assert.Nil(t, job.ResultURL)
	_, err = exportSvc.Open(result.RelativePath)
	assert.Error(t, err)

	resp, err := svc.GetStatus(context.Background(), job.ID, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	require.NoError(t, err)
	assert.Nil(t, resp.ResultURL)
}
