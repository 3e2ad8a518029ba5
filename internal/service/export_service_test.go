package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/models"
	"github.com/noah-isme/bktutor-api/pkg/export"
	"github.com/noah-isme/bktutor-api/pkg/storage"
)

type progressSourceStub struct {
	records []models.ProgressRecord
	err     error
}

func (p progressSourceStub) Compute(ctx context.Context, studentID string) ([]models.ProgressRecord, error) {
	return p.records, p.err
}

func sampleProgress() []models.ProgressRecord {
	avg := 4.5
	return []models.ProgressRecord{
		{StudentID: "stu-1", Subject: "Calculus", SessionsAttended: 4, RatedSessions: 2, AverageRating: &avg, ImprovementScore: 61, LastSessionDate: "2026-02-20"},
		{StudentID: "stu-1", Subject: "Physics", SessionsAttended: 1, ImprovementScore: 5, LastSessionDate: "2026-02-02"},
	}
}

func newExportServiceForTest(t *testing.T) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("reports", "secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	users := &mockUserRepo{users: map[string]*models.User{"stu-1": {ID: "stu-1", FullName: "An Nguyen", Role: models.RoleStudent, Active: true}}}
	svc := NewExportService(progressSourceStub{records: sampleProgress()}, users, store, signer, cfg, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC) }
	return svc, store
}

func TestExportServiceGenerateCSV(t *testing.T) {
	svc, store := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-1",
		Type:      models.ReportTypeStudentProgress,
		Params:    models.ReportJobParams{StudentID: "stu-1", Subject: "calculus", Format: models.ReportFormatCSV},
		CreatedBy: "stu-1",
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "student_progress_stu-1_calculus_20260301_083000.csv", result.RelativePath)
	assert.Equal(t, "/api/v1/export/"+result.Token, result.URL)
	assert.Positive(t, result.Size)

	file, err := store.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	content, err := io.ReadAll(file)
	require.NoError(t, err)
	text := string(content)
	assert.True(t, strings.HasPrefix(text, "Subject,Sessions Attended"))
	assert.Contains(t, text, "Calculus,4,2,4.50,61,2026-02-20")
	assert.NotContains(t, text, "Physics")

	claims, err := svc.ParseToken(result.Token, false)
	require.NoError(t, err)
	assert.Equal(t, "job-1", claims.ResourceID)
	assert.Equal(t, result.RelativePath, claims.Path)
}

func TestExportServiceGeneratePDF(t *testing.T) {
	svc, store := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-2",
		Type:      models.ReportTypeStudentProgress,
		Params:    models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatPDF},
		CreatedBy: "coord-1",
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.ReportFormatPDF, result.Format)

	file, err := store.Open(result.RelativePath)
	require.NoError(t, err)
	defer file.Close()
	info, err := file.Stat()
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportServiceRejectsUnknownType(t *testing.T) {
	svc, _ := newExportServiceForTest(t)
	_, err := svc.Generate(context.Background(), &models.ReportJob{ID: "job-3", Type: "attendance", Params: models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatCSV}})
	require.Error(t, err)
}

func TestExportServiceRegisteredRenderer(t *testing.T) {
	svc, _ := newExportServiceForTest(t)
	_, err := svc.Generate(context.Background(), &models.ReportJob{ID: "job-4", Type: models.ReportTypeStudentProgress, Params: models.ReportJobParams{StudentID: "stu-1", Format: "xlsx"}})
	require.Error(t, err)

	var title string
	svc.Register("xlsx", func(data export.Dataset, t string) ([]byte, error) {
		title = t
		return []byte("sheet"), nil
	})
	result, err := svc.Generate(context.Background(), &models.ReportJob{ID: "job-4", Type: models.ReportTypeStudentProgress, Params: models.ReportJobParams{StudentID: "stu-1", Subject: "Physics", Format: "xlsx"}})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Size)
	assert.Equal(t, "Progress Report An Nguyen (Physics)", title)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "na", slug("  "))
	assert.Equal(t, "linear-algebra", slug("Linear Algebra"))
	assert.Equal(t, "a-b", slug("../a/b"))
	assert.Equal(t, "h-a", slug("Hóa"))
}
