package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/models"
	"github.com/noah-isme/bktutor-api/pkg/export"
	"github.com/noah-isme/bktutor-api/pkg/storage"
)

type progressSource interface {
	Compute(ctx context.Context, studentID string) ([]models.ProgressRecord, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// Renderer turns a dataset into the bytes of one export format.
type Renderer func(data export.Dataset, title string) ([]byte, error)

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult describes a stored export and its signed download link.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	Size         int
	ExpiresAt    time.Time
}

// ExportService renders progress records into files and signs download links.
type ExportService struct {
	progress  progressSource
	users     participantLookup
	storage   fileStorage
	signer    *storage.SignedURLSigner
	renderers map[models.ReportFormat]Renderer
	logger    *zap.Logger
	cfg       ExportConfig
	now       func() time.Time
}

// NewExportService wires CSV and PDF rendering; Register adds or replaces a format.
func NewExportService(progress progressSource, users participantLookup, files fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.APIPrefix = strings.TrimRight(cfg.APIPrefix, "/"); cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	csv, pdf := export.NewCSVExporter(), export.NewPDFExporter()
	return &ExportService{
		progress: progress,
		users:    users,
		storage:  files,
		signer:   signer,
		renderers: map[models.ReportFormat]Renderer{
			models.ReportFormatCSV: func(data export.Dataset, _ string) ([]byte, error) { return csv.Render(data) },
			models.ReportFormatPDF: pdf.Render,
		},
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Register installs the renderer for format.
func (s *ExportService) Register(format models.ReportFormat, r Renderer) {
	s.renderers[format] = r
}

// Generate renders the job's dataset, stores it and signs a download URL.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, errors.New("export: nil job")
	}
	render, ok := s.renderers[job.Params.Format]
	if !ok {
		return nil, fmt.Errorf("export: unsupported format %q", job.Params.Format)
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}
	payload, err := render(dataset, title)
	if err != nil {
		return nil, fmt.Errorf("export: render %s: %w", job.Params.Format, err)
	}

	relPath, err := s.storage.Save(s.filename(job), payload)
	if err != nil {
		return nil, fmt.Errorf("export: store: %w", err)
	}
	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, fmt.Errorf("export: sign: %w", err)
	}
	s.logger.Debug("export stored",
		zap.String("job_id", job.ID),
		zap.String("path", relPath),
		zap.Int("rows", len(dataset.Rows)),
		zap.Int("bytes", len(payload)))

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          s.cfg.APIPrefix + "/export/" + token,
		Format:       job.Params.Format,
		Size:         len(payload),
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken verifies a download token. allowExpired is used by cleanup.
func (s *ExportService) ParseToken(token string, allowExpired bool) (*storage.SignedToken, error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl, or the configured ResultTTL when ttl <= 0.
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

// filename is <type>_<student>[_<subject>]_<utc stamp>.<format>.
func (s *ExportService) filename(job *models.ReportJob) string {
	parts := []string{strings.ToLower(string(job.Type)), slug(job.Params.StudentID)}
	if job.Params.Subject != "" {
		parts = append(parts, slug(job.Params.Subject))
	}
	parts = append(parts, s.now().UTC().Format("20060102_150405"))
	return strings.Join(parts, "_") + "." + string(job.Params.Format)
}

// slug keeps letters, digits and dashes; anything else becomes a dash.
func slug(raw string) string {
	const maxLen = 64
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if b.Len() >= maxLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('-')
		}
	}
	if out := strings.Trim(b.String(), "-"); out != "" {
		return out
	}
	return "na"
}

var progressColumns = []export.Column{
	{Title: "Subject", Weight: 2},
	{Title: "Sessions Attended", Numeric: true},
	{Title: "Rated Sessions", Numeric: true},
	{Title: "Average Rating", Numeric: true},
	{Title: "Improvement Score", Numeric: true},
	{Title: "Last Session", Weight: 1.2},
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	if job.Type != models.ReportTypeStudentProgress {
		return export.Dataset{}, "", fmt.Errorf("export: unsupported report type %q", job.Type)
	}
	records, err := s.progress.Compute(ctx, job.Params.StudentID)
	if err != nil {
		return export.Dataset{}, "", fmt.Errorf("export: compute progress: %w", err)
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		if job.Params.Subject != "" && !strings.EqualFold(rec.Subject, job.Params.Subject) {
			continue
		}
		avg := "-"
		if rec.AverageRating != nil {
			avg = strconv.FormatFloat(*rec.AverageRating, 'f', 2, 64)
		}
		rows = append(rows, []string{
			rec.Subject,
			strconv.Itoa(rec.SessionsAttended),
			strconv.Itoa(rec.RatedSessions),
			avg,
			strconv.Itoa(rec.ImprovementScore),
			rec.LastSessionDate,
		})
	}

	title := "Progress Report " + s.studentName(ctx, job.Params.StudentID)
	if job.Params.Subject != "" {
		title += " (" + job.Params.Subject + ")"
	}
	return export.Dataset{Columns: progressColumns, Rows: rows}, title, nil
}

func (s *ExportService) studentName(ctx context.Context, id string) string {
	if s.users == nil {
		return id
	}
	student, err := s.users.FindByID(ctx, id)
	if err != nil || student.FullName == "" {
		return id
	}
	return student.FullName
}
