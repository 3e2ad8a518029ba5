package dto

import (
	"time"

	"github.com/noah-isme/bktutor-api/internal/models"
)

// ProgressReportRequest asks for an asynchronous export of a student's
// progress. Students omit StudentID; Subject narrows the export to one row.
type ProgressReportRequest struct {
	StudentID string              `json:"studentId"`
	Subject   string              `json:"subject"`
	Format    models.ReportFormat `json:"format" example:"csv"`
}

// ReportJobResponse acknowledges an accepted export.
type ReportJobResponse struct {
	ID        string              `json:"id"`
	Status    models.ReportStatus `json:"status"`
	Format    models.ReportFormat `json:"format"`
	CreatedAt time.Time           `json:"createdAt"`
}

// ReportStatusResponse is polled until Status is FINISHED, FAILED or EXPIRED.
// ResultURL and ExpiresAt are only set while the file can be downloaded.
type ReportStatusResponse struct {
	ID         string              `json:"id"`
	Status     models.ReportStatus `json:"status"`
	Progress   int                 `json:"progress"`
	Format     models.ReportFormat `json:"format"`
	CreatedAt  time.Time           `json:"createdAt"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
	ResultURL  *string             `json:"resultUrl,omitempty"`
	ExpiresAt  *time.Time          `json:"expiresAt,omitempty"`
	Error      *string             `json:"error,omitempty"`
}
