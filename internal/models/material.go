package models

import (
	"time"

	"github.com/lib/pq"
)

// Material is a shared study resource uploaded by a tutor or student.
type Material struct {
	ID          string         `db:"id" json:"id"`
	Title       string         `db:"title" json:"title"`
	Subject     string         `db:"subject" json:"subject"`
	Description string         `db:"description" json:"description"`
	UploadedBy  string         `db:"uploaded_by" json:"uploadedBy"`
	UploadDate  time.Time      `db:"upload_date" json:"uploadDate"`
	FileType    string         `db:"file_type" json:"fileType"`
	FileSize    int64          `db:"file_size" json:"fileSize"`
	Downloads   int            `db:"downloads" json:"downloads"`
	URL         string         `db:"url" json:"url"`
	StoragePath string         `db:"storage_path" json:"-"`
	SharedWith  pq.StringArray `db:"shared_with" json:"sharedWith"`
}

// IsVisibleTo reports whether userID owns the material or has it shared.
func (m *Material) IsVisibleTo(userID string) bool {
	if m.UploadedBy == userID {
		return true
	}
	for _, id := range m.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}

// MaterialFilter constrains listing queries.
type MaterialFilter struct {
	// VisibleTo limits results to materials uploaded by or shared with the user.
	VisibleTo string
	Subject   string
	Search    string
	Limit     int
	Offset    int
}
