package dto

// CreateSessionRequest books or schedules a tutoring session. StudentID may be
// omitted when the caller is the student.
type CreateSessionRequest struct {
	StudentID string `json:"studentId"`
	TutorID   string `json:"tutorId"`
	Subject   string `json:"subject" validate:"required,max=120"`
	Topic     string `json:"topic" validate:"max=255"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"startTime" validate:"required,datetime=15:04"`
	EndTime   string `json:"endTime" validate:"required,datetime=15:04"`
	Location  string `json:"location" validate:"max=255"`
	Type      string `json:"type"`
	Notes     string `json:"notes"`
}

// UpdateSessionRequest edits descriptive fields. Version is optional and is
// superseded by the If-Match header when both are present.
type UpdateSessionRequest struct {
	Subject  *string `json:"subject" validate:"omitempty,min=1,max=120"`
	Topic    *string `json:"topic" validate:"omitempty,max=255"`
	Location *string `json:"location" validate:"omitempty,max=255"`
	Type     *string `json:"type"`
	Notes    *string `json:"notes"`
	Version  *int    `json:"version" validate:"omitempty,min=1"`
}

// ReasonRequest carries an optional free-text reason (decline, cancel, reschedule decline).
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// RescheduleRequest proposes a new slot for a session.
type RescheduleRequest struct {
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"startTime" validate:"required,datetime=15:04"`
	EndTime   string `json:"endTime" validate:"required,datetime=15:04"`
	Reason    string `json:"reason" validate:"max=500"`
}

// CompleteSessionRequest closes a session with the tutor's notes.
type CompleteSessionRequest struct {
	ProgressNote string `json:"progressNote" validate:"required"`
	Notes        string `json:"notes"`
	Homework     string `json:"homework"`
}

// RateSessionRequest records the student's rating of a completed session.
type RateSessionRequest struct {
	Rating   int    `json:"rating" validate:"required,min=1,max=5"`
	Feedback string `json:"feedback" validate:"max=2000"`
}

// SessionQuery mirrors supported listing filters.
type SessionQuery struct {
	StudentID string
	TutorID   string
	Status    []string
	Subject   string
	From      string
	To        string
	Page      int
	PageSize  int
}
