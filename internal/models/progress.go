package models

// ProgressRecord is the per-student, per-subject aggregate derived from completed sessions.
type ProgressRecord struct {
	StudentID        string   `json:"studentId"`
	Subject          string   `json:"subject"`
	SessionsAttended int      `json:"sessionsAttended"`
	RatedSessions    int      `json:"ratedSessions"`
	AverageRating    *float64 `json:"averageRating,omitempty"`
	ImprovementScore int      `json:"improvementScore"`
	LastSessionDate  string   `json:"lastSessionDate"`
}
