package models

import (
	"fmt"
	"strings"
	"time"
)

// Date and time layouts used for session scheduling fields.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// SessionStatus is the lifecycle state of a tutoring session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusConfirmed SessionStatus = "confirmed"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusDeclined  SessionStatus = "declined"
)

// sessionTransitions lists the states reachable from each state. The
// reschedule sub-flow never changes status and so has no entry here.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:   {SessionStatusConfirmed, SessionStatusDeclined, SessionStatusCancelled},
	SessionStatusConfirmed: {SessionStatusCompleted, SessionStatusCancelled},
}

// ParseSessionStatus normalises raw input. The legacy "scheduled" value maps
// to confirmed; anything else unknown is rejected.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	status := SessionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case SessionStatusPending, SessionStatusConfirmed, SessionStatusCompleted, SessionStatusCancelled, SessionStatusDeclined:
		return status, nil
	case "scheduled":
		return SessionStatusConfirmed, nil
	case "canceled":
		return SessionStatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown session status %q", raw)
	}
}

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusConfirmed, SessionStatusCompleted, SessionStatusCancelled, SessionStatusDeclined:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return len(sessionTransitions[s]) == 0
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, candidate := range sessionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the session still awaits an outcome.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusPending || s == SessionStatusConfirmed
}

// SessionType distinguishes meeting modes.
type SessionType string

const (
	SessionTypeInPerson SessionType = "in_person"
	SessionTypeOnline   SessionType = "online"
)

// ParseSessionType accepts the hyphenated spelling used by older clients.
func ParseSessionType(raw string) (SessionType, error) {
	normalised := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch SessionType(normalised) {
	case SessionTypeInPerson, SessionTypeOnline:
		return SessionType(normalised), nil
	case "":
		return SessionTypeInPerson, nil
	default:
		return "", fmt.Errorf("unknown session type %q", raw)
	}
}

// Session is a single scheduled tutoring meeting between one student and one tutor.
type Session struct {
	ID                string        `db:"id" json:"id"`
	StudentID         string        `db:"student_id" json:"studentId"`
	TutorID           string        `db:"tutor_id" json:"tutorId"`
	Subject           string        `db:"subject" json:"subject"`
	Topic             string        `db:"topic" json:"topic"`
	Date              string        `db:"date" json:"date"`
	StartTime         string        `db:"start_time" json:"startTime"`
	EndTime           string        `db:"end_time" json:"endTime"`
	Location          string        `db:"location" json:"location"`
	Type              SessionType   `db:"type" json:"type"`
	Status            SessionStatus `db:"status" json:"status"`
	Rating            *int          `db:"rating" json:"rating,omitempty"`
	Feedback          *string       `db:"feedback" json:"feedback,omitempty"`
	Notes             string        `db:"notes" json:"notes"`
	ProgressNote      *string       `db:"progress_note" json:"progressNote,omitempty"`
	Homework          *string       `db:"homework" json:"homework,omitempty"`
	CompletedAt       *time.Time    `db:"completed_at" json:"completedAt,omitempty"`
	DeclineReason     *string       `db:"decline_reason" json:"declineReason,omitempty"`
	CancelReason      *string       `db:"cancel_reason" json:"cancelReason,omitempty"`
	ReschedulePending bool          `db:"reschedule_pending" json:"reschedulePending"`
	ProposedDate      *string       `db:"proposed_date" json:"proposedDate,omitempty"`
	ProposedStartTime *string       `db:"proposed_start_time" json:"proposedStartTime,omitempty"`
	ProposedEndTime   *string       `db:"proposed_end_time" json:"proposedEndTime,omitempty"`
	ProposedBy        *string       `db:"proposed_by" json:"proposedBy,omitempty"`
	RescheduleReason  *string       `db:"reschedule_reason" json:"rescheduleReason,omitempty"`
	Version           int           `db:"version" json:"version"`
	CreatedBy         string        `db:"created_by" json:"createdBy"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updatedAt"`
}

// IsParty reports whether userID is the student or tutor of the session.
func (s *Session) IsParty(userID string) bool {
	return userID != "" && (userID == s.StudentID || userID == s.TutorID)
}

// Counterparty returns the other participant for a party, or "" otherwise.
func (s *Session) Counterparty(userID string) string {
	switch userID {
	case s.StudentID:
		return s.TutorID
	case s.TutorID:
		return s.StudentID
	default:
		return ""
	}
}

// ClearProposal drops every reschedule proposal field.
func (s *Session) ClearProposal() {
	s.ReschedulePending = false
	s.ProposedDate = nil
	s.ProposedStartTime = nil
	s.ProposedEndTime = nil
	s.ProposedBy = nil
	s.RescheduleReason = nil
}

// EndsAt resolves the scheduled end instant in loc.
func (s *Session) EndsAt(loc *time.Location) (time.Time, error) {
	return ParseSlot(s.Date, s.EndTime, loc)
}

// ParseSlot combines a date and a clock time into an instant.
func ParseSlot(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
}

// SessionFilter constrains listing queries.
type SessionFilter struct {
	StudentID string
	TutorID   string
	// PartyID matches sessions where the user is either student or tutor.
	PartyID  string
	Status   []SessionStatus
	Subject  string
	FromDate string
	ToDate   string
	Limit    int
	Offset   int
}
