package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/dto"
	"github.com/noah-isme/bktutor-api/internal/models"
	"github.com/noah-isme/bktutor-api/internal/repository"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/events"
)

// Lifecycle operation names, used as metric labels and in audit payloads.
const (
	OpCreate            = "create"
	OpUpdate            = "update"
	OpAccept            = "accept"
	OpDecline           = "decline"
	OpCancel            = "cancel"
	OpReschedule        = "reschedule"
	OpAcceptReschedule  = "reschedule_accept"
	OpDeclineReschedule = "reschedule_decline"
	OpComplete          = "complete"
	OpRate              = "rate"
)

type sessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error)
	Update(ctx context.Context, session *models.Session) error
}

type participantLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type notificationSender interface {
	Dispatch(ctx context.Context, n *models.Notification) error
}

type progressInvalidator interface {
	Invalidate(ctx context.Context, studentID string)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// SessionService owns the session state machine and its side effects.
type SessionService struct {
	sessions       sessionStore
	users          participantLookup
	notifier       notificationSender
	progress       progressInvalidator
	bus            eventPublisher
	audit          auditLogger
	metrics        *MetricsService
	validator      *validator.Validate
	logger         *zap.Logger
	location       *time.Location
	requireElapsed bool
	now            func() time.Time
}

// SessionServiceOption configures the service.
type SessionServiceOption func(*SessionService)

// WithSessionEvents publishes session.updated after every committed change.
func WithSessionEvents(bus eventPublisher) SessionServiceOption {
	return func(s *SessionService) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithSessionAudit records audit rows for every committed change.
func WithSessionAudit(audit auditLogger) SessionServiceOption {
	return func(s *SessionService) {
		if audit != nil {
			s.audit = audit
		}
	}
}

// WithSessionMetrics counts operations by outcome.
func WithSessionMetrics(metrics *MetricsService) SessionServiceOption {
	return func(s *SessionService) {
		s.metrics = metrics
	}
}

// WithProgressInvalidator drops cached progress after completion and rating.
func WithProgressInvalidator(progress progressInvalidator) SessionServiceOption {
	return func(s *SessionService) {
		if progress != nil {
			s.progress = progress
		}
	}
}

// WithCompletionPolicy sets whether completion waits for the scheduled end
// time, interpreted in loc.
func WithCompletionPolicy(requireElapsed bool, loc *time.Location) SessionServiceOption {
	return func(s *SessionService) {
		s.requireElapsed = requireElapsed
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionServiceOption {
	return func(s *SessionService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessionService constructs the service with defaults.
func NewSessionService(sessions sessionStore, users participantLookup, notifier notificationSender, validate *validator.Validate, logger *zap.Logger, opts ...SessionServiceOption) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	svc := &SessionService{
		sessions:       sessions,
		users:          users,
		notifier:       notifier,
		validator:      validate,
		logger:         logger,
		location:       time.UTC,
		requireElapsed: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create books a session. Students book for themselves and start pending;
// tutors schedule their own sessions and staff schedule for anyone, both
// starting confirmed.
func (s *SessionService) Create(ctx context.Context, req dto.CreateSessionRequest, actor *models.JWTClaims) (*models.Session, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid session payload")
	}
	sessionType, err := models.ParseSessionType(req.Type)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if err := s.validateSlot(req.Date, req.StartTime, req.EndTime); err != nil {
		return nil, err
	}

	studentID := strings.TrimSpace(req.StudentID)
	tutorID := strings.TrimSpace(req.TutorID)
	switch {
	case actor.Role == models.RoleStudent:
		if studentID == "" {
			studentID = actor.UserID
		}
		if studentID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "students may only book sessions for themselves")
		}
	case actor.Role == models.RoleTutor:
		if tutorID == "" {
			tutorID = actor.UserID
		}
		if tutorID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "tutors may only schedule their own sessions")
		}
	case actor.Role.IsStaff():
	default:
		return nil, appErrors.ErrForbidden
	}
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "studentId is required")
	}
	if tutorID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "tutorId is required")
	}
	if studentID == tutorID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student and tutor must be different users")
	}

	student, err := s.requireParticipant(ctx, studentID, models.RoleStudent)
	if err != nil {
		return nil, err
	}
	tutor, err := s.requireParticipant(ctx, tutorID, models.RoleTutor)
	if err != nil {
		return nil, err
	}

	status := models.SessionStatusConfirmed
	if actor.Role == models.RoleStudent {
		status = models.SessionStatusPending
	}
	session := &models.Session{
		StudentID: student.ID,
		TutorID:   tutor.ID,
		Subject:   strings.TrimSpace(req.Subject),
		Topic:     strings.TrimSpace(req.Topic),
		Date:      req.Date,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Location:  strings.TrimSpace(req.Location),
		Type:      sessionType,
		Status:    status,
		Notes:     req.Notes,
		CreatedBy: actor.UserID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		s.metrics.RecordSessionTransition(OpCreate, OutcomeError)
		return nil, appErrors.Internal(err, "failed to create session")
	}
	s.metrics.RecordSessionTransition(OpCreate, OutcomeOK)

	slot := describeSlot(session)
	var notifications []*models.Notification
	switch {
	case actor.Role == models.RoleStudent:
		notifications = append(notifications, newNotification(tutor.ID, models.NotificationSessionRequest,
			"New session request",
			fmt.Sprintf("%s requested a %s session %s.", student.FullName, session.Subject, slot),
			session.ID, models.ActionAcceptDecline))
	case actor.Role == models.RoleTutor:
		notifications = append(notifications, newNotification(student.ID, models.NotificationSessionScheduled,
			"Session scheduled",
			fmt.Sprintf("%s scheduled a %s session with you %s.", tutor.FullName, session.Subject, slot),
			session.ID, models.ActionAcknowledge))
	default:
		notifications = append(notifications,
			newNotification(student.ID, models.NotificationSessionScheduled, "Session scheduled",
				fmt.Sprintf("A %s session with %s was scheduled %s.", session.Subject, tutor.FullName, slot),
				session.ID, models.ActionAcknowledge),
			newNotification(tutor.ID, models.NotificationSessionScheduled, "Session scheduled",
				fmt.Sprintf("A %s session with %s was scheduled %s.", session.Subject, student.FullName, slot),
				session.ID, models.ActionAcknowledge))
	}

	s.afterCommit(ctx, session, nil, actor, OpCreate, notifications)
	return session, nil
}

// Get returns a session visible to the actor.
func (s *SessionService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Session, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.IsParty(actor.UserID) && !actor.Role.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session belongs to other users")
	}
	return session, nil
}

// List returns sessions. Students and tutors only ever see their own.
func (s *SessionService) List(ctx context.Context, query dto.SessionQuery, actor *models.JWTClaims) ([]models.Session, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	filter := models.SessionFilter{
		StudentID: strings.TrimSpace(query.StudentID),
		TutorID:   strings.TrimSpace(query.TutorID),
		Subject:   strings.TrimSpace(query.Subject),
		FromDate:  strings.TrimSpace(query.From),
		ToDate:    strings.TrimSpace(query.To),
	}
	for _, raw := range query.Status {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := models.ParseSessionStatus(part)
			if err != nil {
				return nil, nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
			}
			filter.Status = append(filter.Status, status)
		}
	}
	for _, date := range []string{filter.FromDate, filter.ToDate} {
		if date == "" {
			continue
		}
		if _, err := time.Parse(models.DateLayout, date); err != nil {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, "from and to must be YYYY-MM-DD dates")
		}
	}

	switch {
	case actor.Role == models.RoleStudent:
		if filter.StudentID != "" && filter.StudentID != actor.UserID {
			return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "students may only list their own sessions")
		}
		filter.StudentID = actor.UserID
	case actor.Role == models.RoleTutor:
		if filter.TutorID != "" && filter.TutorID != actor.UserID {
			return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "tutors may only list their own sessions")
		}
		filter.TutorID = actor.UserID
	case actor.Role.IsStaff():
	default:
		return nil, nil, appErrors.ErrForbidden
	}

	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	sessions, total, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list sessions")
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return sessions, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Update edits descriptive fields of an active session and notifies the
// counterparty, or both participants when staff make the edit. expectedVersion
// of 0 falls back to req.Version and skips the check when both are absent.
func (s *SessionService) Update(ctx context.Context, id string, req dto.UpdateSessionRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid session payload")
	}
	if expectedVersion <= 0 && req.Version != nil {
		expectedVersion = *req.Version
	}
	return s.transition(ctx, id, expectedVersion, actor, OpUpdate, func(session *models.Session) ([]*models.Notification, error) {
		if !session.Status.IsActive() {
			return nil, invalidTransition(OpUpdate, session.Status)
		}
		if !session.IsParty(actor.UserID) && !actor.Role.IsStaff() {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only participants or staff may edit this session")
		}
		if req.Subject != nil {
			session.Subject = strings.TrimSpace(*req.Subject)
		}
		if req.Topic != nil {
			session.Topic = strings.TrimSpace(*req.Topic)
		}
		if req.Location != nil {
			session.Location = strings.TrimSpace(*req.Location)
		}
		if req.Notes != nil {
			session.Notes = *req.Notes
		}
		if req.Type != nil {
			sessionType, err := models.ParseSessionType(*req.Type)
			if err != nil {
				return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
			}
			session.Type = sessionType
		}
		message := fmt.Sprintf("Details of the %s session %s were updated.", session.Subject, describeSlot(session))
		var recipients []string
		if session.IsParty(actor.UserID) {
			recipients = []string{session.Counterparty(actor.UserID)}
		} else {
			recipients = []string{session.StudentID, session.TutorID}
		}
		notifications := make([]*models.Notification, 0, len(recipients))
		for _, userID := range recipients {
			notifications = append(notifications, newNotification(userID, models.NotificationSessionUpdated,
				"Session updated", message, session.ID, models.ActionAcknowledge))
		}
		return notifications, nil
	})
}

// Accept confirms a pending session. Only the tutor may accept.
func (s *SessionService) Accept(ctx context.Context, id string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	return s.transition(ctx, id, expectedVersion, actor, OpAccept, func(session *models.Session) ([]*models.Notification, error) {
		if !session.Status.CanTransitionTo(models.SessionStatusConfirmed) {
			return nil, invalidTransition(OpAccept, session.Status)
		}
		if actor.UserID != session.TutorID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the tutor may accept this session")
		}
		session.Status = models.SessionStatusConfirmed
		return []*models.Notification{
			newNotification(session.StudentID, models.NotificationSessionAccepted, "Session accepted",
				fmt.Sprintf("Your %s session %s was accepted.", session.Subject, describeSlot(session)),
				session.ID, models.ActionAcknowledge),
		}, nil
	})
}

// Decline rejects a pending session. Only the tutor may decline.
func (s *SessionService) Decline(ctx context.Context, id, reason string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	return s.transition(ctx, id, expectedVersion, actor, OpDecline, func(session *models.Session) ([]*models.Notification, error) {
		if !session.Status.CanTransitionTo(models.SessionStatusDeclined) {
			return nil, invalidTransition(OpDecline, session.Status)
		}
		if actor.UserID != session.TutorID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the tutor may decline this session")
		}
		session.Status = models.SessionStatusDeclined
		session.DeclineReason = optionalString(reason)
		session.ClearProposal()
		message := fmt.Sprintf("Your %s session %s was declined.", session.Subject, describeSlot(session))
		if session.DeclineReason != nil {
			message += " Reason: " + *session.DeclineReason
		}
		return []*models.Notification{
			newNotification(session.StudentID, models.NotificationSessionDeclined, "Session declined", message, session.ID, models.ActionAcknowledge),
		}, nil
	})
}

// Cancel withdraws a pending or confirmed session. Either party may cancel;
// the other party is notified.
func (s *SessionService) Cancel(ctx context.Context, id, reason string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	return s.transition(ctx, id, expectedVersion, actor, OpCancel, func(session *models.Session) ([]*models.Notification, error) {
		if !session.Status.CanTransitionTo(models.SessionStatusCancelled) {
			return nil, invalidTransition(OpCancel, session.Status)
		}
		if !session.IsParty(actor.UserID) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the student or tutor may cancel this session")
		}
		session.Status = models.SessionStatusCancelled
		session.CancelReason = optionalString(reason)
		session.ClearProposal()
		message := fmt.Sprintf("The %s session %s was cancelled.", session.Subject, describeSlot(session))
		if session.CancelReason != nil {
			message += " Reason: " + *session.CancelReason
		}
		return []*models.Notification{
			newNotification(session.Counterparty(actor.UserID), models.NotificationSessionCancelled, "Session cancelled", message, session.ID, models.ActionAcknowledge),
		}, nil
	})
}

// RequestReschedule attaches a proposed new slot. Status is untouched and the
// counterparty must accept or decline the proposal.
func (s *SessionService) RequestReschedule(ctx context.Context, id string, req dto.RescheduleRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid reschedule payload")
	}
	if err := s.validateSlot(req.Date, req.StartTime, req.EndTime); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, expectedVersion, actor, OpReschedule, func(session *models.Session) ([]*models.Notification, error) {
		if !session.Status.IsActive() {
			return nil, invalidTransition(OpReschedule, session.Status)
		}
		if session.ReschedulePending {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "a reschedule proposal is already pending")
		}
		if !session.IsParty(actor.UserID) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the student or tutor may reschedule this session")
		}
		proposer := actor.UserID
		session.ReschedulePending = true
		session.ProposedDate = &req.Date
		session.ProposedStartTime = &req.StartTime
		session.ProposedEndTime = &req.EndTime
		session.ProposedBy = &proposer
		session.RescheduleReason = optionalString(req.Reason)

		message := fmt.Sprintf("A new time was proposed for the %s session: %s %s-%s.", session.Subject, req.Date, req.StartTime, req.EndTime)
		if session.RescheduleReason != nil {
			message += " Reason: " + *session.RescheduleReason
		}
		return []*models.Notification{
			newNotification(session.Counterparty(proposer), models.NotificationSessionRescheduled, "Reschedule requested", message, session.ID, models.ActionAcceptDecline),
		}, nil
	})
}

// AcceptReschedule moves the session to the proposed slot. Only the party
// who did not propose may accept; status is left as it was.
func (s *SessionService) AcceptReschedule(ctx context.Context, id string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	return s.transition(ctx, id, expectedVersion, actor, OpAcceptReschedule, func(session *models.Session) ([]*models.Notification, error) {
		proposer, err := s.resolveProposal(session, actor, OpAcceptReschedule)
		if err != nil {
			return nil, err
		}
		session.Date = *session.ProposedDate
		session.StartTime = *session.ProposedStartTime
		session.EndTime = *session.ProposedEndTime
		session.ClearProposal()
		return []*models.Notification{
			newNotification(proposer, models.NotificationRescheduleAccepted, "Reschedule accepted",
				fmt.Sprintf("The %s session was moved to %s.", session.Subject, describeSlot(session)),
				session.ID, models.ActionAcknowledge),
		}, nil
	})
}

// DeclineReschedule drops the proposal and keeps the original slot.
func (s *SessionService) DeclineReschedule(ctx context.Context, id, reason string, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	return s.transition(ctx, id, expectedVersion, actor, OpDeclineReschedule, func(session *models.Session) ([]*models.Notification, error) {
		proposer, err := s.resolveProposal(session, actor, OpDeclineReschedule)
		if err != nil {
			return nil, err
		}
		session.ClearProposal()
		message := fmt.Sprintf("Your proposed new time for the %s session was declined; it stays %s.", session.Subject, describeSlot(session))
		if r := optionalString(reason); r != nil {
			message += " Reason: " + *r
		}
		return []*models.Notification{
			newNotification(proposer, models.NotificationRescheduleDeclined, "Reschedule declined", message, session.ID, models.ActionAcknowledge),
		}, nil
	})
}

// Complete closes a confirmed session with the tutor's progress note.
func (s *SessionService) Complete(ctx context.Context, id string, req dto.CompleteSessionRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "progressNote is required")
	}
	return s.transition(ctx, id, expectedVersion, actor, OpComplete, func(session *models.Session) ([]*models.Notification, error) {
		if !session.Status.CanTransitionTo(models.SessionStatusCompleted) {
			return nil, invalidTransition(OpComplete, session.Status)
		}
		if session.ReschedulePending {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "resolve the pending reschedule before completing")
		}
		if actor.UserID != session.TutorID && !actor.Role.IsStaff() {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the tutor may complete this session")
		}
		now := s.now()
		if s.requireElapsed {
			endsAt, err := session.EndsAt(s.location)
			if err != nil {
				return nil, appErrors.Internal(err, "stored session slot is malformed")
			}
			if now.Before(endsAt) {
				return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "session cannot be completed before it ends")
			}
		}
		completedAt := now.UTC()
		session.Status = models.SessionStatusCompleted
		session.ProgressNote = optionalString(req.ProgressNote)
		session.Homework = optionalString(req.Homework)
		if strings.TrimSpace(req.Notes) != "" {
			session.Notes = req.Notes
		}
		session.CompletedAt = &completedAt
		return []*models.Notification{
			newNotification(session.StudentID, models.NotificationSessionCompleted, "Session completed",
				fmt.Sprintf("Your %s session %s is complete. Please rate it.", session.Subject, describeSlot(session)),
				session.ID, models.ActionAcknowledge),
		}, nil
	})
}

// Rate records the student's one-time rating of a completed session.
func (s *SessionService) Rate(ctx context.Context, id string, req dto.RateSessionRequest, expectedVersion int, actor *models.JWTClaims) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "rating must be between 1 and 5")
	}
	return s.transition(ctx, id, expectedVersion, actor, OpRate, func(session *models.Session) ([]*models.Notification, error) {
		if session.Status != models.SessionStatusCompleted {
			return nil, invalidTransition(OpRate, session.Status)
		}
		if session.Rating != nil {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "session already rated")
		}
		if actor.UserID != session.StudentID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the student may rate this session")
		}
		rating := req.Rating
		session.Rating = &rating
		session.Feedback = optionalString(req.Feedback)
		return []*models.Notification{
			newNotification(session.TutorID, models.NotificationFeedbackReceived, "Feedback received",
				fmt.Sprintf("Your %s session %s was rated %d/5.", session.Subject, describeSlot(session), rating),
				session.ID, models.ActionNone),
		}, nil
	})
}

type sessionMutation func(session *models.Session) ([]*models.Notification, error)

// transition loads the session, applies mutate and commits it under the
// version check. Side effects run only after the commit succeeds.
func (s *SessionService) transition(ctx context.Context, id string, expectedVersion int, actor *models.JWTClaims, op string, mutate sessionMutation) (*models.Session, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && expectedVersion != session.Version {
		s.metrics.RecordSessionTransition(op, OutcomeConflict)
		return nil, versionConflict()
	}
	before := *session
	notifications, err := mutate(session)
	if err != nil {
		s.metrics.RecordSessionTransition(op, OutcomeRejected)
		return nil, err
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			s.metrics.RecordSessionTransition(op, OutcomeConflict)
			return nil, versionConflict()
		}
		s.metrics.RecordSessionTransition(op, OutcomeError)
		return nil, appErrors.Internal(err, "failed to update session")
	}
	s.metrics.RecordSessionTransition(op, OutcomeOK)

	if (op == OpComplete || op == OpRate) && s.progress != nil {
		s.progress.Invalidate(ctx, session.StudentID)
	}
	s.afterCommit(ctx, session, &before, actor, op, notifications)
	return session, nil
}

// afterCommit fans out notifications, then the bus event, then the audit row.
// None of them can undo the committed change; failures are only logged.
func (s *SessionService) afterCommit(ctx context.Context, session, before *models.Session, actor *models.JWTClaims, op string, notifications []*models.Notification) {
	for _, n := range notifications {
		if n == nil || n.UserID == "" || s.notifier == nil {
			continue
		}
		if err := s.notifier.Dispatch(ctx, n); err != nil {
			s.logger.Warn("failed to dispatch session notification",
				zap.String("session_id", session.ID),
				zap.String("operation", op),
				zap.String("type", string(n.Type)),
				zap.Error(err))
		}
	}

	if s.bus != nil {
		snapshot := *session
		s.bus.Publish(events.Event{
			Type:       events.TypeSessionUpdated,
			ResourceID: session.ID,
			UserIDs:    []string{session.StudentID, session.TutorID},
			Payload:    &snapshot,
			OccurredAt: s.now().UTC(),
		})
	}

	action := models.AuditActionSessionTransition
	switch op {
	case OpCreate:
		action = models.AuditActionSessionCreate
	case OpUpdate:
		action = models.AuditActionSessionUpdate
	}
	var oldValues []byte
	if before != nil {
		oldValues, _ = json.Marshal(before)
	}
	newValues, _ := json.Marshal(map[string]interface{}{"operation": op, "session": session})
	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "sessions",
		ResourceID: &session.ID,
		OldValues:  oldValues,
		NewValues:  newValues,
	})
}

func (s *SessionService) emitAudit(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	log.IPAddress = "system"
	log.UserAgent = "session-service"
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func (s *SessionService) load(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Internal(err, "failed to load session")
	}
	return session, nil
}

func (s *SessionService) requireParticipant(ctx context.Context, id string, role models.UserRole) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("%s not found", role))
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	if user.Role != role {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("user %s is not a %s", id, role))
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s account is inactive", role))
	}
	return user, nil
}

// resolveProposal checks a proposal is pending and that actor is the party
// who did not propose it, returning the proposer.
func (s *SessionService) resolveProposal(session *models.Session, actor *models.JWTClaims, op string) (string, error) {
	if !session.Status.IsActive() {
		return "", invalidTransition(op, session.Status)
	}
	if !session.ReschedulePending || session.ProposedBy == nil || session.ProposedDate == nil ||
		session.ProposedStartTime == nil || session.ProposedEndTime == nil {
		return "", appErrors.Clone(appErrors.ErrInvalidTransition, "no reschedule proposal is pending")
	}
	proposer := *session.ProposedBy
	if session.Counterparty(proposer) != actor.UserID {
		return "", appErrors.Clone(appErrors.ErrForbidden, "only the other participant may answer a reschedule proposal")
	}
	return proposer, nil
}

func (s *SessionService) validateSlot(date, start, end string) error {
	startsAt, err := models.ParseSlot(date, start, s.location)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "date must be YYYY-MM-DD and times HH:MM")
	}
	endsAt, err := models.ParseSlot(date, end, s.location)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "date must be YYYY-MM-DD and times HH:MM")
	}
	if !endsAt.After(startsAt) {
		return appErrors.Clone(appErrors.ErrValidation, "endTime must be after startTime")
	}
	return nil
}

func invalidTransition(op string, status models.SessionStatus) error {
	return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot %s a %s session", strings.ReplaceAll(op, "_", " "), status))
}

func versionConflict() error {
	return appErrors.Clone(appErrors.ErrConflict, "session was modified by another request, reload and retry")
}

func describeSlot(session *models.Session) string {
	return fmt.Sprintf("on %s at %s-%s", session.Date, session.StartTime, session.EndTime)
}

func optionalString(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}
