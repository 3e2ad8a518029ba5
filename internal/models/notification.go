package models

import "time"

// NotificationType enumerates notification categories.
type NotificationType string

const (
	NotificationSessionRequest     NotificationType = "session_request"
	NotificationSessionScheduled   NotificationType = "session_scheduled"
	NotificationSessionAccepted    NotificationType = "session_accepted"
	NotificationSessionDeclined    NotificationType = "session_declined"
	NotificationSessionCancelled   NotificationType = "session_cancelled"
	NotificationSessionRescheduled NotificationType = "session_rescheduled"
	NotificationSessionUpdated     NotificationType = "session_updated"
	NotificationRescheduleAccepted NotificationType = "reschedule_accepted"
	NotificationRescheduleDeclined NotificationType = "reschedule_declined"
	NotificationSessionCompleted   NotificationType = "session_completed"
	NotificationFeedbackReceived   NotificationType = "feedback_received"
	NotificationMaterialShared     NotificationType = "material_shared"
)

// NotificationActionType tells clients which controls to render.
type NotificationActionType string

const (
	ActionAcceptDecline NotificationActionType = "accept_decline"
	ActionAcknowledge   NotificationActionType = "acknowledge"
	ActionNone          NotificationActionType = "none"
)

// Notification is an in-app message addressed to a single user.
type Notification struct {
	ID             string                 `db:"id" json:"id"`
	UserID         string                 `db:"user_id" json:"userId"`
	Type           NotificationType       `db:"type" json:"type"`
	Title          string                 `db:"title" json:"title"`
	Message        string                 `db:"message" json:"message"`
	RelatedID      *string                `db:"related_id" json:"relatedId,omitempty"`
	ActionRequired bool                   `db:"action_required" json:"actionRequired"`
	ActionType     NotificationActionType `db:"action_type" json:"actionType"`
	Read           bool                   `db:"read" json:"read"`
	CreatedAt      time.Time              `db:"created_at" json:"createdAt"`
}

// NotificationFilter constrains listing queries; UserID is mandatory.
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Type       NotificationType
	Limit      int
	Offset     int
}
