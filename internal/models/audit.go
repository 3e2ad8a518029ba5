package models

import (
	"encoding/json"
	"time"
)

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin             = "LOGIN"
	AuditActionUserCreate        = "USER_CREATE"
	AuditActionUserUpdate        = "USER_UPDATE"
	AuditActionUserDelete        = "USER_DELETE"
	AuditActionSessionCreate     = "SESSION_CREATE"
	AuditActionSessionUpdate     = "SESSION_UPDATE"
	AuditActionSessionTransition = "SESSION_TRANSITION"
	AuditActionMaterialDelete    = "MATERIAL_DELETE"
	AuditActionReportRequest     = "REPORT_REQUEST"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"userId,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resourceId,omitempty"`
	OldValues  []byte    `db:"old_values" json:"oldValues,omitempty"`
	NewValues  []byte    `db:"new_values" json:"newValues,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ipAddress"`
	UserAgent  string    `db:"user_agent" json:"userAgent"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// AuditActor identifies who performed an audited change and from where.
type AuditActor struct {
	UserID    string
	IP        string
	UserAgent string
}

// Entry builds an audit row. before and after are stored as JSON; nil values
// leave the column empty.
func (a AuditActor) Entry(action, resource, resourceID string, before, after interface{}) *AuditLog {
	entry := &AuditLog{
		Action:    action,
		Resource:  resource,
		IPAddress: a.IP,
		UserAgent: a.UserAgent,
	}
	if a.UserID != "" {
		id := a.UserID
		entry.UserID = &id
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	if before != nil {
		entry.OldValues, _ = json.Marshal(before)
	}
	if after != nil {
		entry.NewValues, _ = json.Marshal(after)
	}
	return entry
}
