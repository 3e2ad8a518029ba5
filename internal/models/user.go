package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleStudent       UserRole = "student"
	RoleTutor         UserRole = "tutor"
	RoleCoordinator   UserRole = "coordinator"
	RoleChair         UserRole = "chair"
	RoleAdministrator UserRole = "administrator"
)

// ParseUserRole normalises raw input and rejects unknown roles.
func ParseUserRole(raw string) (UserRole, error) {
	role := UserRole(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleStudent, RoleTutor, RoleCoordinator, RoleChair, RoleAdministrator:
		return role, nil
	case "admin":
		return RoleAdministrator, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// IsStaff reports whether the role manages the programme rather than taking part in sessions.
func (r UserRole) IsStaff() bool {
	return r == RoleCoordinator || r == RoleChair || r == RoleAdministrator
}

// User represents an application user stored in the users table.
type User struct {
	ID           string         `db:"id" json:"id"`
	Email        string         `db:"email" json:"email"`
	PasswordHash string         `db:"password_hash" json:"-"`
	FullName     string         `db:"full_name" json:"fullName"`
	Role         UserRole       `db:"role" json:"role"`
	Department   string         `db:"department" json:"department"`
	StudentCode  *string        `db:"student_code" json:"studentCode,omitempty"`
	TutorCode    *string        `db:"tutor_code" json:"tutorCode,omitempty"`
	Year         *int           `db:"year" json:"year,omitempty"`
	GPA          *float64       `db:"gpa" json:"gpa,omitempty"`
	Expertise    pq.StringArray `db:"expertise" json:"expertise"`
	Active       bool           `db:"active" json:"active"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updatedAt"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role       *UserRole
	Active     *bool
	Department string
	Search     string
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
