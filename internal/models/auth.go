package models

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// LoginRequest carries credentials plus the client fingerprint recorded in
// the audit trail.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email,max=255"`
	Password  string `json:"password" validate:"required,max=128"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// Normalize trims and lower-cases the email.
func (r *LoginRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresIn   int64     `json:"expiresIn"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        UserInfo  `json:"user"`
}

// UserInfo is the public profile of the caller. Codes are present for the
// matching role only.
type UserInfo struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	FullName    string   `json:"fullName"`
	Role        UserRole `json:"role"`
	Department  string   `json:"department"`
	StudentCode *string  `json:"studentCode,omitempty"`
	TutorCode   *string  `json:"tutorCode,omitempty"`
	Expertise   []string `json:"expertise,omitempty"`
}

// Info projects the user onto its public profile.
func (u *User) Info() UserInfo {
	return UserInfo{
		ID:          u.ID,
		Email:       u.Email,
		FullName:    u.FullName,
		Role:        u.Role,
		Department:  u.Department,
		StudentCode: u.StudentCode,
		TutorCode:   u.TutorCode,
		Expertise:   []string(u.Expertise),
	}
}

// JWTClaims is the access token payload. Subject mirrors UserID.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}
