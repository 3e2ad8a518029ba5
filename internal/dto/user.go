package dto

// CreateUserRequest is the administrator payload for registering a user.
type CreateUserRequest struct {
	Email       string   `json:"email" validate:"required,email"`
	Password    string   `json:"password" validate:"required,min=8"`
	FullName    string   `json:"fullName" validate:"required,max=200"`
	Role        string   `json:"role" validate:"required"`
	Department  string   `json:"department" validate:"max=200"`
	StudentCode *string  `json:"studentCode"`
	TutorCode   *string  `json:"tutorCode"`
	Year        *int     `json:"year" validate:"omitempty,min=1,max=8"`
	GPA         *float64 `json:"gpa" validate:"omitempty,min=0,max=4"`
	Expertise   []string `json:"expertise"`
}

// UpdateUserRequest edits mutable user fields.
type UpdateUserRequest struct {
	FullName    *string  `json:"fullName" validate:"omitempty,min=1,max=200"`
	Role        *string  `json:"role"`
	Department  *string  `json:"department" validate:"omitempty,max=200"`
	StudentCode *string  `json:"studentCode"`
	TutorCode   *string  `json:"tutorCode"`
	Year        *int     `json:"year" validate:"omitempty,min=1,max=8"`
	GPA         *float64 `json:"gpa" validate:"omitempty,min=0,max=4"`
	Expertise   []string `json:"expertise"`
	Active      *bool    `json:"active"`
}

// UserQuery is the query string of GET /users. The snake_case aliases are
// accepted for older clients.
type UserQuery struct {
	Page       int    `form:"page"`
	PageSize   int    `form:"pageSize"`
	Role       string `form:"role"`
	Active     *bool  `form:"active"`
	Department string `form:"department"`
	Search     string `form:"search"`
	SortBy     string `form:"sortBy"`
	SortOrder  string `form:"sortOrder"`

	LegacyPageSize  int    `form:"page_size"`
	LegacySortBy    string `form:"sort_by"`
	LegacySortOrder string `form:"sort_order"`
}
