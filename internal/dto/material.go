package dto

import "time"

// CreateMaterialRequest holds the form fields accompanying an upload.
type CreateMaterialRequest struct {
	Title       string   `form:"title" validate:"required,max=200"`
	Subject     string   `form:"subject" validate:"required,max=120"`
	Description string   `form:"description" validate:"max=2000"`
	SharedWith  []string `form:"sharedWith"`
}

// MaterialUpload describes the file part of an upload.
type MaterialUpload struct {
	Filename    string
	ContentType string
	Size        int64
}

// UpdateMaterialRequest edits material metadata.
type UpdateMaterialRequest struct {
	Title       *string `json:"title" validate:"omitempty,min=1,max=200"`
	Subject     *string `json:"subject" validate:"omitempty,min=1,max=120"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

// ShareMaterialRequest adds recipients to a material.
type ShareMaterialRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,dive,required"`
}

// MaterialLinkResponse is a time-limited download link.
type MaterialLinkResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MaterialQuery mirrors supported listing filters.
type MaterialQuery struct {
	Subject  string
	Search   string
	Page     int
	PageSize int
}
