package dto

import "github.com/noah-isme/member-requests-api/internal/models"

// BulkStatusRequest toggles the active flag of several members at once.
type BulkStatusRequest struct {
	IDs     []string          `json:"ids" validate:"required,min=1,dive,required"`
	Action  models.BulkAction `json:"action" validate:"required,oneof=ACTIVATE DEACTIVATE"`
	Cascade bool              `json:"cascade"`
}

// MemberStatusRequest toggles a single member.
type MemberStatusRequest struct {
	Active  *bool `json:"active" validate:"required"`
	Cascade bool  `json:"cascade"`
}
