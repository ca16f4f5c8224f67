package dto

import (
	"encoding/json"

	"github.com/noah-isme/member-requests-api/internal/models"
)

// CreateChangeRequestRequest is submitted by a member or staff on the member's behalf.
type CreateChangeRequestRequest struct {
	SchoolID      string                   `json:"schoolId"`
	StudentID     string                   `json:"studentId" validate:"required"`
	StudentName   string                   `json:"studentName" validate:"required,max=200"`
	Type          models.ChangeRequestType `json:"type" validate:"required"`
	Payload       json.RawMessage          `json:"payload" swaggertype:"object"`
	DependentID   string                   `json:"dependentId"`
	DependentName string                   `json:"dependentName" validate:"max=200"`
	Reason        string                   `json:"reason" validate:"max=1000"`
}

// ResolveChangeRequestRequest captures the administrator decision.
type ResolveChangeRequestRequest struct {
	Action models.ResolutionAction `json:"action" validate:"required,oneof=APPROVE REJECT"`
	Reason string                  `json:"reason" validate:"max=1000"`
}

// ChangeRequestQuery mirrors supported listing filters.
type ChangeRequestQuery struct {
	SchoolID  string
	StudentID string
	Status    []models.ChangeRequestStatus
	Type      models.ChangeRequestType
	Page      int
	PageSize  int
}
