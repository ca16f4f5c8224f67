package models

import (
	"encoding/json"
	"time"
)

// ChangeRequestType enumerates the request kinds an administrator can resolve.
type ChangeRequestType string

const (
	ChangeRequestAddDependent    ChangeRequestType = "ADD_DEPENDENT"
	ChangeRequestDeleteDependent ChangeRequestType = "DELETE_DEPENDENT"
	ChangeRequestUpdatePhoto     ChangeRequestType = "UPDATE_PHOTO"
	ChangeRequestUpdateInfo      ChangeRequestType = "UPDATE_INFO"
	ChangeRequestUpdateDependent ChangeRequestType = "UPDATE_DEPENDENT"
)

// ChangeRequestTypes lists every supported type.
var ChangeRequestTypes = []ChangeRequestType{
	ChangeRequestAddDependent,
	ChangeRequestDeleteDependent,
	ChangeRequestUpdatePhoto,
	ChangeRequestUpdateInfo,
	ChangeRequestUpdateDependent,
}

// Valid reports whether t is a known request type.
func (t ChangeRequestType) Valid() bool {
	for _, known := range ChangeRequestTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TargetsDependent reports whether the type addresses an existing dependent.
func (t ChangeRequestType) TargetsDependent() bool {
	return t == ChangeRequestDeleteDependent || t == ChangeRequestUpdateDependent
}

// ChangeRequestStatus captures the request lifecycle.
type ChangeRequestStatus string

const (
	ChangeRequestPending  ChangeRequestStatus = "PENDING"
	ChangeRequestApproved ChangeRequestStatus = "APPROVED"
	ChangeRequestRejected ChangeRequestStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s ChangeRequestStatus) Terminal() bool {
	return s == ChangeRequestApproved || s == ChangeRequestRejected
}

// ResolutionAction is the administrator decision on a pending request.
type ResolutionAction string

const (
	ResolutionApprove ResolutionAction = "APPROVE"
	ResolutionReject  ResolutionAction = "REJECT"
)

// ChangeRequest is a member-submitted proposal awaiting administrator review.
type ChangeRequest struct {
	ID            string              `db:"id" json:"id"`
	SchoolID      string              `db:"school_id" json:"schoolId"`
	StudentID     string              `db:"student_id" json:"studentId"`
	StudentName   string              `db:"student_name" json:"studentName"`
	Type          ChangeRequestType   `db:"type" json:"type"`
	Status        ChangeRequestStatus `db:"status" json:"status"`
	Payload       json.RawMessage     `db:"payload" json:"payload"`
	DependentID   *string             `db:"dependent_id" json:"dependentId,omitempty"`
	DependentName *string             `db:"dependent_name" json:"dependentName,omitempty"`
	Reason        string              `db:"reason" json:"reason"`
	Fingerprint   string              `db:"fingerprint" json:"-"`
	RequestedBy   string              `db:"requested_by" json:"requestedBy"`
	CreatedAt     time.Time           `db:"created_at" json:"createdAt"`
	ResolvedAt    *time.Time          `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolvedBy    *string             `db:"resolved_by" json:"resolvedBy,omitempty"`
}

// DecodePayload returns the typed payload variant for the request type.
func (r *ChangeRequest) DecodePayload() (ChangePayload, error) {
	return DecodeChangePayload(r.Type, r.Payload)
}

// ChangeRequestFilter constrains listing queries.
type ChangeRequestFilter struct {
	SchoolID    string
	StudentID   string
	Status      []ChangeRequestStatus
	Type        ChangeRequestType
	RequestedBy string
	Page        int
	PageSize    int
}
