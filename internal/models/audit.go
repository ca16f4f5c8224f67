package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction constants represent actions to be logged.
const (
	AuditActionRequestCreate    = "CHANGE_REQUEST_CREATE"
	AuditActionRequestApprove   = "CHANGE_REQUEST_APPROVED"
	AuditActionRequestReject    = "CHANGE_REQUEST_REJECTED"
	AuditActionMemberActivate   = "MEMBER_ACTIVATE"
	AuditActionMemberDeactivate = "MEMBER_DEACTIVATE"
	AuditActionMemberRemove     = "MEMBER_REMOVE"
	AuditActionBulkActivate     = "BULK_ACTIVATE"
	AuditActionBulkDeactivate   = "BULK_DEACTIVATE"
	AuditActionEntryCorrection  = "AUDIT_CORRECTION"
)

// Well-known metadata keys.
const (
	AuditMetaIPAddress   = "ipAddress"
	AuditMetaUserAgent   = "userAgent"
	AuditMetaTargetID    = "targetId"
	AuditMetaRequestID   = "requestId"
	AuditMetaRequestType = "requestType"
	AuditMetaCount       = "count"
	AuditMetaCorrects    = "correctsEntryId"
)

// AuditMetadata is an open map persisted as JSONB. Unknown keys round-trip untouched.
type AuditMetadata map[string]interface{}

// Value marshals metadata to JSON for persistence.
func (m AuditMetadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, fmt.Errorf("marshal audit metadata: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON metadata.
func (m *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = AuditMetadata{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for AuditMetadata", value)
	}
	if len(data) == 0 {
		*m = AuditMetadata{}
		return nil
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal audit metadata: %w", err)
	}
	*m = out
	return nil
}

// AuditLogEntry is an immutable ledger record.
type AuditLogEntry struct {
	ID            string        `db:"id" json:"id"`
	SchoolID      string        `db:"school_id" json:"schoolId"`
	ActorID       string        `db:"actor_id" json:"actorId"`
	ActorName     string        `db:"actor_name" json:"actorName"`
	ActorRole     string        `db:"actor_role" json:"actorRole"`
	Action        string        `db:"action" json:"action"`
	TargetStudent string        `db:"target_student" json:"targetStudent"`
	Details       string        `db:"details" json:"details"`
	Metadata      AuditMetadata `db:"metadata" json:"metadata"`
	Timestamp     time.Time     `db:"timestamp" json:"timestamp"`
}

// AuditLogDraft is an entry before the ledger assigns ID and timestamp.
type AuditLogDraft struct {
	SchoolID      string
	Actor         Actor
	Action        string
	TargetStudent string
	Details       string
	Metadata      AuditMetadata
}

// AuditLogFilter constrains ledger queries.
type AuditLogFilter struct {
	SchoolID   string
	SearchTerm string
	Page       int
	PageSize   int
}
