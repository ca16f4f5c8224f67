package dto

// AppendAuditLogRequest records an action performed outside this service.
type AppendAuditLogRequest struct {
	SchoolID        string                 `json:"schoolId" validate:"required"`
	Action          string                 `json:"action" validate:"required,max=100"`
	Details         string                 `json:"details" validate:"max=2000"`
	TargetStudent   string                 `json:"targetStudent"`
	Metadata        map[string]interface{} `json:"metadata"`
	CorrectsEntryID string                 `json:"correctsEntryId"`
}

// AuditLogQuery mirrors the ledger search filters.
type AuditLogQuery struct {
	SchoolID string `form:"schoolId"`
	Search   string `form:"search"`
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
}
