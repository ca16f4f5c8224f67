package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/member-requests-api/internal/dto"
	"github.com/noah-isme/member-requests-api/internal/models"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
	"github.com/noah-isme/member-requests-api/pkg/export"
	"github.com/noah-isme/member-requests-api/pkg/response"
)

type auditService interface {
	Record(ctx context.Context, draft models.AuditLogDraft)
	Correct(ctx context.Context, originalID string, draft models.AuditLogDraft) (*models.AuditLogEntry, error)
	Query(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLogEntry, *models.Pagination, error)
	Export(ctx context.Context, filter models.AuditLogFilter, format export.Format) (*export.File, error)
}

// AuditHandler exposes the audit ledger.
type AuditHandler struct {
	service auditService
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(service auditService) *AuditHandler {
	return &AuditHandler{service: service}
}

// Append godoc
// @Summary Append an audit entry
// @Description Entries are written asynchronously. A correctsEntryId appends a correction referencing an earlier entry.
// @Tags AuditLogs
// @Accept json
// @Produce json
// @Param payload body dto.AppendAuditLogRequest true "Audit entry"
// @Success 202 {object} response.Envelope
// @Success 201 {object} response.Envelope
// @Router /audit-logs [post]
func (h *AuditHandler) Append(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.AppendAuditLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid audit payload"))
		return
	}
	if strings.TrimSpace(req.SchoolID) == "" || strings.TrimSpace(req.Action) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "schoolId and action are required"))
		return
	}
	if actor.Role != models.RoleSuperAdmin && req.SchoolID != actor.SchoolID {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "school outside actor scope"))
		return
	}
	draft := models.AuditLogDraft{
		SchoolID:      req.SchoolID,
		Actor:         actor,
		Action:        req.Action,
		TargetStudent: req.TargetStudent,
		Details:       req.Details,
		Metadata:      models.AuditMetadata(req.Metadata),
	}
	if req.CorrectsEntryID != "" {
		entry, err := h.service.Correct(c.Request.Context(), req.CorrectsEntryID, draft)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Created(c, entry)
		return
	}
	h.service.Record(c.Request.Context(), draft)
	response.Accepted(c, gin.H{"status": "accepted"})
}

// List godoc
// @Summary Search the audit ledger
// @Tags AuditLogs
// @Produce json
// @Param schoolId query string false "School ID (super admin only)"
// @Param search query string false "Substring over action and details"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /audit-logs [get]
func (h *AuditHandler) List(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.Query(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// Export godoc
// @Summary Export the audit ledger
// @Tags AuditLogs
// @Produce text/csv
// @Produce application/pdf
// @Param format query string true "csv or pdf"
// @Param schoolId query string false "School ID (super admin only)"
// @Param search query string false "Substring over action and details"
// @Success 200 {file} file
// @Router /audit-logs/export [get]
func (h *AuditHandler) Export(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}
	file, err := h.service.Export(c.Request.Context(), filter, export.ParseFormat(c.DefaultQuery("format", "csv")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, file.Name, file.ContentType, file.Body)
}

func (h *AuditHandler) filter(c *gin.Context) (models.AuditLogFilter, bool) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.AuditLogFilter{}, false
	}
	var query dto.AuditLogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid audit query"))
		return models.AuditLogFilter{}, false
	}
	filter := models.AuditLogFilter{
		SchoolID:   strings.TrimSpace(query.SchoolID),
		SearchTerm: strings.TrimSpace(query.Search),
		Page:       query.Page,
		PageSize:   query.PageSize,
	}
	if actor.Role != models.RoleSuperAdmin {
		filter.SchoolID = actor.SchoolID
	}
	return filter, true
}
