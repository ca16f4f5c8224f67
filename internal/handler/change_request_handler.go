package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/member-requests-api/internal/dto"
	"github.com/noah-isme/member-requests-api/internal/models"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
	"github.com/noah-isme/member-requests-api/pkg/response"
)

type changeRequestService interface {
	Create(ctx context.Context, req dto.CreateChangeRequestRequest, actor models.Actor) (*models.ChangeRequest, bool, error)
	List(ctx context.Context, query dto.ChangeRequestQuery, actor models.Actor) ([]models.ChangeRequest, *models.Pagination, error)
	Pending(ctx context.Context, schoolID string, actor models.Actor) ([]models.ChangeRequest, error)
	Get(ctx context.Context, id string, actor models.Actor) (*models.ChangeRequest, error)
	Resolve(ctx context.Context, id string, req dto.ResolveChangeRequestRequest, actor models.Actor) (*models.ChangeRequest, error)
}

// ChangeRequestHandler exposes REST endpoints for the approval workflow.
type ChangeRequestHandler struct {
	service changeRequestService
}

// NewChangeRequestHandler constructs the handler.
func NewChangeRequestHandler(service changeRequestService) *ChangeRequestHandler {
	return &ChangeRequestHandler{service: service}
}

// Create godoc
// @Summary Submit a change request
// @Description Resubmitting an identical pending request returns the existing one with 200.
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param payload body dto.CreateChangeRequestRequest true "Change request"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope
// @Router /change-requests [post]
func (h *ChangeRequestHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateChangeRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid change request payload"))
		return
	}
	request, created, err := h.service.Create(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	response.JSON(c, status, request, nil, map[string]interface{}{"duplicate": !created})
}

// List godoc
// @Summary List change requests
// @Tags ChangeRequests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param type query string false "Request type"
// @Param studentId query string false "Student ID"
// @Param schoolId query string false "School ID (super admin only)"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /change-requests [get]
func (h *ChangeRequestHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.ChangeRequestQuery{
		SchoolID:  strings.TrimSpace(c.Query("schoolId")),
		StudentID: strings.TrimSpace(c.Query("studentId")),
		Type:      models.ChangeRequestType(strings.ToUpper(strings.TrimSpace(c.Query("type")))),
		Page:      queryInt(c, "page"),
		PageSize:  queryInt(c, "pageSize"),
	}
	for _, status := range queryList(c, "status") {
		query.Status = append(query.Status, models.ChangeRequestStatus(status))
	}
	requests, pagination, err := h.service.List(c.Request.Context(), query, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Pending godoc
// @Summary Pending review queue of a school
// @Tags ChangeRequests
// @Produce json
// @Param schoolId query string false "School ID (super admin only)"
// @Success 200 {object} response.Envelope
// @Router /change-requests/pending [get]
func (h *ChangeRequestHandler) Pending(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	requests, err := h.service.Pending(c.Request.Context(), strings.TrimSpace(c.Query("schoolId")), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, nil)
}

// Get godoc
// @Summary Get change request detail
// @Tags ChangeRequests
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /change-requests/{id} [get]
func (h *ChangeRequestHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Resolve godoc
// @Summary Approve or reject a pending change request
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param id path string true "Change request ID"
// @Param payload body dto.ResolveChangeRequestRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /change-requests/{id}/resolve [post]
func (h *ChangeRequestHandler) Resolve(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ResolveChangeRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid resolution payload"))
		return
	}
	request, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}
