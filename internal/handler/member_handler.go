package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/member-requests-api/internal/dto"
	"github.com/noah-isme/member-requests-api/internal/models"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
	"github.com/noah-isme/member-requests-api/pkg/response"
)

type memberService interface {
	List(ctx context.Context, filter models.MemberFilter, actor models.Actor) ([]models.Member, *models.Pagination, error)
	Get(ctx context.Context, id string, actor models.Actor) (*models.Member, error)
	SetActive(ctx context.Context, id string, active, cascade bool, actor models.Actor) (*models.Member, error)
	Remove(ctx context.Context, id string, actor models.Actor) error
}

type bulkStatusService interface {
	Apply(ctx context.Context, req dto.BulkStatusRequest, actor models.Actor) (*models.BulkResult, error)
}

// MemberHandler exposes member records and status actions.
type MemberHandler struct {
	members memberService
	bulk    bulkStatusService
}

// NewMemberHandler constructs the handler.
func NewMemberHandler(members memberService, bulk bulkStatusService) *MemberHandler {
	return &MemberHandler{members: members, bulk: bulk}
}

// List godoc
// @Summary List members of a school
// @Tags Members
// @Produce json
// @Param schoolId query string false "School ID (super admin only)"
// @Param kind query string false "STUDENT or PARTNER"
// @Param active query bool false "Active flag"
// @Param search query string false "Name search"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /members [get]
func (h *MemberHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter := models.MemberFilter{
		SchoolID: strings.TrimSpace(c.Query("schoolId")),
		Kind:     models.MemberKind(strings.ToUpper(strings.TrimSpace(c.Query("kind")))),
		Search:   strings.TrimSpace(c.Query("search")),
		Page:     queryInt(c, "page"),
		PageSize: queryInt(c, "pageSize"),
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "active must be a boolean"))
			return
		}
		filter.Active = &active
	}
	members, pagination, err := h.members.List(c.Request.Context(), filter, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, members, pagination)
}

// Get godoc
// @Summary Get a member record
// @Tags Members
// @Produce json
// @Param id path string true "Member ID"
// @Success 200 {object} response.Envelope
// @Router /members/{id} [get]
func (h *MemberHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	member, err := h.members.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, member, nil)
}

// SetStatus godoc
// @Summary Activate or deactivate a member
// @Description Deactivation always cascades to dependents; activation only when cascade is true.
// @Tags Members
// @Accept json
// @Produce json
// @Param id path string true "Member ID"
// @Param payload body dto.MemberStatusRequest true "Status"
// @Success 200 {object} response.Envelope
// @Router /members/{id}/status [patch]
func (h *MemberHandler) SetStatus(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.MemberStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "active is required"))
		return
	}
	member, err := h.members.SetActive(c.Request.Context(), c.Param("id"), *req.Active, req.Cascade, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, member, nil)
}

// Remove godoc
// @Summary Remove a member record
// @Tags Members
// @Param id path string true "Member ID"
// @Success 204
// @Router /members/{id} [delete]
func (h *MemberHandler) Remove(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.members.Remove(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// BulkStatus godoc
// @Summary Activate or deactivate many members
// @Description Items are applied independently. Partial failures return 207 with per-item errors.
// @Tags Members
// @Accept json
// @Produce json
// @Param payload body dto.BulkStatusRequest true "Bulk action"
// @Success 200 {object} response.Envelope
// @Success 207 {object} response.Envelope
// @Router /members/bulk-status [post]
func (h *MemberHandler) BulkStatus(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.BulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid bulk payload"))
		return
	}
	result, err := h.bulk.Apply(c.Request.Context(), req, actor)
	if err != nil {
		if result != nil && appErrors.Is(err, appErrors.ErrPartialBulkFailure) {
			response.Partial(c, result, err)
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
