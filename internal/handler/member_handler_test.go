package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/member-requests-api/internal/dto"
	"github.com/noah-isme/member-requests-api/internal/models"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

type memberServiceMock struct {
	lastFilter  models.MemberFilter
	lastID      string
	lastActive  bool
	lastCascade bool
	setCalled   bool
}

func (m *memberServiceMock) List(ctx context.Context, filter models.MemberFilter, actor models.Actor) ([]models.Member, *models.Pagination, error) {
	m.lastFilter = filter
	return []models.Member{{ID: "m-1"}}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *memberServiceMock) Get(ctx context.Context, id string, actor models.Actor) (*models.Member, error) {
	m.lastID = id
	return &models.Member{ID: id}, nil
}

func (m *memberServiceMock) SetActive(ctx context.Context, id string, active, cascade bool, actor models.Actor) (*models.Member, error) {
	m.setCalled = true
	m.lastID = id
	m.lastActive = active
	m.lastCascade = cascade
	return &models.Member{ID: id, Active: active}, nil
}

func (m *memberServiceMock) Remove(ctx context.Context, id string, actor models.Actor) error {
	m.lastID = id
	if id == "missing" {
		return appErrors.Clone(appErrors.ErrNotFound, "member not found")
	}
	return nil
}

type bulkStatusServiceMock struct {
	result  *models.BulkResult
	err     error
	lastReq dto.BulkStatusRequest
}

func (m *bulkStatusServiceMock) Apply(ctx context.Context, req dto.BulkStatusRequest, actor models.Actor) (*models.BulkResult, error) {
	m.lastReq = req
	return m.result, m.err
}

func TestMemberHandlerListParsesFilters(t *testing.T) {
	members := &memberServiceMock{}
	h := NewMemberHandler(members, &bulkStatusServiceMock{})

	c, w := newTestContext(http.MethodGet, "/members?kind=partner&active=false&search=silva&page=3", "", adminClaims)
	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.MemberKindPartner, members.lastFilter.Kind)
	require.NotNil(t, members.lastFilter.Active)
	assert.False(t, *members.lastFilter.Active)
	assert.Equal(t, "silva", members.lastFilter.Search)
	assert.Equal(t, 3, members.lastFilter.Page)
}

func TestMemberHandlerListRejectsBadActiveFlag(t *testing.T) {
	h := NewMemberHandler(&memberServiceMock{}, &bulkStatusServiceMock{})

	c, w := newTestContext(http.MethodGet, "/members?active=maybe", "", adminClaims)
	h.List(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemberHandlerSetStatus(t *testing.T) {
	members := &memberServiceMock{}
	h := NewMemberHandler(members, &bulkStatusServiceMock{})

	c, w := newTestContext(http.MethodPatch, "/members/m-1/status", `{"active":true,"cascade":true}`, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "m-1"}}
	h.SetStatus(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m-1", members.lastID)
	assert.True(t, members.lastActive)
	assert.True(t, members.lastCascade)
}

func TestMemberHandlerSetStatusRequiresActive(t *testing.T) {
	members := &memberServiceMock{}
	h := NewMemberHandler(members, &bulkStatusServiceMock{})

	c, w := newTestContext(http.MethodPatch, "/members/m-1/status", `{"cascade":true}`, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "m-1"}}
	h.SetStatus(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, members.setCalled)
}

func TestMemberHandlerBulkStatus(t *testing.T) {
	bulk := &bulkStatusServiceMock{result: &models.BulkResult{Action: models.BulkDeactivate, Attempted: 2, Succeeded: []string{"m-1", "m-2"}, Failed: map[string]string{}}}
	h := NewMemberHandler(&memberServiceMock{}, bulk)

	c, w := newTestContext(http.MethodPost, "/members/bulk-status", `{"ids":["m-1","m-2"],"action":"DEACTIVATE"}`, adminClaims)
	h.BulkStatus(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"m-1", "m-2"}, bulk.lastReq.IDs)
	assert.Equal(t, models.BulkDeactivate, bulk.lastReq.Action)
}

func TestMemberHandlerBulkStatusPartialFailure(t *testing.T) {
	bulk := &bulkStatusServiceMock{
		result: &models.BulkResult{Action: models.BulkDeactivate, Attempted: 3, Succeeded: []string{"m-1", "m-3"}, Failed: map[string]string{"m-2": "lookup timed out"}},
		err:    appErrors.Clone(appErrors.ErrPartialBulkFailure, "1 of 3 bulk items failed"),
	}
	h := NewMemberHandler(&memberServiceMock{}, bulk)

	c, w := newTestContext(http.MethodPost, "/members/bulk-status", `{"ids":["m-1","m-2","m-3"],"action":"DEACTIVATE"}`, adminClaims)
	h.BulkStatus(c)

	require.Equal(t, http.StatusMultiStatus, w.Code)
	body := decodeEnvelope(t, w)
	data := body["data"].(map[string]interface{})
	assert.Len(t, data["succeeded"], 2)
	assert.Contains(t, data["failed"], "m-2")
	assert.Equal(t, "PARTIAL_BULK_FAILURE", body["error"].(map[string]interface{})["code"])
}

func TestMemberHandlerBulkStatusForbidden(t *testing.T) {
	bulk := &bulkStatusServiceMock{err: appErrors.ErrForbidden}
	h := NewMemberHandler(&memberServiceMock{}, bulk)

	c, w := newTestContext(http.MethodPost, "/members/bulk-status", `{"ids":["m-1"],"action":"ACTIVATE"}`, studentClaims)
	h.BulkStatus(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMemberHandlerRemove(t *testing.T) {
	members := &memberServiceMock{}
	h := NewMemberHandler(members, &bulkStatusServiceMock{})

	c, w := newTestContext(http.MethodDelete, "/members/m-1", "", adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "m-1"}}
	h.Remove(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "m-1", members.lastID)

	c, w = newTestContext(http.MethodDelete, "/members/missing", "", adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	h.Remove(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
