package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/member-requests-api/internal/dto"
	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

func bulkMembers() []models.Member {
	out := make([]models.Member, 0, 3)
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		out = append(out, models.Member{
			ID:         id,
			SchoolID:   "school-1",
			Kind:       models.MemberKindPartner,
			FullName:   "Member " + id,
			Active:     true,
			Dependents: models.Dependents{{ID: id + "-dep", Name: "Dep", Active: true}},
		})
	}
	return out
}

type bulkFixture struct {
	svc     *BulkStatusService
	members *MemberService
	store   *memberStoreStub
	audit   *recordingAudit
	roster  *OptimisticCache[[]models.Member]
}

func newBulkFixture(maxItems int, members ...models.Member) *bulkFixture {
	store := newMemberStoreStub(members...)
	audit := &recordingAudit{}
	roster := NewOptimisticCache[[]models.Member]("roster", repository.NewMemoryCacheRepository(), time.Minute, nil, nil)
	return &bulkFixture{
		svc:     NewBulkStatusService(store, roster, audit, NewMetricsService(), nil, nil, BulkStatusConfig{MaxItems: maxItems}),
		members: NewMemberService(store, roster, audit, nil),
		store:   store,
		audit:   audit,
		roster:  roster,
	}
}

func TestBulkStatusPartialFailure(t *testing.T) {
	f := newBulkFixture(0, bulkMembers()...)
	f.store.getErr["m-2"] = errors.New("lookup timed out")

	result, err := f.svc.Apply(context.Background(), dto.BulkStatusRequest{IDs: []string{"m-1", "m-2", "m-3"}, Action: models.BulkDeactivate}, adminActor)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPartialBulkFailure))
	require.NotNil(t, result)
	assert.Equal(t, []string{"m-1", "m-3"}, result.Succeeded)
	require.Contains(t, result.Failed, "m-2")
	assert.Contains(t, result.Failed["m-2"], "lookup timed out")
	assert.Equal(t, 3, result.Attempted)

	assert.False(t, f.store.member("m-1").Active)
	assert.True(t, f.store.member("m-2").Active)
	assert.False(t, f.store.member("m-3").Active)

	entries := f.audit.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionBulkDeactivate, entries[0].Action)
	assert.Equal(t, 3, entries[0].Metadata[models.AuditMetaCount])
	assert.Equal(t, "school-1", entries[0].SchoolID)
}

func TestBulkStatusCascadeMatchesSingleToggle(t *testing.T) {
	f := newBulkFixture(0, bulkMembers()...)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1", "m-2"}, Action: "deactivate"}, adminActor)
	require.NoError(t, err)
	for _, id := range []string{"m-1", "m-2"} {
		assert.False(t, f.store.member(id).Dependents[0].Active)
	}

	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1"}, Action: models.BulkActivate}, adminActor)
	require.NoError(t, err)
	assert.True(t, f.store.member("m-1").Active)
	assert.False(t, f.store.member("m-1").Dependents[0].Active)

	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-2"}, Action: models.BulkActivate, Cascade: true}, adminActor)
	require.NoError(t, err)
	assert.True(t, f.store.member("m-2").Dependents[0].Active)

	single, err := f.members.SetActive(ctx, "m-3", false, false, adminActor)
	require.NoError(t, err)
	assert.False(t, single.Dependents[0].Active)
}

func TestBulkStatusPrefersLoadedRecords(t *testing.T) {
	f := newBulkFixture(0, bulkMembers()...)
	ctx := context.Background()

	_, err := f.members.Roster(ctx, "school-1")
	require.NoError(t, err)
	gets := f.store.gets

	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1", "m-3"}, Action: models.BulkDeactivate}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, gets, f.store.gets)

	roster, ok, err := f.roster.Peek(ctx, rosterKey("school-1"))
	require.NoError(t, err)
	require.True(t, ok)
	for _, m := range roster {
		assert.Equal(t, m.ID == "m-2", m.Active, m.ID)
	}
}

func TestBulkStatusInvalidatesRosterAfterPartialFailure(t *testing.T) {
	f := newBulkFixture(0, bulkMembers()...)
	ctx := context.Background()
	_, err := f.members.Roster(ctx, "school-1")
	require.NoError(t, err)
	f.store.putErr["m-2"] = errors.New("write refused")

	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1", "m-2"}, Action: models.BulkDeactivate}, adminActor)
	require.Error(t, err)

	_, ok, err := f.roster.Peek(ctx, rosterKey("school-1"))
	require.NoError(t, err)
	assert.False(t, ok)

	roster, err := f.members.Roster(ctx, "school-1")
	require.NoError(t, err)
	for _, m := range roster {
		assert.Equal(t, m.ID != "m-1", m.Active, m.ID)
	}
}

func TestBulkStatusValidation(t *testing.T) {
	f := newBulkFixture(2, bulkMembers()...)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1"}, Action: models.BulkDeactivate}, studentActor)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1"}, Action: "SUSPEND"}, adminActor)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1", "m-2", "m-3"}, Action: models.BulkDeactivate}, adminActor)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	result, err := f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1", " m-1 ", "m-2"}, Action: models.BulkDeactivate}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, []string{"m-1", "m-2"}, result.Succeeded)
}

func TestBulkStatusRejectsOutOfScopeItems(t *testing.T) {
	members := bulkMembers()
	members[1].SchoolID = "school-2"
	f := newBulkFixture(0, members...)

	result, err := f.svc.Apply(context.Background(), dto.BulkStatusRequest{IDs: []string{"m-1", "m-2"}, Action: models.BulkDeactivate}, adminActor)
	require.Error(t, err)
	assert.Contains(t, result.Failed, "m-2")
	assert.True(t, f.store.member("m-2").Active)
}

func TestBulkStatusSuperAdminInvalidatesEachSchoolRoster(t *testing.T) {
	members := bulkMembers()
	members[2].SchoolID = "school-2"
	f := newBulkFixture(0, members...)
	ctx := context.Background()
	root := models.Actor{ID: "root", Name: "Root", Role: models.RoleSuperAdmin}

	_, err := f.members.Roster(ctx, "school-1")
	require.NoError(t, err)
	_, err = f.members.Roster(ctx, "school-2")
	require.NoError(t, err)

	result, err := f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1", "m-3"}, Action: models.BulkDeactivate}, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1", "m-3"}, result.Succeeded)

	for _, school := range []string{"school-1", "school-2"} {
		_, ok, err := f.roster.Peek(ctx, rosterKey(school))
		require.NoError(t, err)
		assert.False(t, ok, school)
	}

	view, _, err := f.members.List(ctx, models.MemberFilter{SchoolID: "school-1"}, adminActor)
	require.NoError(t, err)
	for _, m := range view {
		assert.Equal(t, m.ID == "m-2", m.Active, m.ID)
	}

	entries := f.audit.entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "school-1", entries[0].SchoolID)
	assert.Equal(t, 1, entries[0].Metadata[models.AuditMetaCount])
	assert.Equal(t, "school-2", entries[1].SchoolID)
	assert.Equal(t, 2, entries[1].Metadata["attempted"])
}

func TestBulkStatusIgnoresRosterTouchedSinceFetch(t *testing.T) {
	f := newBulkFixture(0, bulkMembers()...)
	ctx := context.Background()

	_, err := f.members.Roster(ctx, "school-1")
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1"}, Action: models.BulkDeactivate}, adminActor)
	require.NoError(t, err)

	// The roster now carries an optimistic patch and is stale.
	gets := f.store.gets
	_, err = f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1"}, Action: models.BulkActivate}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, gets+1, f.store.gets)
	assert.True(t, f.store.member("m-1").Active)
	assert.False(t, f.store.member("m-1").Dependents[0].Active)
}

func TestBulkStatusRefetchesStaleRecordOnce(t *testing.T) {
	f := newBulkFixture(0, bulkMembers()...)
	ctx := context.Background()
	f.store.stale["m-1"] = 1
	f.store.stale["m-2"] = 2

	result, err := f.svc.Apply(ctx, dto.BulkStatusRequest{IDs: []string{"m-1", "m-2"}, Action: models.BulkDeactivate}, adminActor)
	require.Error(t, err)
	assert.Equal(t, []string{"m-1"}, result.Succeeded)
	assert.Contains(t, result.Failed["m-2"], "modified concurrently")
	assert.False(t, f.store.member("m-1").Active)
	assert.True(t, f.store.member("m-2").Active)
}
