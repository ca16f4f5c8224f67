package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

func newMemberServiceFixture(members ...models.Member) (*MemberService, *memberStoreStub, *recordingAudit, *OptimisticCache[[]models.Member]) {
	store := newMemberStoreStub(members...)
	audit := &recordingAudit{}
	roster := NewOptimisticCache[[]models.Member]("roster", repository.NewMemoryCacheRepository(), time.Minute, nil, nil)
	return NewMemberService(store, roster, audit, nil), store, audit, roster
}

func TestApplyActiveStatusCascade(t *testing.T) {
	member := sampleMember(
		models.Dependent{ID: "a", Active: true},
		models.Dependent{ID: "b", Active: true},
	)

	off := applyActiveStatus(member, false, false)
	assert.False(t, off.Active)
	for _, d := range off.Dependents {
		assert.False(t, d.Active)
	}
	assert.True(t, member.Dependents[0].Active, "input must not be modified")

	on := applyActiveStatus(off, true, false)
	assert.True(t, on.Active)
	for _, d := range on.Dependents {
		assert.False(t, d.Active)
	}

	cascaded := applyActiveStatus(off, true, true)
	for _, d := range cascaded.Dependents {
		assert.True(t, d.Active)
	}
}

func TestMemberServiceSetActiveCascades(t *testing.T) {
	svc, store, audit, _ := newMemberServiceFixture(sampleMember(models.Dependent{ID: "a", Active: true}))
	ctx := context.Background()

	updated, err := svc.SetActive(ctx, "student-1", false, false, adminActor)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.False(t, store.member("student-1").Dependents[0].Active)

	_, err = svc.SetActive(ctx, "student-1", true, false, adminActor)
	require.NoError(t, err)
	assert.True(t, store.member("student-1").Active)
	assert.False(t, store.member("student-1").Dependents[0].Active)

	_, err = svc.SetActive(ctx, "student-1", true, true, adminActor)
	require.NoError(t, err)
	assert.True(t, store.member("student-1").Dependents[0].Active)

	entries := audit.entries()
	require.Len(t, entries, 3)
	assert.Equal(t, models.AuditActionMemberDeactivate, entries[0].Action)
	assert.Equal(t, models.AuditActionMemberActivate, entries[2].Action)
	assert.Equal(t, true, entries[0].Metadata["cascade"])
}

func TestMemberServiceSetActiveRollsBackRoster(t *testing.T) {
	svc, store, audit, roster := newMemberServiceFixture(sampleMember())
	ctx := context.Background()

	before, err := svc.Roster(ctx, "school-1")
	require.NoError(t, err)
	require.True(t, before[0].Active)

	store.putErr["student-1"] = errors.New("connection reset")
	_, err = svc.SetActive(ctx, "student-1", false, false, adminActor)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrRemoteFailure))

	cached, ok, err := roster.Peek(ctx, rosterKey("school-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached[0].Active)
	assert.Empty(t, audit.entries())
}

func TestMemberServiceSetActiveReportsConcurrentChange(t *testing.T) {
	svc, store, audit, _ := newMemberServiceFixture(sampleMember())
	store.stale["student-1"] = 1

	_, err := svc.SetActive(context.Background(), "student-1", false, false, adminActor)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.True(t, store.member("student-1").Active)
	assert.Empty(t, audit.entries())
}

func TestMemberServiceScope(t *testing.T) {
	other := sampleMember()
	other.ID = "student-2"
	other.SchoolID = "school-2"
	svc, _, _, _ := newMemberServiceFixture(sampleMember(), other)
	ctx := context.Background()

	_, err := svc.Get(ctx, "student-2", adminActor)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = svc.Get(ctx, "student-1", studentActor)
	assert.NoError(t, err)

	_, err = svc.SetActive(ctx, "student-1", false, false, studentActor)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = svc.Get(ctx, "missing", adminActor)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestMemberServiceListPagesRoster(t *testing.T) {
	a := sampleMember()
	b := sampleMember()
	b.ID, b.FullName = "student-2", "Bruno"
	svc, store, _, _ := newMemberServiceFixture(a, b)
	ctx := context.Background()

	page, pagination, err := svc.List(ctx, models.MemberFilter{PageSize: 1}, adminActor)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Bruno", page[0].FullName)
	assert.Equal(t, 2, pagination.TotalCount)

	page, _, err = svc.List(ctx, models.MemberFilter{Page: 2, PageSize: 1}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, "Joana", page[0].FullName)
	assert.Equal(t, 1, store.lists)

	_, _, err = svc.List(ctx, models.MemberFilter{}, studentActor)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestMemberServiceRemove(t *testing.T) {
	b := sampleMember()
	b.ID, b.FullName = "student-2", "Bruno"
	svc, store, audit, roster := newMemberServiceFixture(sampleMember(models.Dependent{ID: "a", Active: true}), b)
	ctx := context.Background()

	_, err := svc.Roster(ctx, "school-1")
	require.NoError(t, err)

	require.NoError(t, svc.Remove(ctx, "student-1", adminActor))
	_, err = store.Get(ctx, "student-1")
	assert.Error(t, err)

	cached, ok, err := roster.Peek(ctx, rosterKey("school-1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, cached, 1)
	assert.Equal(t, "student-2", cached[0].ID)

	entries := audit.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionMemberRemove, entries[0].Action)
	assert.Equal(t, "student-1", entries[0].Metadata[models.AuditMetaTargetID])

	assert.True(t, appErrors.Is(svc.Remove(ctx, "student-1", adminActor), appErrors.ErrNotFound))
	assert.True(t, appErrors.Is(svc.Remove(ctx, "student-2", studentActor), appErrors.ErrForbidden))
}
