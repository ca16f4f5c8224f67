package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/member-requests-api/internal/models"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

func depID(id string) *string { return &id }

func TestMemberApplierAppliesEveryType(t *testing.T) {
	filho := models.Dependent{ID: "dep-1", Name: "Filho", Relation: "son", Active: true}
	cases := []struct {
		name    string
		req     *models.ChangeRequest
		payload models.ChangePayload
		check   func(t *testing.T, m models.Member, details string)
	}{
		{
			name:    "add dependent",
			req:     &models.ChangeRequest{Type: models.ChangeRequestAddDependent},
			payload: models.AddDependentPayload{Dependent: models.Dependent{Name: "J", Relation: "Filho"}},
			check: func(t *testing.T, m models.Member, details string) {
				require.Len(t, m.Dependents, 2)
				assert.Equal(t, "J", m.Dependents[1].Name)
				assert.Equal(t, "Added dependent J (Filho) to Joana", details)
			},
		},
		{
			name:    "delete dependent",
			req:     &models.ChangeRequest{Type: models.ChangeRequestDeleteDependent, DependentID: depID("dep-1")},
			payload: models.DeleteDependentPayload{},
			check: func(t *testing.T, m models.Member, details string) {
				assert.Empty(t, m.Dependents)
				assert.Equal(t, "Removed dependent Filho from Joana", details)
			},
		},
		{
			name:    "update photo",
			req:     &models.ChangeRequest{Type: models.ChangeRequestUpdatePhoto},
			payload: models.UpdatePhotoPayload{PhotoURL: "https://cdn/new.png"},
			check: func(t *testing.T, m models.Member, details string) {
				assert.Equal(t, "https://cdn/new.png", m.PhotoURL)
				assert.Equal(t, "Updated photo of Joana", details)
			},
		},
		{
			name:    "update dependent",
			req:     &models.ChangeRequest{Type: models.ChangeRequestUpdateDependent, DependentID: depID("dep-1")},
			payload: models.UpdateDependentPayload{New: models.Dependent{ID: "ignored", Name: "Filho Jr", Relation: "son", Active: false}},
			check: func(t *testing.T, m models.Member, details string) {
				require.Len(t, m.Dependents, 1)
				assert.Equal(t, "dep-1", m.Dependents[0].ID)
				assert.Equal(t, "Filho Jr", m.Dependents[0].Name)
				assert.True(t, m.Dependents[0].Active)
				assert.Equal(t, "Updated dependent Filho Jr of Joana", details)
			},
		},
		{
			name:    "update info",
			req:     &models.ChangeRequest{Type: models.ChangeRequestUpdateInfo},
			payload: models.UpdateInfoPayload{Fields: map[string]string{"phone": "1", "address": "2"}, Description: "moved"},
			check: func(t *testing.T, m models.Member, details string) {
				assert.Equal(t, "Acknowledged information update for Joana (address, phone): moved", details)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemberStoreStub(sampleMember(filho))
			applier := NewMemberApplier(store, nil)
			tc.req.ID = "req-1"
			tc.req.StudentID = "student-1"

			result, err := applier.Apply(context.Background(), tc.req, tc.payload)
			require.NoError(t, err)
			tc.check(t, store.member("student-1"), result.Details)
		})
	}
}

func TestMemberApplierUpdateInfoDoesNotWrite(t *testing.T) {
	store := newMemberStoreStub(sampleMember())
	applier := NewMemberApplier(store, nil)

	_, err := applier.Apply(context.Background(), &models.ChangeRequest{StudentID: "student-1", Type: models.ChangeRequestUpdateInfo}, models.UpdateInfoPayload{Description: "typo in surname"})
	require.NoError(t, err)
	assert.Zero(t, store.puts)
}

func TestMemberApplierErrors(t *testing.T) {
	store := newMemberStoreStub(sampleMember(models.Dependent{ID: "dep-1", Name: "Filho"}))
	applier := NewMemberApplier(store, nil)
	ctx := context.Background()

	_, err := applier.Apply(ctx, &models.ChangeRequest{StudentID: "missing", Type: models.ChangeRequestUpdatePhoto}, models.UpdatePhotoPayload{PhotoURL: "x"})
	assert.True(t, appErrors.Is(err, appErrors.ErrTargetNotFound))

	_, err = applier.Apply(ctx, &models.ChangeRequest{StudentID: "student-1", Type: models.ChangeRequestDeleteDependent, DependentID: depID("dep-9")}, models.DeleteDependentPayload{})
	assert.True(t, appErrors.Is(err, appErrors.ErrTargetNotFound))

	_, err = applier.Apply(ctx, &models.ChangeRequest{StudentID: "student-1", Type: models.ChangeRequestAddDependent}, models.AddDependentPayload{Dependent: models.Dependent{ID: "dep-1", Name: "Again"}})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	store.putErr["student-1"] = errors.New("connection reset")
	_, err = applier.Apply(ctx, &models.ChangeRequest{StudentID: "student-1", Type: models.ChangeRequestUpdatePhoto}, models.UpdatePhotoPayload{PhotoURL: "x"})
	assert.True(t, appErrors.Is(err, appErrors.ErrRemoteFailure))
}

func TestMemberApplierRedoesWriteLostToConcurrentUpdate(t *testing.T) {
	store := newMemberStoreStub(sampleMember(models.Dependent{ID: "dep-1", Name: "Filho"}))
	applier := NewMemberApplier(store, nil)
	ctx := context.Background()
	store.stale["student-1"] = 2

	result, err := applier.Apply(ctx, &models.ChangeRequest{StudentID: "student-1", Type: models.ChangeRequestAddDependent}, models.AddDependentPayload{Dependent: models.Dependent{ID: "dep-2", Name: "Filha"}})
	require.NoError(t, err)
	require.Len(t, result.Member.Dependents, 2)
	assert.Equal(t, 3, store.gets)
	assert.Len(t, store.member("student-1").Dependents, 2)

	store.stale["student-1"] = applyAttempts
	_, err = applier.Apply(ctx, &models.ChangeRequest{StudentID: "student-1", Type: models.ChangeRequestUpdatePhoto}, models.UpdatePhotoPayload{PhotoURL: "https://cdn/new.png"})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Empty(t, store.member("student-1").PhotoURL)
}

func TestAddDependentInheritsMemberStatus(t *testing.T) {
	member := sampleMember()
	member.Active = false
	_, err := addDependent(&member, models.AddDependentPayload{Dependent: models.Dependent{Name: "J", Relation: "Filho", Active: true}})
	require.NoError(t, err)
	assert.False(t, member.Dependents[0].Active)
}
