package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

type memberStore interface {
	Get(ctx context.Context, id string) (*models.Member, error)
	Put(ctx context.Context, member *models.Member) (*models.Member, error)
}

// ApplyResult describes the outcome of an approved request's side effect.
type ApplyResult struct {
	Member  *models.Member
	Details string
}

// ChangeApplier performs the record mutation of an approved request.
type ChangeApplier interface {
	Apply(ctx context.Context, req *models.ChangeRequest, payload models.ChangePayload) (*ApplyResult, error)
}

// MemberApplier applies request payloads onto member records.
type MemberApplier struct {
	store  memberStore
	logger *zap.Logger
}

// NewMemberApplier constructs an applier backed by the member store.
func NewMemberApplier(store memberStore, logger *zap.Logger) *MemberApplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemberApplier{store: store, logger: logger}
}

// applyAttempts bounds how often Apply re-reads a member that another writer
// changed underneath it.
const applyAttempts = 3

// Apply re-reads the current member record, applies the payload and writes it
// back. A write that loses to a concurrent one is redone on a fresh read.
func (a *MemberApplier) Apply(ctx context.Context, req *models.ChangeRequest, payload models.ChangePayload) (*ApplyResult, error) {
	for attempt := 1; ; attempt++ {
		result, err := a.applyOnce(ctx, req, payload)
		if !errors.Is(err, repository.ErrStaleMember) {
			return result, err
		}
		if attempt == applyAttempts {
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("member %s kept changing, try again", req.StudentID))
		}
		a.logger.Debug("member changed during apply, retrying", zap.String("request_id", req.ID), zap.Int("attempt", attempt))
	}
}

func (a *MemberApplier) applyOnce(ctx context.Context, req *models.ChangeRequest, payload models.ChangePayload) (*ApplyResult, error) {
	member, err := a.store.Get(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTargetNotFound, fmt.Sprintf("member %s not found", req.StudentID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrRemoteFailure.Code, appErrors.ErrRemoteFailure.Status, "failed to load member")
	}

	var details string
	switch p := payload.(type) {
	case models.AddDependentPayload:
		details, err = addDependent(member, p)
	case models.DeleteDependentPayload:
		details, err = deleteDependent(member, dependentID(req))
	case models.UpdatePhotoPayload:
		member.PhotoURL = p.PhotoURL
		details = fmt.Sprintf("Updated photo of %s", member.FullName)
	case models.UpdateDependentPayload:
		details, err = updateDependent(member, dependentID(req), p)
	case models.UpdateInfoPayload:
		// Corrections are made by hand; approval only closes the loop.
		return &ApplyResult{Member: member, Details: infoDetails(member, p)}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported change request type %s", req.Type))
	}
	if err != nil {
		return nil, err
	}

	stored, err := a.store.Put(ctx, member)
	if err != nil {
		if errors.Is(err, repository.ErrStaleMember) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrRemoteFailure.Code, appErrors.ErrRemoteFailure.Status, "failed to write member")
	}
	a.logger.Debug("change request applied", zap.String("request_id", req.ID), zap.String("type", string(req.Type)), zap.String("member_id", stored.ID))
	return &ApplyResult{Member: stored, Details: details}, nil
}

func addDependent(member *models.Member, p models.AddDependentPayload) (string, error) {
	dep := p.Dependent
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	if member.Dependents.Index(dep.ID) >= 0 {
		return "", appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("dependent %s already exists", dep.ID))
	}
	dep.Active = member.Active
	member.Dependents = append(member.Dependents.Clone(), dep)
	return fmt.Sprintf("Added dependent %s (%s) to %s", dep.Name, dep.Relation, member.FullName), nil
}

func deleteDependent(member *models.Member, id string) (string, error) {
	idx := member.Dependents.Index(id)
	if idx < 0 {
		return "", appErrors.Clone(appErrors.ErrTargetNotFound, fmt.Sprintf("dependent %s not found", id))
	}
	name := member.Dependents[idx].Name
	deps := make(models.Dependents, 0, len(member.Dependents)-1)
	deps = append(deps, member.Dependents[:idx]...)
	deps = append(deps, member.Dependents[idx+1:]...)
	member.Dependents = deps
	return fmt.Sprintf("Removed dependent %s from %s", name, member.FullName), nil
}

// updateDependent replaces descriptive fields. Identity and active status are
// owned by the record and status toggles.
func updateDependent(member *models.Member, id string, p models.UpdateDependentPayload) (string, error) {
	idx := member.Dependents.Index(id)
	if idx < 0 {
		return "", appErrors.Clone(appErrors.ErrTargetNotFound, fmt.Sprintf("dependent %s not found", id))
	}
	deps := member.Dependents.Clone()
	current := deps[idx]
	next := p.New
	next.ID = current.ID
	next.Active = current.Active
	deps[idx] = next
	member.Dependents = deps
	return fmt.Sprintf("Updated dependent %s of %s", next.Name, member.FullName), nil
}

func infoDetails(member *models.Member, p models.UpdateInfoPayload) string {
	parts := make([]string, 0, len(p.Fields))
	for field := range p.Fields {
		parts = append(parts, field)
	}
	sort.Strings(parts)
	details := fmt.Sprintf("Acknowledged information update for %s", member.FullName)
	if len(parts) > 0 {
		details += " (" + strings.Join(parts, ", ") + ")"
	}
	if p.Description != "" {
		details += ": " + p.Description
	}
	return details
}

func dependentID(req *models.ChangeRequest) string {
	if req.DependentID == nil {
		return ""
	}
	return *req.DependentID
}

// validatePayload rejects payloads whose side effect could never apply.
func validatePayload(req *models.ChangeRequest, payload models.ChangePayload) error {
	if req.Type.TargetsDependent() && dependentID(req) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "dependentId is required")
	}
	switch p := payload.(type) {
	case models.AddDependentPayload:
		if strings.TrimSpace(p.Dependent.Name) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "dependent name is required")
		}
		if strings.TrimSpace(p.Dependent.Relation) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "dependent relation is required")
		}
	case models.DeleteDependentPayload:
	case models.UpdatePhotoPayload:
		if strings.TrimSpace(p.PhotoURL) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "photoUrl is required")
		}
	case models.UpdateDependentPayload:
		if strings.TrimSpace(p.New.Name) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "new dependent name is required")
		}
	case models.UpdateInfoPayload:
		if len(p.Fields) == 0 && strings.TrimSpace(p.Description) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "fields or description is required")
		}
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unsupported change request type")
	}
	return nil
}
