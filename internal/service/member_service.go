package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

const rosterPageSize = 500

type memberRepository interface {
	Get(ctx context.Context, id string) (*models.Member, error)
	Put(ctx context.Context, member *models.Member) (*models.Member, error)
	List(ctx context.Context, filter models.MemberFilter) ([]models.Member, int, error)
	Remove(ctx context.Context, id string) error
}

// MemberService reads member records and toggles their status.
type MemberService struct {
	repo   memberRepository
	roster *OptimisticCache[[]models.Member]
	audit  auditRecorder
	logger *zap.Logger
}

// NewMemberService constructs the service. roster may be nil.
func NewMemberService(repo memberRepository, roster *OptimisticCache[[]models.Member], audit auditRecorder, logger *zap.Logger) *MemberService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemberService{repo: repo, roster: roster, audit: audit, logger: logger}
}

// List returns members of the actor's school. Unfiltered listings page over
// the cached roster.
func (s *MemberService) List(ctx context.Context, filter models.MemberFilter, actor models.Actor) ([]models.Member, *models.Pagination, error) {
	if actor.Role != models.RoleSuperAdmin {
		if !actor.IsAdmin() && actor.Role != models.RoleStaff {
			return nil, nil, appErrors.ErrForbidden
		}
		filter.SchoolID = actor.SchoolID
	}
	filter.Page, filter.PageSize = models.NormalizePage(filter.Page, filter.PageSize, 20, rosterPageSize)

	if filter.SchoolID != "" && filter.Kind == "" && filter.Active == nil && filter.Search == "" {
		roster, err := s.Roster(ctx, filter.SchoolID)
		if err != nil {
			return nil, nil, err
		}
		start := (filter.Page - 1) * filter.PageSize
		if start > len(roster) {
			start = len(roster)
		}
		end := start + filter.PageSize
		if end > len(roster) {
			end = len(roster)
		}
		return roster[start:end], &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: len(roster)}, nil
	}

	members, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list members")
	}
	if members == nil {
		members = []models.Member{}
	}
	return members, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Roster returns every member of a school through the cache.
func (s *MemberService) Roster(ctx context.Context, schoolID string) ([]models.Member, error) {
	return s.roster.Read(ctx, rosterKey(schoolID), func(ctx context.Context) ([]models.Member, error) {
		roster := make([]models.Member, 0)
		for page := 1; ; page++ {
			members, total, err := s.repo.List(ctx, models.MemberFilter{SchoolID: schoolID, Page: page, PageSize: rosterPageSize})
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
			}
			roster = append(roster, members...)
			if len(members) < rosterPageSize || len(roster) >= total {
				return roster, nil
			}
		}
	})
}

// Get returns a single member within the actor's scope.
func (s *MemberService) Get(ctx context.Context, id string, actor models.Actor) (*models.Member, error) {
	member, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkMemberScope(member, actor); err != nil {
		return nil, err
	}
	return member, nil
}

// SetActive toggles one member. Deactivation always cascades to dependents;
// reactivation only when cascade is set.
func (s *MemberService) SetActive(ctx context.Context, id string, active, cascade bool, actor models.Actor) (*models.Member, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can change member status")
	}
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkMemberScope(current, actor); err != nil {
		return nil, err
	}

	next := applyActiveStatus(*current, active, cascade)
	var stored *models.Member
	err = s.roster.Mutate(ctx, rosterKey(current.SchoolID), func(roster []models.Member) []models.Member {
		return replaceMember(roster, next)
	}, func(ctx context.Context) (*[]models.Member, error) {
		var perr error
		stored, perr = s.repo.Put(ctx, &next)
		if errors.Is(perr, repository.ErrStaleMember) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "member changed since it was read, reload and retry")
		}
		return nil, perr
	})
	if err != nil {
		return nil, err
	}

	action := models.AuditActionMemberDeactivate
	verb := "Deactivated"
	if active {
		action = models.AuditActionMemberActivate
		verb = "Activated"
	}
	s.audit.Record(ctx, models.AuditLogDraft{
		SchoolID:      stored.SchoolID,
		Actor:         actor,
		Action:        action,
		TargetStudent: stored.FullName,
		Details:       fmt.Sprintf("%s %s", verb, stored.FullName),
		Metadata: models.AuditMetadata{
			models.AuditMetaTargetID: stored.ID,
			"cascade":                cascade || !active,
		},
	})
	return stored, nil
}

// Remove deletes a member record and drops it from the cached roster.
func (s *MemberService) Remove(ctx context.Context, id string, actor models.Actor) error {
	if !actor.IsAdmin() {
		return appErrors.Clone(appErrors.ErrForbidden, "only administrators can remove members")
	}
	current, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := checkMemberScope(current, actor); err != nil {
		return err
	}
	err = s.roster.Mutate(ctx, rosterKey(current.SchoolID), func(roster []models.Member) []models.Member {
		out := make([]models.Member, 0, len(roster))
		for _, m := range roster {
			if m.ID != id {
				out = append(out, m)
			}
		}
		return out
	}, func(ctx context.Context) (*[]models.Member, error) {
		if err := s.repo.Remove(ctx, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "member not found")
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, models.AuditLogDraft{
		SchoolID:      current.SchoolID,
		Actor:         actor,
		Action:        models.AuditActionMemberRemove,
		TargetStudent: current.FullName,
		Details:       fmt.Sprintf("Removed %s with %d dependents", current.FullName, len(current.Dependents)),
		Metadata: models.AuditMetadata{
			models.AuditMetaTargetID: current.ID,
		},
	})
	return nil
}

func (s *MemberService) load(ctx context.Context, id string) (*models.Member, error) {
	member, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "member not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load member")
	}
	return member, nil
}

// applyActiveStatus is the only place member status changes. A dependent is
// never left active under an inactive member.
func applyActiveStatus(member models.Member, active, cascade bool) models.Member {
	member.Active = active
	deps := member.Dependents.Clone()
	for i := range deps {
		switch {
		case !active:
			deps[i].Active = false
		case cascade:
			deps[i].Active = true
		}
	}
	member.Dependents = deps
	return member
}

func replaceMember(roster []models.Member, member models.Member) []models.Member {
	out := make([]models.Member, len(roster))
	copy(out, roster)
	for i := range out {
		if out[i].ID == member.ID {
			out[i] = member
		}
	}
	return out
}

func checkMemberScope(member *models.Member, actor models.Actor) error {
	switch actor.Role {
	case models.RoleSuperAdmin:
		return nil
	case models.RoleAdmin, models.RoleStaff:
		if actor.SchoolID == member.SchoolID {
			return nil
		}
	case models.RoleStudent, models.RolePartner:
		if actor.ID == member.ID {
			return nil
		}
	}
	return appErrors.ErrForbidden
}
