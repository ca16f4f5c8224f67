package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/member-requests-api/internal/dto"
	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

// BulkStatusService applies an active flag to many members with per-item
// isolation and a single aggregate audit entry.
type BulkStatusService struct {
	store     memberStore
	roster    *OptimisticCache[[]models.Member]
	audit     auditRecorder
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	maxItems  int
}

// BulkStatusConfig tunes the coordinator.
type BulkStatusConfig struct {
	MaxItems int
}

// NewBulkStatusService constructs the coordinator. roster and metrics may be nil.
func NewBulkStatusService(store memberStore, roster *OptimisticCache[[]models.Member], audit auditRecorder, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg BulkStatusConfig) *BulkStatusService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 500
	}
	return &BulkStatusService{
		store:     store,
		roster:    roster,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		maxItems:  cfg.MaxItems,
	}
}

// Apply writes the requested status to every id. Items already applied stay
// applied when others fail; the returned result lists each outcome and the
// error is ErrPartialBulkFailure when any item failed.
func (s *BulkStatusService) Apply(ctx context.Context, req dto.BulkStatusRequest, actor models.Actor) (*models.BulkResult, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can run bulk actions")
	}
	req.Action = models.BulkAction(strings.ToUpper(strings.TrimSpace(string(req.Action))))
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk request")
	}
	ids := uniqueIDs(req.IDs)
	if len(ids) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "ids are required")
	}
	if len(ids) > s.maxItems {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d items per bulk action", s.maxItems))
	}

	active := req.Action.Active()
	cascade := req.Cascade

	// A school admin's roster is patched in place. Other rosters touched by the
	// batch are only known once the records load and are invalidated after.
	var cache *OptimisticCache[[]models.Member]
	loaded := map[string]models.Member{}
	if actor.SchoolID != "" {
		cache = s.roster
		if roster, ok, err := cache.PeekFresh(ctx, rosterKey(actor.SchoolID)); err == nil && ok {
			for _, m := range roster {
				loaded[m.ID] = m
			}
		}
	}

	result := &models.BulkResult{Action: req.Action, Attempted: len(ids), Succeeded: []string{}, Failed: map[string]string{}}
	written := map[string][]string{}
	err := cache.Mutate(ctx, rosterKey(actor.SchoolID), func(roster []models.Member) []models.Member {
		out := make([]models.Member, len(roster))
		for i, m := range roster {
			if containsID(ids, m.ID) {
				m = applyActiveStatus(m, active, cascade)
			}
			out[i] = m
		}
		return out
	}, func(ctx context.Context) (*[]models.Member, error) {
		s.fanOut(ctx, ids, loaded, active, cascade, actor, result, written)
		if len(result.Failed) > 0 {
			return nil, appErrors.Clone(appErrors.ErrPartialBulkFailure, fmt.Sprintf("%d of %d bulk items failed", len(result.Failed), len(ids)))
		}
		return nil, nil
	})
	if err != nil && len(result.Failed) > 0 {
		// Some items did commit; the restored snapshot predates them.
		cache.Invalidate(rosterKey(actor.SchoolID))
	}
	for schoolID := range written {
		if cache != nil && schoolID == actor.SchoolID {
			continue
		}
		s.roster.Invalidate(rosterKey(schoolID))
	}

	s.recordAudit(ctx, req.Action, len(ids), written, actor)

	if err != nil {
		s.logger.Warn("bulk status completed with failures",
			zap.String("action", string(req.Action)),
			zap.Int("attempted", len(ids)),
			zap.Int("failed", len(result.Failed)),
			zap.Any("errors", result.Failed),
		)
		return result, err
	}
	return result, nil
}

// fanOut applies every id concurrently. written collects the committed ids by
// the school that owns them.
func (s *BulkStatusService) fanOut(ctx context.Context, ids []string, loaded map[string]models.Member, active, cascade bool, actor models.Actor, result *models.BulkResult, written map[string][]string) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			schoolID, err := s.applyOne(ctx, id, loaded, active, cascade, actor)
			s.metrics.RecordBulkItem(result.Action, err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err.Error()
				return
			}
			result.Succeeded = append(result.Succeeded, id)
			written[schoolID] = append(written[schoolID], id)
		}(id)
	}
	wg.Wait()
	sort.Strings(result.Succeeded)
	for schoolID := range written {
		sort.Strings(written[schoolID])
	}
}

// applyOne writes a single member and returns the school it belongs to. A
// loaded copy that lost a race with another writer is refetched once.
func (s *BulkStatusService) applyOne(ctx context.Context, id string, loaded map[string]models.Member, active, cascade bool, actor models.Actor) (string, error) {
	member, ok := loaded[id]
	for attempt := 0; ; attempt++ {
		if !ok {
			fetched, err := s.store.Get(ctx, id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return "", appErrors.Clone(appErrors.ErrNotFound, "member not found")
				}
				return "", fmt.Errorf("load member: %w", err)
			}
			member = *fetched
		}
		if err := checkMemberScope(&member, actor); err != nil {
			return "", appErrors.Clone(appErrors.ErrForbidden, "member outside actor scope")
		}
		next := applyActiveStatus(member, active, cascade)
		_, err := s.store.Put(ctx, &next)
		if err == nil {
			return member.SchoolID, nil
		}
		if errors.Is(err, repository.ErrStaleMember) && attempt == 0 {
			ok = false
			continue
		}
		return "", fmt.Errorf("write member: %w", err)
	}
}

// recordAudit writes the aggregate entry. A school admin gets one entry for
// their school; an actor without a school gets one per school written so
// school-scoped queries still find it.
func (s *BulkStatusService) recordAudit(ctx context.Context, action models.BulkAction, attempted int, written map[string][]string, actor models.Actor) {
	auditAction := models.AuditActionBulkDeactivate
	verb := "deactivate"
	if action.Active() {
		auditAction = models.AuditActionBulkActivate
		verb = "activate"
	}
	record := func(schoolID string, count int) {
		s.audit.Record(ctx, models.AuditLogDraft{
			SchoolID: schoolID,
			Actor:    actor,
			Action:   auditAction,
			Details:  fmt.Sprintf("Bulk %s of %d members", verb, count),
			Metadata: models.AuditMetadata{
				models.AuditMetaCount: count,
				"attempted":           attempted,
				"action":              string(action),
			},
		})
	}
	if actor.SchoolID != "" || len(written) == 0 {
		record(actor.SchoolID, attempted)
		return
	}
	schools := make([]string, 0, len(written))
	for schoolID := range written {
		schools = append(schools, schoolID)
	}
	sort.Strings(schools)
	for _, schoolID := range schools {
		record(schoolID, len(written[schoolID]))
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
