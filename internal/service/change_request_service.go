package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/member-requests-api/internal/dto"
	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

const pendingQueueLimit = 200

type changeRequestStore interface {
	Create(ctx context.Context, req *models.ChangeRequest) error
	GetByID(ctx context.Context, id string) (*models.ChangeRequest, error)
	FindPendingByFingerprint(ctx context.Context, fingerprint string) (*models.ChangeRequest, error)
	List(ctx context.Context, filter models.ChangeRequestFilter) ([]models.ChangeRequest, int, error)
	Resolve(ctx context.Context, params repository.ResolveChangeRequestParams) error
	Reopen(ctx context.Context, id, resolvedBy string) error
}

type auditRecorder interface {
	Record(ctx context.Context, draft models.AuditLogDraft)
}

type memberReader interface {
	Get(ctx context.Context, id string) (*models.Member, error)
}

// ChangeRequestService accepts member change requests and resolves them.
type ChangeRequestService struct {
	repo      changeRequestStore
	members   memberReader
	applier   ChangeApplier
	audit     auditRecorder
	queue     *OptimisticCache[[]models.ChangeRequest]
	roster    *OptimisticCache[[]models.Member]
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// ChangeRequestServiceOption configures the service.
type ChangeRequestServiceOption func(*ChangeRequestService)

// WithChangeRequestQueueCache serves and patches the pending queue through cache.
func WithChangeRequestQueueCache(cache *OptimisticCache[[]models.ChangeRequest]) ChangeRequestServiceOption {
	return func(s *ChangeRequestService) {
		s.queue = cache
	}
}

// WithChangeRequestRosterCache invalidates member rosters after approvals.
func WithChangeRequestRosterCache(cache *OptimisticCache[[]models.Member]) ChangeRequestServiceOption {
	return func(s *ChangeRequestService) {
		s.roster = cache
	}
}

// WithChangeRequestMetrics records resolution outcomes.
func WithChangeRequestMetrics(m *MetricsService) ChangeRequestServiceOption {
	return func(s *ChangeRequestService) {
		s.metrics = m
	}
}

// NewChangeRequestService wires the approval workflow.
func NewChangeRequestService(repo changeRequestStore, members memberReader, applier ChangeApplier, audit auditRecorder, validate *validator.Validate, logger *zap.Logger, opts ...ChangeRequestServiceOption) *ChangeRequestService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ChangeRequestService{
		repo:      repo,
		members:   members,
		applier:   applier,
		audit:     audit,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create stores a new pending request. Resubmitting an identical pending
// request succeeds and returns the existing one with created=false.
func (s *ChangeRequestService) Create(ctx context.Context, req dto.CreateChangeRequestRequest, actor models.Actor) (*models.ChangeRequest, bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change request")
	}
	requestType := models.ChangeRequestType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	if !requestType.Valid() {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported change request type %q", req.Type))
	}
	if (actor.Role == models.RoleStudent || actor.Role == models.RolePartner) && actor.ID != req.StudentID {
		return nil, false, appErrors.Clone(appErrors.ErrForbidden, "members may only submit requests for themselves")
	}
	schoolID := strings.TrimSpace(req.SchoolID)
	if schoolID == "" {
		schoolID = actor.SchoolID
	}
	if schoolID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "schoolId is required")
	}
	if actor.Role != models.RoleSuperAdmin && actor.SchoolID != "" && actor.SchoolID != schoolID {
		return nil, false, appErrors.Clone(appErrors.ErrForbidden, "school outside actor scope")
	}

	payload, err := models.DecodeChangePayload(requestType, req.Payload)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	canonical, err := models.EncodeChangePayload(payload)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}

	request := &models.ChangeRequest{
		ID:          uuid.NewString(),
		SchoolID:    schoolID,
		StudentID:   req.StudentID,
		StudentName: strings.TrimSpace(req.StudentName),
		Type:        requestType,
		Status:      models.ChangeRequestPending,
		Payload:     canonical,
		Reason:      strings.TrimSpace(req.Reason),
		RequestedBy: actor.ID,
		CreatedAt:   s.now(),
	}
	if requestType.TargetsDependent() {
		request.DependentID = optionalString(req.DependentID)
		request.DependentName = optionalString(req.DependentName)
	}
	if add, ok := payload.(models.AddDependentPayload); ok {
		request.DependentName = optionalString(add.Dependent.Name)
	}
	if err := validatePayload(request, payload); err != nil {
		return nil, false, err
	}
	request.Fingerprint = Fingerprint(request.StudentID, request.Type, dependentID(request), canonical)

	created := true
	err = s.queue.Mutate(ctx, queueKey(schoolID), func(current []models.ChangeRequest) []models.ChangeRequest {
		return append([]models.ChangeRequest{*request}, current...)
	}, func(ctx context.Context) (*[]models.ChangeRequest, error) {
		err := s.repo.Create(ctx, request)
		if errors.Is(err, repository.ErrDuplicatePending) {
			existing, findErr := s.repo.FindPendingByFingerprint(ctx, request.Fingerprint)
			if errors.Is(findErr, sql.ErrNoRows) {
				// The conflicting request was resolved after our insert; insert again once.
				if err = s.repo.Create(ctx, request); !errors.Is(err, repository.ErrDuplicatePending) {
					return nil, err
				}
				return nil, appErrors.Wrap(err, appErrors.ErrDuplicateSubmission.Code, appErrors.ErrDuplicateSubmission.Status, appErrors.ErrDuplicateSubmission.Message)
			}
			if findErr != nil {
				return nil, appErrors.Wrap(findErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending request")
			}
			s.logger.Info("duplicate change request submission treated as success",
				zap.String("existing_id", existing.ID),
				zap.String("student_id", existing.StudentID),
				zap.String("type", string(existing.Type)),
			)
			request = existing
			created = false
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		// The optimistic prepend holds a request that was never stored.
		s.queue.Invalidate(queueKey(schoolID))
		return request, false, nil
	}
	s.audit.Record(ctx, models.AuditLogDraft{
		SchoolID:      request.SchoolID,
		Actor:         actor,
		Action:        models.AuditActionRequestCreate,
		TargetStudent: request.StudentName,
		Details:       fmt.Sprintf("Submitted %s request for %s", request.Type, request.StudentName),
		Metadata: models.AuditMetadata{
			models.AuditMetaRequestID:   request.ID,
			models.AuditMetaRequestType: string(request.Type),
			models.AuditMetaTargetID:    request.StudentID,
		},
	})
	return request, true, nil
}

// List returns requests visible to the actor.
func (s *ChangeRequestService) List(ctx context.Context, query dto.ChangeRequestQuery, actor models.Actor) ([]models.ChangeRequest, *models.Pagination, error) {
	filter := models.ChangeRequestFilter{
		SchoolID:  query.SchoolID,
		StudentID: query.StudentID,
		Status:    query.Status,
		Type:      query.Type,
	}
	filter.Page, filter.PageSize = models.NormalizePage(query.Page, query.PageSize, 20, 200)
	switch actor.Role {
	case models.RoleSuperAdmin:
	case models.RoleAdmin, models.RoleStaff:
		filter.SchoolID = actor.SchoolID
	case models.RoleStudent, models.RolePartner:
		filter.StudentID = actor.ID
	default:
		return nil, nil, appErrors.ErrForbidden
	}
	requests, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list change requests")
	}
	if requests == nil {
		requests = []models.ChangeRequest{}
	}
	return requests, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Pending returns the school's pending queue, served from cache when warm.
func (s *ChangeRequestService) Pending(ctx context.Context, schoolID string, actor models.Actor) ([]models.ChangeRequest, error) {
	if !actor.IsAdmin() && actor.Role != models.RoleStaff {
		return nil, appErrors.ErrForbidden
	}
	if actor.Role != models.RoleSuperAdmin {
		schoolID = actor.SchoolID
	}
	if schoolID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "schoolId is required")
	}
	return s.queue.Read(ctx, queueKey(schoolID), func(ctx context.Context) ([]models.ChangeRequest, error) {
		requests, _, err := s.repo.List(ctx, models.ChangeRequestFilter{
			SchoolID: schoolID,
			Status:   []models.ChangeRequestStatus{models.ChangeRequestPending},
			Page:     1,
			PageSize: pendingQueueLimit,
		})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pending queue")
		}
		if requests == nil {
			requests = []models.ChangeRequest{}
		}
		return requests, nil
	})
}

// Get returns a request enforcing actor scope.
func (s *ChangeRequestService) Get(ctx context.Context, id string, actor models.Actor) (*models.ChangeRequest, error) {
	request, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRequestScope(request, actor); err != nil {
		return nil, err
	}
	return request, nil
}

// Resolve approves or rejects a pending request. Validation happens before any
// write; the status guard at write time makes a concurrent second resolution
// fail with ErrInvalidTransition.
func (s *ChangeRequestService) Resolve(ctx context.Context, id string, req dto.ResolveChangeRequestRequest, actor models.Actor) (*models.ChangeRequest, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can resolve change requests")
	}
	req.Action = models.ResolutionAction(strings.ToUpper(strings.TrimSpace(string(req.Action))))
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "action must be APPROVE or REJECT")
	}
	if req.Action == models.ResolutionReject && req.Reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rejection reason is required")
	}

	request, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRequestScope(request, actor); err != nil {
		return nil, err
	}
	if request.Status != models.ChangeRequestPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("change request already %s", strings.ToLower(string(request.Status))))
	}
	payload, err := request.DecodePayload()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "stored payload is unreadable")
	}

	var resolved *models.ChangeRequest
	err = s.queue.Mutate(ctx, queueKey(request.SchoolID), func(current []models.ChangeRequest) []models.ChangeRequest {
		return withoutRequest(current, request.ID)
	}, func(ctx context.Context) (*[]models.ChangeRequest, error) {
		var rerr error
		if req.Action == models.ResolutionApprove {
			resolved, rerr = s.approve(ctx, request, payload, actor)
		} else {
			resolved, rerr = s.reject(ctx, request, req.Reason, actor)
		}
		return nil, rerr
	})
	if err != nil {
		s.metrics.RecordResolution(request.Type, req.Action, "failure")
		return nil, err
	}
	s.metrics.RecordResolution(request.Type, req.Action, "success")
	return resolved, nil
}

func (s *ChangeRequestService) approve(ctx context.Context, request *models.ChangeRequest, payload models.ChangePayload, actor models.Actor) (*models.ChangeRequest, error) {
	if _, err := s.members.Get(ctx, request.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTargetNotFound, fmt.Sprintf("member %s not found", request.StudentID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrRemoteFailure.Code, appErrors.ErrRemoteFailure.Status, "failed to load member")
	}

	now := s.now()
	if err := s.claim(ctx, repository.ResolveChangeRequestParams{
		ID:         request.ID,
		Status:     models.ChangeRequestApproved,
		ResolvedBy: actor.ID,
		ResolvedAt: now,
	}); err != nil {
		return nil, err
	}

	result, err := s.applier.Apply(ctx, request, payload)
	if err != nil {
		if reopenErr := s.repo.Reopen(ctx, request.ID, actor.ID); reopenErr != nil {
			s.logger.Error("failed to reopen change request after side effect failure",
				zap.String("request_id", request.ID),
				zap.NamedError("apply_error", err),
				zap.Error(reopenErr),
			)
		}
		return nil, err
	}
	s.roster.Invalidate(rosterKey(request.SchoolID))

	out := *request
	out.Status = models.ChangeRequestApproved
	out.ResolvedAt = &now
	out.ResolvedBy = &actor.ID
	s.audit.Record(ctx, models.AuditLogDraft{
		SchoolID:      request.SchoolID,
		Actor:         actor,
		Action:        models.AuditActionRequestApprove,
		TargetStudent: request.StudentName,
		Details:       fmt.Sprintf("Approved %s: %s", request.Type, result.Details),
		Metadata: models.AuditMetadata{
			models.AuditMetaRequestID:   request.ID,
			models.AuditMetaRequestType: string(request.Type),
			models.AuditMetaTargetID:    request.StudentID,
		},
	})
	return &out, nil
}

func (s *ChangeRequestService) reject(ctx context.Context, request *models.ChangeRequest, reason string, actor models.Actor) (*models.ChangeRequest, error) {
	now := s.now()
	if err := s.claim(ctx, repository.ResolveChangeRequestParams{
		ID:         request.ID,
		Status:     models.ChangeRequestRejected,
		Reason:     &reason,
		ResolvedBy: actor.ID,
		ResolvedAt: now,
	}); err != nil {
		return nil, err
	}

	out := *request
	out.Status = models.ChangeRequestRejected
	out.Reason = reason
	out.ResolvedAt = &now
	out.ResolvedBy = &actor.ID
	s.audit.Record(ctx, models.AuditLogDraft{
		SchoolID:      request.SchoolID,
		Actor:         actor,
		Action:        models.AuditActionRequestReject,
		TargetStudent: request.StudentName,
		Details:       fmt.Sprintf("Rejected %s request for %s: %s", request.Type, request.StudentName, reason),
		Metadata: models.AuditMetadata{
			models.AuditMetaRequestID:   request.ID,
			models.AuditMetaRequestType: string(request.Type),
			models.AuditMetaTargetID:    request.StudentID,
		},
	})
	return &out, nil
}

func (s *ChangeRequestService) claim(ctx context.Context, params repository.ResolveChangeRequestParams) error {
	if err := s.repo.Resolve(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "change request already resolved")
		}
		return appErrors.Wrap(err, appErrors.ErrRemoteFailure.Code, appErrors.ErrRemoteFailure.Status, "failed to update change request")
	}
	return nil
}

func (s *ChangeRequestService) load(ctx context.Context, id string) (*models.ChangeRequest, error) {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "change request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load change request")
	}
	return request, nil
}

func checkRequestScope(request *models.ChangeRequest, actor models.Actor) error {
	switch actor.Role {
	case models.RoleSuperAdmin:
		return nil
	case models.RoleAdmin, models.RoleStaff:
		if actor.SchoolID == request.SchoolID {
			return nil
		}
	case models.RoleStudent, models.RolePartner:
		if actor.ID == request.StudentID {
			return nil
		}
	}
	return appErrors.ErrForbidden
}

// Fingerprint identifies a submission by its student, type, target dependent
// and canonical payload.
func Fingerprint(studentID string, t models.ChangeRequestType, dependentID string, payload []byte) string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(studentID), []byte(t), []byte(dependentID), payload} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func withoutRequest(requests []models.ChangeRequest, id string) []models.ChangeRequest {
	out := make([]models.ChangeRequest, 0, len(requests))
	for _, r := range requests {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func queueKey(schoolID string) string {
	return "change-requests:school:" + schoolID
}

func rosterKey(schoolID string) string {
	return "members:school:" + schoolID
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	v := strings.TrimSpace(value)
	return &v
}
