package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
	"github.com/noah-isme/member-requests-api/pkg/export"
	"github.com/noah-isme/member-requests-api/pkg/jobs"
)

// AuditJobType labels queued ledger retries.
const AuditJobType = "audit.append"

type auditStore interface {
	Insert(ctx context.Context, entry *models.AuditLogEntry) error
	GetByID(ctx context.Context, id string) (*models.AuditLogEntry, error)
	Query(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLogEntry, int, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// AuditService is the append-only ledger of state-changing actions.
type AuditService struct {
	repo          auditStore
	retry         jobEnqueuer
	metrics       *MetricsService
	logger        *zap.Logger
	exportMaxRows int
	now           func() time.Time
}

// AuditServiceOption configures the service.
type AuditServiceOption func(*AuditService)

// WithAuditRetryQueue routes failed appends to a retrying queue.
func WithAuditRetryQueue(q jobEnqueuer) AuditServiceOption {
	return func(s *AuditService) {
		s.retry = q
	}
}

// WithAuditMetrics records append failures.
func WithAuditMetrics(m *MetricsService) AuditServiceOption {
	return func(s *AuditService) {
		s.metrics = m
	}
}

// WithAuditExportLimit caps rows rendered by Export.
func WithAuditExportLimit(rows int) AuditServiceOption {
	return func(s *AuditService) {
		if rows > 0 {
			s.exportMaxRows = rows
		}
	}
}

// NewAuditService constructs the ledger service.
func NewAuditService(repo auditStore, logger *zap.Logger, opts ...AuditServiceOption) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AuditService{
		repo:          repo,
		logger:        logger,
		exportMaxRows: 5000,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Append assigns ID and timestamp, persists, and returns the stored entry.
func (s *AuditService) Append(ctx context.Context, draft models.AuditLogDraft) (*models.AuditLogEntry, error) {
	entry, err := s.build(draft)
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, entry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to append audit log")
	}
	return entry, nil
}

// Record appends without surfacing failures to the caller. A failed attempt is
// logged and handed to the retry queue with its ID already assigned, so a retry
// of a write that did land is absorbed as a duplicate.
func (s *AuditService) Record(ctx context.Context, draft models.AuditLogDraft) {
	if s == nil {
		return
	}
	entry, err := s.build(draft)
	if err != nil {
		s.logger.Error("dropping invalid audit entry", zap.String("action", draft.Action), zap.Error(err))
		return
	}
	err = s.insert(ctx, entry)
	if err == nil {
		return
	}
	s.metrics.RecordAuditFailure()
	s.logger.Warn("failed to persist audit log",
		zap.String("audit_id", entry.ID),
		zap.String("action", entry.Action),
		zap.String("school_id", entry.SchoolID),
		zap.Error(err),
	)
	if s.retry == nil {
		s.logger.Error("audit entry lost: no retry queue configured", zap.String("audit_id", entry.ID), zap.String("details", entry.Details))
		return
	}
	if qerr := s.retry.Enqueue(jobs.Job{ID: entry.ID, Type: AuditJobType, Payload: entry}); qerr != nil {
		s.logger.Error("audit entry lost: enqueue failed", zap.String("audit_id", entry.ID), zap.String("details", entry.Details), zap.Error(qerr))
	}
}

// HandleRetry is the jobs.Handler that replays queued appends.
func (s *AuditService) HandleRetry(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLogEntry)
	if !ok || entry == nil {
		s.logger.Error("unexpected audit retry payload", zap.String("job_id", job.ID), zap.String("type", fmt.Sprintf("%T", job.Payload)))
		return nil
	}
	return s.insert(ctx, entry)
}

// Query returns entries newest first with pagination metadata.
func (s *AuditService) Query(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLogEntry, *models.Pagination, error) {
	filter.Page, filter.PageSize = models.NormalizePage(filter.Page, filter.PageSize, 50, 200)
	entries, total, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to query audit logs")
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	return entries, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Correct appends an entry that references originalID. The original is never modified.
func (s *AuditService) Correct(ctx context.Context, originalID string, draft models.AuditLogDraft) (*models.AuditLogEntry, error) {
	original, err := s.repo.GetByID(ctx, originalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "audit entry not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit entry")
	}
	if draft.Action == "" {
		draft.Action = models.AuditActionEntryCorrection
	}
	if draft.SchoolID == "" {
		draft.SchoolID = original.SchoolID
	}
	if draft.TargetStudent == "" {
		draft.TargetStudent = original.TargetStudent
	}
	metadata := models.AuditMetadata{}
	for k, v := range draft.Metadata {
		metadata[k] = v
	}
	metadata[models.AuditMetaCorrects] = original.ID
	draft.Metadata = metadata
	return s.Append(ctx, draft)
}

// Export renders the filtered ledger for compliance review.
func (s *AuditService) Export(ctx context.Context, filter models.AuditLogFilter, format export.Format) (*export.File, error) {
	if !format.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	filter.Page = 1
	filter.PageSize = s.exportMaxRows
	entries, _, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to query audit logs")
	}
	dataset := export.Dataset{
		Title:   "Audit Log",
		Headers: []string{"Timestamp", "School", "Actor", "Role", "Action", "Student", "Details"},
		Rows:    make([]map[string]string, 0, len(entries)),
	}
	for _, e := range entries {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Timestamp": e.Timestamp.UTC().Format(time.RFC3339),
			"School":    e.SchoolID,
			"Actor":     e.ActorName,
			"Role":      e.ActorRole,
			"Action":    e.Action,
			"Student":   e.TargetStudent,
			"Details":   e.Details,
		})
	}
	file, err := export.Render(dataset, format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render audit export")
	}
	return file, nil
}

func (s *AuditService) build(draft models.AuditLogDraft) (*models.AuditLogEntry, error) {
	action := strings.TrimSpace(draft.Action)
	if action == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "action is required")
	}
	metadata := models.AuditMetadata{}
	for k, v := range draft.Metadata {
		metadata[k] = v
	}
	if _, ok := metadata[models.AuditMetaIPAddress]; !ok && draft.Actor.IPAddress != "" {
		metadata[models.AuditMetaIPAddress] = draft.Actor.IPAddress
	}
	if _, ok := metadata[models.AuditMetaUserAgent]; !ok && draft.Actor.UserAgent != "" {
		metadata[models.AuditMetaUserAgent] = draft.Actor.UserAgent
	}
	return &models.AuditLogEntry{
		ID:            uuid.NewString(),
		SchoolID:      draft.SchoolID,
		ActorID:       draft.Actor.ID,
		ActorName:     draft.Actor.Name,
		ActorRole:     string(draft.Actor.Role),
		Action:        action,
		TargetStudent: draft.TargetStudent,
		Details:       draft.Details,
		Metadata:      metadata,
		Timestamp:     s.now(),
	}, nil
}

func (s *AuditService) insert(ctx context.Context, entry *models.AuditLogEntry) error {
	if err := s.repo.Insert(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}
