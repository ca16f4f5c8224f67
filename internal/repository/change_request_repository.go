package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/member-requests-api/internal/models"
)

// ErrDuplicatePending is returned when an identical pending request already exists.
var ErrDuplicatePending = errors.New("duplicate pending change request")

const pqUniqueViolation = "23505"

const changeRequestColumns = `id, school_id, student_id, student_name, type, status, payload, dependent_id, dependent_name,
       reason, fingerprint, requested_by, created_at, resolved_at, resolved_by`

// ChangeRequestRepository persists change requests.
type ChangeRequestRepository struct {
	db *sqlx.DB
}

// NewChangeRequestRepository constructs the repository.
func NewChangeRequestRepository(db *sqlx.DB) *ChangeRequestRepository {
	return &ChangeRequestRepository{db: db}
}

// Create inserts a new pending request. The partial unique index on fingerprint
// rejects a second identical pending request with ErrDuplicatePending.
func (r *ChangeRequestRepository) Create(ctx context.Context, req *models.ChangeRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.ChangeRequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO change_requests
	(id, school_id, student_id, student_name, type, status, payload, dependent_id, dependent_name, reason, fingerprint, requested_by, created_at)
	VALUES (:id, :school_id, :student_id, :student_name, :type, :status, :payload, :dependent_id, :dependent_name, :reason, :fingerprint, :requested_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, req); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrDuplicatePending
		}
		return fmt.Errorf("create change request: %w", err)
	}
	return nil
}

// GetByID fetches a request by identifier.
func (r *ChangeRequestRepository) GetByID(ctx context.Context, id string) (*models.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE id = $1`
	var req models.ChangeRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// FindPendingByFingerprint returns the pending request matching fingerprint.
func (r *ChangeRequestRepository) FindPendingByFingerprint(ctx context.Context, fingerprint string) (*models.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE fingerprint = $1 AND status = $2 LIMIT 1`
	var req models.ChangeRequest
	if err := r.db.GetContext(ctx, &req, query, fingerprint, models.ChangeRequestPending); err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns requests matching the filter, newest first, with the total count.
func (r *ChangeRequestRepository) List(ctx context.Context, filter models.ChangeRequestFilter) ([]models.ChangeRequest, int, error) {
	args := make([]interface{}, 0, 6)
	conditions := make([]string, 0, 5)

	if filter.SchoolID != "" {
		args = append(args, filter.SchoolID)
		conditions = append(conditions, fmt.Sprintf("school_id = $%d", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.RequestedBy != "" {
		args = append(args, filter.RequestedBy)
		conditions = append(conditions, fmt.Sprintf("requested_by = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page, size := models.NormalizePage(filter.Page, filter.PageSize, 20, 200)
	query := fmt.Sprintf("SELECT %s FROM change_requests%s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		changeRequestColumns, where, size, (page-1)*size)

	var requests []models.ChangeRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list change requests: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM change_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count change requests: %w", err)
	}
	return requests, total, nil
}

// ResolveChangeRequestParams groups the columns written at resolution time.
type ResolveChangeRequestParams struct {
	ID         string
	Status     models.ChangeRequestStatus
	Reason     *string
	ResolvedBy string
	ResolvedAt time.Time
}

// Resolve moves a pending request to a terminal status. The status guard in the
// WHERE clause makes concurrent resolvers lose with sql.ErrNoRows.
func (r *ChangeRequestRepository) Resolve(ctx context.Context, params ResolveChangeRequestParams) error {
	setParts := []string{
		"status = :status",
		"resolved_by = :resolved_by",
		"resolved_at = :resolved_at",
	}
	if params.Reason != nil {
		setParts = append(setParts, "reason = :reason")
	}
	query := fmt.Sprintf("UPDATE change_requests SET %s WHERE id = :id AND status = '%s'",
		strings.Join(setParts, ", "),
		models.ChangeRequestPending,
	)
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          params.ID,
		"status":      params.Status,
		"resolved_by": params.ResolvedBy,
		"resolved_at": params.ResolvedAt,
		"reason":      params.Reason,
	})
	if err != nil {
		return fmt.Errorf("resolve change request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check change request update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Reopen returns an approved request to pending when its side effect could not
// be applied. Only the resolver that claimed it can reopen it.
func (r *ChangeRequestRepository) Reopen(ctx context.Context, id, resolvedBy string) error {
	const query = `UPDATE change_requests SET status = $1, resolved_by = NULL, resolved_at = NULL
	WHERE id = $2 AND status = $3 AND resolved_by = $4`
	result, err := r.db.ExecContext(ctx, query, models.ChangeRequestPending, id, models.ChangeRequestApproved, resolvedBy)
	if err != nil {
		return fmt.Errorf("reopen change request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check change request reopen rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
