package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/member-requests-api/internal/models"
)

// ErrAlreadyExists is returned when an entry with the same ID was already stored.
var ErrAlreadyExists = errors.New("audit entry already exists")

const auditColumns = `id, school_id, actor_id, actor_name, actor_role, action, target_student, details, metadata, timestamp`

// AuditRepository stores ledger entries. It exposes no update or delete.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends an entry, assigning ID and timestamp when empty.
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = models.AuditMetadata{}
	}
	const query = `INSERT INTO audit_logs (` + auditColumns + `)
	VALUES (:id, :school_id, :actor_id, :actor_name, :actor_role, :action, :target_student, :details, :metadata, :timestamp)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// GetByID fetches a single entry.
func (r *AuditRepository) GetByID(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	var entry models.AuditLogEntry
	if err := r.db.GetContext(ctx, &entry, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Query returns entries newest first with the total matching count.
func (r *AuditRepository) Query(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLogEntry, int, error) {
	args := make([]interface{}, 0, 2)
	conditions := make([]string, 0, 2)
	if filter.SchoolID != "" {
		args = append(args, filter.SchoolID)
		conditions = append(conditions, fmt.Sprintf("school_id = $%d", len(args)))
	}
	if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		args = append(args, "%"+escapeLike(term)+"%")
		conditions = append(conditions, fmt.Sprintf("(action ILIKE $%d OR details ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page, size := models.NormalizePage(filter.Page, filter.PageSize, 50, 10000)
	query := fmt.Sprintf("SELECT %s FROM audit_logs%s ORDER BY timestamp DESC, id DESC LIMIT %d OFFSET %d",
		auditColumns, where, size, (page-1)*size)

	var entries []models.AuditLogEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("query audit logs: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM audit_logs"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}
	return entries, total, nil
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}
