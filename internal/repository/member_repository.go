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

	"github.com/noah-isme/member-requests-api/internal/models"
)

const memberColumns = `id, school_id, kind, full_name, photo_url, active, dependents, created_at, updated_at`

// MemberRepository adapts the member record store tables.
type MemberRepository struct {
	db *sqlx.DB
}

// NewMemberRepository constructs a MemberRepository.
func NewMemberRepository(db *sqlx.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

// Get returns the current stored record or sql.ErrNoRows.
func (r *MemberRepository) Get(ctx context.Context, id string) (*models.Member, error) {
	var member models.Member
	if err := r.db.GetContext(ctx, &member, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &member, nil
}

// ErrStaleMember reports a Put whose record was changed by another writer
// after it was read.
var ErrStaleMember = errors.New("member modified concurrently")

// guardedMember carries the updated_at the caller read alongside the new values.
type guardedMember struct {
	models.Member
	PrevUpdatedAt time.Time `db:"prev_updated_at"`
}

// Put writes the record and returns the canonical stored form. A record that
// carries an UpdatedAt is only written while the stored row still has that
// UpdatedAt, otherwise ErrStaleMember is returned. A record without one is
// upserted.
func (r *MemberRepository) Put(ctx context.Context, member *models.Member) (*models.Member, error) {
	if member.ID == "" {
		member.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if member.CreatedAt.IsZero() {
		member.CreatedAt = now
	}
	if member.Dependents == nil {
		member.Dependents = models.Dependents{}
	}
	if !member.UpdatedAt.IsZero() {
		prev := member.UpdatedAt
		member.UpdatedAt = now
		const guarded = `UPDATE members SET full_name = :full_name, photo_url = :photo_url, active = :active,
	dependents = :dependents, updated_at = :updated_at
	WHERE id = :id AND updated_at = :prev_updated_at
	RETURNING ` + memberColumns
		stored, err := r.putReturning(ctx, guarded, guardedMember{Member: *member, PrevUpdatedAt: prev})
		if errors.Is(err, sql.ErrNoRows) {
			member.UpdatedAt = prev
			return nil, ErrStaleMember
		}
		return stored, err
	}
	member.UpdatedAt = now
	const query = `INSERT INTO members (` + memberColumns + `)
	VALUES (:id, :school_id, :kind, :full_name, :photo_url, :active, :dependents, :created_at, :updated_at)
	ON CONFLICT (id) DO UPDATE SET full_name = EXCLUDED.full_name, photo_url = EXCLUDED.photo_url,
	active = EXCLUDED.active, dependents = EXCLUDED.dependents, updated_at = EXCLUDED.updated_at
	RETURNING ` + memberColumns
	stored, err := r.putReturning(ctx, query, member)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("put member: no row returned")
	}
	return stored, err
}

func (r *MemberRepository) putReturning(ctx context.Context, query string, arg interface{}) (*models.Member, error) {
	rows, err := r.db.NamedQueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("put member: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("put member: %w", err)
		}
		return nil, sql.ErrNoRows
	}
	var stored models.Member
	if err := rows.StructScan(&stored); err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return &stored, nil
}

// List returns members matching the filter ordered by name.
func (r *MemberRepository) List(ctx context.Context, filter models.MemberFilter) ([]models.Member, int, error) {
	args := []interface{}{}
	conditions := []string{"1=1"}
	if filter.SchoolID != "" {
		args = append(args, filter.SchoolID)
		conditions = append(conditions, fmt.Sprintf("school_id = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		conditions = append(conditions, fmt.Sprintf("LOWER(full_name) LIKE $%d", len(args)))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	page, size := models.NormalizePage(filter.Page, filter.PageSize, 20, 500)
	query := fmt.Sprintf("SELECT %s FROM members%s ORDER BY full_name ASC LIMIT %d OFFSET %d", memberColumns, where, size, (page-1)*size)

	var members []models.Member
	if err := r.db.SelectContext(ctx, &members, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list members: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM members"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count members: %w", err)
	}
	return members, total, nil
}

// Remove deletes the record. A missing id yields sql.ErrNoRows.
func (r *MemberRepository) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
