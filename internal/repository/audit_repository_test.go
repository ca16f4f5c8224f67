package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/member-requests-api/internal/models"
)

func TestAuditRepositoryInsert(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &models.AuditLogEntry{SchoolID: "school-1", ActorID: "admin-1", Action: models.AuditActionBulkActivate}
	require.NoError(t, repo.Insert(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.NotNil(t, entry.Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryInsertDuplicateID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Insert(context.Background(), &models.AuditLogEntry{ID: "entry-1", Action: "X"})
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryQueryEscapesSearch(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	rows := sqlmock.NewRows([]string{"id", "school_id", "actor_id", "actor_name", "actor_role", "action", "target_student", "details", "metadata", "timestamp"}).
		AddRow("entry-1", "school-1", "admin-1", "Ana", "ADMIN", "BULK_ACTIVATE", "", "Bulk activate of 50% members", []byte(`{"count":3,"custom":"kept"}`), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, school_id, actor_id")).
		WithArgs("school-1", `%50\%%`).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_logs WHERE school_id = $1 AND (action ILIKE $2 OR details ILIKE $2)")).
		WithArgs("school-1", `%50\%%`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	entries, total, err := repo.Query(context.Background(), models.AuditLogFilter{SchoolID: "school-1", SearchTerm: "50%"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "kept", entries[0].Metadata["custom"])
	assert.EqualValues(t, 3, entries[0].Metadata["count"])
	require.NoError(t, mock.ExpectationsWereMet())
}
