package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/member-requests-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var changeRequestRowColumns = []string{"id", "school_id", "student_id", "student_name", "type", "status", "payload", "dependent_id", "dependent_name", "reason", "fingerprint", "requested_by", "created_at", "resolved_at", "resolved_by"}

func TestChangeRequestRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewChangeRequestRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_requests")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := &models.ChangeRequest{
		SchoolID:    "school-1",
		StudentID:   "student-1",
		StudentName: "Joana",
		Type:        models.ChangeRequestUpdatePhoto,
		Payload:     []byte(`{"photoUrl":"https://cdn/p.png"}`),
		Fingerprint: "abc",
		RequestedBy: "student-1",
	}
	require.NoError(t, repo.Create(context.Background(), req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, models.ChangeRequestPending, req.Status)

	rows := sqlmock.NewRows(changeRequestRowColumns).
		AddRow(req.ID, "school-1", "student-1", "Joana", "UPDATE_PHOTO", "PENDING", []byte(`{"photoUrl":"https://cdn/p.png"}`), nil, nil, "", "abc", "student-1", time.Now(), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, school_id, student_id")).
		WithArgs(req.ID).
		WillReturnRows(rows)

	found, err := repo.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeRequestUpdatePhoto, found.Type)
	assert.JSONEq(t, `{"photoUrl":"https://cdn/p.png"}`, string(found.Payload))
	assert.Nil(t, found.DependentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRequestRepositoryCreateDuplicatePending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewChangeRequestRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO change_requests")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &models.ChangeRequest{Type: models.ChangeRequestUpdatePhoto, Fingerprint: "abc"})
	require.ErrorIs(t, err, ErrDuplicatePending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRequestRepositoryResolveGuardsStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewChangeRequestRepository(db)
	reason := "blurry photo"
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE change_requests SET status = ?, resolved_by = ?, resolved_at = ?, reason = ? WHERE id = ? AND status = 'PENDING'")).
		WithArgs(models.ChangeRequestRejected, "admin-1", now, &reason, "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE change_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	params := ResolveChangeRequestParams{ID: "req-1", Status: models.ChangeRequestRejected, Reason: &reason, ResolvedBy: "admin-1", ResolvedAt: now}
	require.NoError(t, repo.Resolve(context.Background(), params))

	err := repo.Resolve(context.Background(), params)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRequestRepositoryReopen(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewChangeRequestRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE change_requests SET status = $1, resolved_by = NULL")).
		WithArgs(models.ChangeRequestPending, "req-1", models.ChangeRequestApproved, "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Reopen(context.Background(), "req-1", "admin-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRequestRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewChangeRequestRepository(db)
	rows := sqlmock.NewRows(changeRequestRowColumns).
		AddRow("req-1", "school-1", "student-1", "Joana", "DELETE_DEPENDENT", "PENDING", []byte(`{}`), "dep-1", "Filho", "", "fp", "student-1", time.Now(), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, school_id, student_id")).
		WithArgs("school-1", "PENDING", "DELETE_DEPENDENT").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM change_requests WHERE school_id = $1 AND status IN ($2) AND type = $3")).
		WithArgs("school-1", "PENDING", "DELETE_DEPENDENT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	list, total, err := repo.List(context.Background(), models.ChangeRequestFilter{
		SchoolID: "school-1",
		Status:   []models.ChangeRequestStatus{models.ChangeRequestPending},
		Type:     models.ChangeRequestDeleteDependent,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, total)
	require.NotNil(t, list[0].DependentID)
	assert.Equal(t, "dep-1", *list[0].DependentID)
	require.NoError(t, mock.ExpectationsWereMet())
}
