package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
	}
	return sqlxDB, mock, cleanup
}

var enrollmentCols = []string{
	"id", "student_id", "group_id", "status", "waiting_position", "price_per_hour",
	"enrolled_at", "promoted_at", "withdrawn_at", "decided_by", "decision_reason",
}

func addEnrollmentRow(rows *sqlmock.Rows, id, studentID, groupID string, status models.EnrollmentStatus, position interface{}) *sqlmock.Rows {
	return rows.AddRow(id, studentID, groupID, string(status), position, 25.0,
		time.Now().UTC(), nil, nil, nil, nil)
}

func TestEnrollmentRepositoryExistsLive(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments")).
		WithArgs("s1", "g1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsLive(context.Background(), "s1", "g1")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments")).
		WithArgs("s2", "g1").
		WillReturnError(sql.ErrNoRows)

	exists, err = repo.ExistsLive(context.Background(), "s2", "g1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	enrollment := &models.Enrollment{StudentID: "s1", GroupID: "g1", PricePerHour: 25}
	require.NoError(t, repo.Create(context.Background(), enrollment))
	assert.NotEmpty(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusPendingApproval, enrollment.Status)
	assert.False(t, enrollment.EnrolledAt.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryResolveTakesFreeSeat(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "g1", models.EnrollmentStatusPendingApproval, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "group_type", "price_per_hour", "max_capacity", "current_occupancy", "active", "created_at"}).
			AddRow("g1", "sub1", "REGULAR", 25.0, 2, 1, true, time.Now().UTC()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subject_groups SET current_occupancy = current_occupancy + 1")).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'ACTIVE'")).
		WithArgs("e1", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "g1", models.EnrollmentStatusActive, nil))
	mock.ExpectCommit()

	enrollment, err := repo.Resolve(context.Background(), "e1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryResolveQueuesWhenFull(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "g1", models.EnrollmentStatusPendingApproval, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "group_type", "price_per_hour", "max_capacity", "current_occupancy", "active", "created_at"}).
			AddRow("g1", "sub1", "REGULAR", 25.0, 2, 2, true, time.Now().UTC()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(waiting_position), 0) + 1")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'WAITING_LIST'")).
		WithArgs("e1", 3, "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "g1", models.EnrollmentStatusWaitingList, 3))
	mock.ExpectCommit()

	enrollment, err := repo.Resolve(context.Background(), "e1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWaitingList, enrollment.Status)
	require.NotNil(t, enrollment.WaitingPosition)
	assert.Equal(t, 3, *enrollment.WaitingPosition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryResolveNonPending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "g1", models.EnrollmentStatusActive, nil))
	mock.ExpectRollback()

	_, err := repo.Resolve(context.Background(), "e1", "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryWithdrawActivePromotes(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "g1", models.EnrollmentStatusActive, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "group_type", "price_per_hour", "max_capacity", "current_occupancy", "active", "created_at"}).
			AddRow("g1", "sub1", "REGULAR", 25.0, 1, 1, true, time.Now().UTC()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'WITHDRAWN'")).
		WithArgs("e1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subject_groups SET current_occupancy = current_occupancy - 1")).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY waiting_position ASC LIMIT 1")).
		WithArgs("g1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e2", "s2", "g1", models.EnrollmentStatusWaitingList, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subject_groups SET current_occupancy = current_occupancy + 1")).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'ACTIVE', waiting_position = NULL")).
		WithArgs("e2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET waiting_position = waiting_position - 1")).
		WithArgs("g1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "g1", models.EnrollmentStatusWithdrawn, nil))
	mock.ExpectCommit()

	withdrawn, promoted, err := repo.Withdraw(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, withdrawn.Status)
	require.NotNil(t, promoted)
	assert.Equal(t, "e2", promoted.ID)
	assert.Equal(t, models.EnrollmentStatusActive, promoted.Status)
	assert.Nil(t, promoted.WaitingPosition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryWithdrawFromQueueCompacts(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("e3").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e3", "s3", "g1", models.EnrollmentStatusWaitingList, 2))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "group_type", "price_per_hour", "max_capacity", "current_occupancy", "active", "created_at"}).
			AddRow("g1", "sub1", "REGULAR", 25.0, 1, 1, true, time.Now().UTC()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'WITHDRAWN'")).
		WithArgs("e3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET waiting_position = waiting_position - 1")).
		WithArgs("g1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1")).
		WithArgs("e3").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e3", "s3", "g1", models.EnrollmentStatusWithdrawn, nil))
	mock.ExpectCommit()

	withdrawn, promoted, err := repo.Withdraw(context.Background(), "e3")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, withdrawn.Status)
	assert.Nil(t, promoted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryChangeGroupLocksGroupsInIDOrder(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	groupCols := []string{"id", "subject_id", "group_type", "price_per_hour", "max_capacity", "current_occupancy", "active", "created_at"}

	// Source is gB, target is gA: the target sorts first, so the
	// ordered expectations below pin the swap in lock acquisition.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "gB", models.EnrollmentStatusActive, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("gA").
		WillReturnRows(sqlmock.NewRows(groupCols).
			AddRow("gA", "sub1", "INTENSIVE", 30.0, 1, 1, true, time.Now().UTC()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("gB").
		WillReturnRows(sqlmock.NewRows(groupCols).
			AddRow("gB", "sub1", "REGULAR", 25.0, 1, 1, true, time.Now().UTC()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments")).
		WithArgs("s1", "gA").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'WITHDRAWN'")).
		WithArgs("e1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subject_groups SET current_occupancy = current_occupancy - 1")).
		WithArgs("gB").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY waiting_position ASC LIMIT 1")).
		WithArgs("gB").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(waiting_position), 0) + 1")).
		WithArgs("gA").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WithArgs(sqlmock.AnyArg(), "s1", "gA", "WAITING_LIST", 1, 30.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	target := &models.SubjectGroup{ID: "gA", SubjectID: "sub1", PricePerHour: 30, MaxCapacity: 1, CurrentOccupancy: 1, Active: true}
	created, err := repo.ChangeGroup(context.Background(), "e1", target)
	require.NoError(t, err)
	assert.Equal(t, "gA", created.GroupID)
	assert.Equal(t, models.EnrollmentStatusWaitingList, created.Status)
	require.NotNil(t, created.WaitingPosition)
	assert.Equal(t, 1, *created.WaitingPosition)
	assert.Equal(t, 30.0, created.PricePerHour)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryChangeGroupRejectsDuplicateTarget(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	groupCols := []string{"id", "subject_id", "group_type", "price_per_hour", "max_capacity", "current_occupancy", "active", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("e1").
		WillReturnRows(addEnrollmentRow(sqlmock.NewRows(enrollmentCols), "e1", "s1", "gB", models.EnrollmentStatusActive, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("gA").
		WillReturnRows(sqlmock.NewRows(groupCols).
			AddRow("gA", "sub1", "INTENSIVE", 30.0, 2, 1, true, time.Now().UTC()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_groups WHERE id = $1 FOR UPDATE")).
		WithArgs("gB").
		WillReturnRows(sqlmock.NewRows(groupCols).
			AddRow("gB", "sub1", "REGULAR", 25.0, 1, 1, true, time.Now().UTC()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments")).
		WithArgs("s1", "gA").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	target := &models.SubjectGroup{ID: "gA", SubjectID: "sub1", PricePerHour: 30, MaxCapacity: 2, CurrentOccupancy: 1, Active: true}
	_, err := repo.ChangeGroup(context.Background(), "e1", target)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyEnrolled.Code, appErrors.FromError(err).Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryRejectGuardsStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'REJECTED'")).
		WithArgs("e1", "t1", "late").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Reject(context.Background(), "e1", "t1", "late")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryExpirePending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	cutoff := time.Now().UTC().Add(-48 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = 'EXPIRED'")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	expired, err := repo.ExpirePending(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCountByStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) AS total FROM enrollments GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "total"}).
			AddRow("ACTIVE", 5).
			AddRow("WAITING_LIST", 3))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, counts[models.EnrollmentStatusActive])
	assert.Equal(t, 3, counts[models.EnrollmentStatusWaitingList])

	require.NoError(t, mock.ExpectationsWereMet())
}
