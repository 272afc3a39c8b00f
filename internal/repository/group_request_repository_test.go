package repository

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

var groupRequestLockCols = []string{
	"id", "subject_id", "requested_group_type", "justification", "requester_id",
	"status", "expires_at", "decided_by", "decided_at", "decision_reason", "created_group_id", "created_at",
}

var groupRequestCols = append(append([]string{}, groupRequestLockCols...), "supporter_count")

func pendingRequestRow(cols []string, id string, supporters int) *sqlmock.Rows {
	rows := sqlmock.NewRows(cols)
	values := []driver.Value{
		id, "sub1", "INTENSIVE", "we need an evening slot for working students", "s1",
		"PENDING", time.Now().UTC().Add(720 * time.Hour), nil, nil, nil, nil, time.Now().UTC(),
	}
	if len(cols) > len(values) {
		values = append(values, supporters)
	}
	return rows.AddRow(values...)
}

func TestGroupRequestRepositoryCreateSeedsRequesterSupport(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO group_requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO group_request_supporters")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	request := &models.GroupRequest{
		SubjectID:          "sub1",
		RequestedGroupType: models.GroupTypeIntensive,
		Justification:      "we need an evening slot for working students",
		RequesterID:        "s1",
		Status:             models.GroupRequestStatusPending,
		ExpiresAt:          time.Now().UTC().Add(720 * time.Hour),
	}
	require.NoError(t, repo.Create(context.Background(), request))
	assert.NotEmpty(t, request.ID)
	assert.Equal(t, 1, request.SupporterCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRequestRepositoryAddSupporterDuplicate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM group_requests WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(pendingRequestRow(groupRequestLockCols, "r1", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM group_request_supporters WHERE request_id = $1 AND student_id = $2 LIMIT 1")).
		WithArgs("r1", "s2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	_, err := repo.AddSupporter(context.Background(), "r1", "s2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadySupporter.Code, appErrors.FromError(err).Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRequestRepositoryApproveBelowQuorum(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM group_requests WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(pendingRequestRow(groupRequestLockCols, "r1", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM group_request_supporters WHERE request_id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectRollback()

	_, err := repo.Approve(context.Background(), "r1", "admin-1", 8)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrInsufficientSupporters.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "7 of 8")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRequestRepositoryApproveAtQuorum(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM group_requests WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(pendingRequestRow(groupRequestLockCols, "r1", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM group_request_supporters WHERE request_id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(8))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE group_requests SET status = 'APPROVED'")).
		WithArgs("r1", "admin-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM group_requests r WHERE r.id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(groupRequestCols).AddRow(
			"r1", "sub1", "INTENSIVE", "we need an evening slot for working students", "s1",
			"APPROVED", time.Now().UTC().Add(720*time.Hour), "admin-1", time.Now().UTC(), nil, nil, time.Now().UTC(), 8))
	mock.ExpectCommit()

	request, err := repo.Approve(context.Background(), "r1", "admin-1", 8)
	require.NoError(t, err)
	assert.Equal(t, models.GroupRequestStatusApproved, request.Status)
	assert.Equal(t, 8, request.SupporterCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRequestRepositoryRejectGuardsStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRequestRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE group_requests SET status = 'REJECTED'")).
		WithArgs("r1", "admin-1", sqlmock.AnyArg(), "duplicate of an existing group").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Reject(context.Background(), "r1", "admin-1", "duplicate of an existing group")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRequestNotPending.Code, appErrors.FromError(err).Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRequestRepositoryRemoveSupporterNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM group_requests WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(pendingRequestRow(groupRequestLockCols, "r1", 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM group_request_supporters WHERE request_id = $1 AND student_id = $2")).
		WithArgs("r1", "s9").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.RemoveSupporter(context.Background(), "r1", "s9")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRequestRepositoryExpireDue(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRequestRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE group_requests SET status = 'EXPIRED'")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	expired, err := repo.ExpireDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), expired)

	require.NoError(t, mock.ExpectationsWereMet())
}
