package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

// fakeGroupRequestRepo keeps petitions and supporter sets in memory
// with the same uniqueness and quorum rules as the SQL repository.
type fakeGroupRequestRepo struct {
	requests   map[string]models.GroupRequest
	supporters map[string]map[string]time.Time
	seq        int
}

func newFakeGroupRequestRepo() *fakeGroupRequestRepo {
	return &fakeGroupRequestRepo{
		requests:   make(map[string]models.GroupRequest),
		supporters: make(map[string]map[string]time.Time),
	}
}

func (r *fakeGroupRequestRepo) Create(ctx context.Context, request *models.GroupRequest) error {
	r.seq++
	request.ID = fmt.Sprintf("req-%d", r.seq)
	request.CreatedAt = time.Now().UTC()
	r.supporters[request.ID] = map[string]time.Time{request.RequesterID: time.Now().UTC()}
	request.SupporterCount = 1
	r.requests[request.ID] = *request
	return nil
}

func (r *fakeGroupRequestRepo) FindByID(ctx context.Context, id string) (*models.GroupRequest, error) {
	if req, ok := r.requests[id]; ok {
		req.SupporterCount = len(r.supporters[id])
		return &req, nil
	}
	return nil, sql.ErrNoRows
}

func (r *fakeGroupRequestRepo) List(ctx context.Context, filter models.GroupRequestFilter) ([]models.GroupRequest, int, error) {
	var out []models.GroupRequest
	for id, req := range r.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		req.SupporterCount = len(r.supporters[id])
		out = append(out, req)
	}
	return out, len(out), nil
}

func (r *fakeGroupRequestRepo) Supporters(ctx context.Context, requestID string) ([]models.GroupRequestSupporter, error) {
	var out []models.GroupRequestSupporter
	for studentID, at := range r.supporters[requestID] {
		out = append(out, models.GroupRequestSupporter{RequestID: requestID, StudentID: studentID, SupportedAt: at})
	}
	return out, nil
}

func (r *fakeGroupRequestRepo) AddSupporter(ctx context.Context, requestID, studentID string) (*models.GroupRequest, error) {
	req, ok := r.requests[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if !req.Status.Pending() {
		return nil, appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}
	if _, exists := r.supporters[requestID][studentID]; exists {
		return nil, appErrors.Clone(appErrors.ErrAlreadySupporter, "")
	}
	r.supporters[requestID][studentID] = time.Now().UTC()
	return r.FindByID(ctx, requestID)
}

func (r *fakeGroupRequestRepo) RemoveSupporter(ctx context.Context, requestID, studentID string) (*models.GroupRequest, error) {
	req, ok := r.requests[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if !req.Status.Pending() {
		return nil, appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}
	if _, exists := r.supporters[requestID][studentID]; !exists {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "supporter not found")
	}
	delete(r.supporters[requestID], studentID)
	return r.FindByID(ctx, requestID)
}

func (r *fakeGroupRequestRepo) Approve(ctx context.Context, requestID, adminID string, minSupporters int) (*models.GroupRequest, error) {
	req, ok := r.requests[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if !req.Status.Pending() {
		return nil, appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}
	count := len(r.supporters[requestID])
	if count < minSupporters {
		return nil, appErrors.Clone(appErrors.ErrInsufficientSupporters, fmt.Sprintf("%d of %d supporters", count, minSupporters))
	}
	now := time.Now().UTC()
	req.Status = models.GroupRequestStatusApproved
	req.DecidedBy = &adminID
	req.DecidedAt = &now
	r.requests[requestID] = req
	return r.FindByID(ctx, requestID)
}

func (r *fakeGroupRequestRepo) Reject(ctx context.Context, requestID, adminID, reason string) error {
	req, ok := r.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	if !req.Status.Pending() {
		return appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}
	now := time.Now().UTC()
	req.Status = models.GroupRequestStatusRejected
	req.DecidedBy = &adminID
	req.DecidedAt = &now
	req.DecisionReason = &reason
	r.requests[requestID] = req
	return nil
}

func (r *fakeGroupRequestRepo) SetCreatedGroup(ctx context.Context, requestID, groupID string) error {
	req := r.requests[requestID]
	req.CreatedGroupID = &groupID
	r.requests[requestID] = req
	return nil
}

func (r *fakeGroupRequestRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, req := range r.requests {
		if req.Status.Pending() && req.ExpiresAt.Before(now) {
			req.Status = models.GroupRequestStatusExpired
			r.requests[id] = req
			n++
		}
	}
	return n, nil
}

type fakeSubjectReader struct{}

func (r *fakeSubjectReader) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	if id == "missing" {
		return nil, sql.ErrNoRows
	}
	return &models.Subject{ID: id, Active: true}, nil
}

func newGroupRequestFixture() (*GroupRequestService, *fakeGroupRequestRepo) {
	repo := newFakeGroupRequestRepo()
	students := &fakeStudentReader{students: map[string]*models.Student{}}
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("s%d", i)
		students.students[id] = &models.Student{ID: id, Active: true}
	}
	svc := NewGroupRequestService(repo, students, &fakeSubjectReader{}, 8, 30*24*time.Hour, validator.New(), zap.NewNop())
	return svc, repo
}

func petition(t *testing.T, svc *GroupRequestService) *models.GroupRequest {
	t.Helper()
	request, err := svc.Create(context.Background(), "s1", CreateGroupRequestRequest{
		SubjectID:     "sub1",
		GroupType:     "INTENSIVE",
		Justification: "the regular group conflicts with the lab schedule",
	})
	require.NoError(t, err)
	return request
}

func TestCreateRequestCountsRequesterAsSupporter(t *testing.T) {
	svc, _ := newGroupRequestFixture()

	request := petition(t, svc)
	assert.Equal(t, models.GroupRequestStatusPending, request.Status)
	assert.Equal(t, 1, request.SupporterCount)
	assert.Equal(t, "s1", request.RequesterID)
	assert.False(t, request.ExpiresAt.IsZero())
}

func TestAddSupporterIsIdempotentPerStudent(t *testing.T) {
	svc, _ := newGroupRequestFixture()
	request := petition(t, svc)

	updated, err := svc.AddSupporter(context.Background(), request.ID, "s2")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.SupporterCount)

	_, err = svc.AddSupporter(context.Background(), request.ID, "s2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadySupporter.Code, appErrors.FromError(err).Code)

	// The requester cannot double-count either.
	_, err = svc.AddSupporter(context.Background(), request.ID, "s1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadySupporter.Code, appErrors.FromError(err).Code)
}

func TestApproveBelowQuorumFails(t *testing.T) {
	svc, _ := newGroupRequestFixture()
	request := petition(t, svc)

	// Requester plus six more: seven supporters, one short of the quorum.
	for i := 2; i <= 7; i++ {
		_, err := svc.AddSupporter(context.Background(), request.ID, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	_, err := svc.Approve(context.Background(), request.ID, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInsufficientSupporters.Code, appErrors.FromError(err).Code)
}

func TestApproveAtQuorumBoundary(t *testing.T) {
	svc, _ := newGroupRequestFixture()
	request := petition(t, svc)

	for i := 2; i <= 8; i++ {
		_, err := svc.AddSupporter(context.Background(), request.ID, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	approved, err := svc.Approve(context.Background(), request.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.GroupRequestStatusApproved, approved.Status)
	assert.Equal(t, 8, approved.SupporterCount)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "admin-1", *approved.DecidedBy)
}

func TestSupporterWithdrawalDropsBelowQuorum(t *testing.T) {
	svc, _ := newGroupRequestFixture()
	request := petition(t, svc)

	for i := 2; i <= 8; i++ {
		_, err := svc.AddSupporter(context.Background(), request.ID, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	updated, err := svc.RemoveSupporter(context.Background(), request.ID, "s5")
	require.NoError(t, err)
	assert.Equal(t, 7, updated.SupporterCount)

	_, err = svc.Approve(context.Background(), request.ID, "admin-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInsufficientSupporters.Code, appErrors.FromError(err).Code)
}

func TestRequesterMayWithdrawSupport(t *testing.T) {
	svc, _ := newGroupRequestFixture()
	request := petition(t, svc)

	updated, err := svc.RemoveSupporter(context.Background(), request.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, updated.SupporterCount)
	assert.Equal(t, models.GroupRequestStatusPending, updated.Status)
}

func TestSupportDecidedRequestFails(t *testing.T) {
	svc, repo := newGroupRequestFixture()
	request := petition(t, svc)

	require.NoError(t, repo.Reject(context.Background(), request.ID, "admin-1", "duplicate"))

	_, err := svc.AddSupporter(context.Background(), request.ID, "s2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRequestNotPending.Code, appErrors.FromError(err).Code)
}

func TestRejectRecordsReason(t *testing.T) {
	svc, repo := newGroupRequestFixture()
	request := petition(t, svc)

	rejected, err := svc.Reject(context.Background(), request.ID, "admin-1", RejectGroupRequestRequest{Reason: "no teacher available"})
	require.NoError(t, err)
	assert.Equal(t, models.GroupRequestStatusRejected, rejected.Status)
	assert.Equal(t, "no teacher available", *repo.requests[request.ID].DecisionReason)
}

func TestExpireDueSweepsOnlyPastDeadline(t *testing.T) {
	svc, repo := newGroupRequestFixture()
	request := petition(t, svc)

	stale := repo.requests[request.ID]
	stale.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	repo.requests[request.ID] = stale

	fresh := petition(t, svc)

	expired, err := svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)
	assert.Equal(t, models.GroupRequestStatusExpired, repo.requests[request.ID].Status)
	assert.Equal(t, models.GroupRequestStatusPending, repo.requests[fresh.ID].Status)

	// Sweeps are idempotent.
	expired, err = svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestCreateRequestUnknownSubject(t *testing.T) {
	svc, _ := newGroupRequestFixture()

	_, err := svc.Create(context.Background(), "s1", CreateGroupRequestRequest{
		SubjectID:     "missing",
		GroupType:     "REGULAR",
		Justification: "there is demand for an extra evening group",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
