package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

type fakeCatalogRepo struct {
	details map[string]*models.SubjectGroupDetail
}

func (r *fakeCatalogRepo) FindByID(ctx context.Context, id string) (*models.SubjectGroup, error) {
	if d, ok := r.details[id]; ok {
		group := d.SubjectGroup
		return &group, nil
	}
	return nil, sql.ErrNoRows
}

func (r *fakeCatalogRepo) FindDetailByID(ctx context.Context, id string) (*models.SubjectGroupDetail, error) {
	if d, ok := r.details[id]; ok {
		return d, nil
	}
	return nil, sql.ErrNoRows
}

func (r *fakeCatalogRepo) List(ctx context.Context, filter models.SubjectGroupFilter) ([]models.SubjectGroupDetail, int, error) {
	var out []models.SubjectGroupDetail
	for _, d := range r.details {
		out = append(out, *d)
	}
	return out, len(out), nil
}

type fakeRosterRepo struct {
	roster  []models.EnrollmentDetail
	waiting []models.Enrollment
}

func (r *fakeRosterRepo) ActiveRoster(ctx context.Context, groupID string) ([]models.EnrollmentDetail, error) {
	return r.roster, nil
}

func (r *fakeRosterRepo) WaitingList(ctx context.Context, groupID string) ([]models.Enrollment, error) {
	return r.waiting, nil
}

func newGroupFixture() (*GroupService, *fakeRosterRepo) {
	position := 1
	catalog := &fakeCatalogRepo{details: map[string]*models.SubjectGroupDetail{
		"11111111-2222-3333-4444-555555555555": {
			SubjectGroup: models.SubjectGroup{
				ID:               "11111111-2222-3333-4444-555555555555",
				SubjectID:        "sub1",
				GroupType:        "REGULAR",
				PricePerHour:     30,
				MaxCapacity:      2,
				CurrentOccupancy: 1,
				Active:           true,
			},
			SubjectCode: "MATH 101",
			SubjectName: "Mathematics",
		},
	}}
	roster := &fakeRosterRepo{
		roster: []models.EnrollmentDetail{
			{
				Enrollment: models.Enrollment{
					ID: "e1", StudentID: "s1", Status: models.EnrollmentStatusActive,
					PricePerHour: 30, EnrolledAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
				},
				StudentName: "Ana Soto",
			},
		},
		waiting: []models.Enrollment{
			{
				ID: "e2", StudentID: "s2", Status: models.EnrollmentStatusWaitingList,
				WaitingPosition: &position, PricePerHour: 30,
				EnrolledAt: time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
			},
		},
	}
	cacheSvc := NewCacheService(nil, nil, 0, zap.NewNop(), false)
	return NewGroupService(catalog, roster, cacheSvc, zap.NewNop()), roster
}

func TestExportRosterCSV(t *testing.T) {
	svc, _ := newGroupFixture()

	result, err := svc.ExportRoster(context.Background(), "11111111-2222-3333-4444-555555555555", "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", result.ContentType)
	assert.Equal(t, "roster-math-101-11111111.csv", result.Filename)

	content := string(result.Content)
	lines := strings.Split(strings.TrimSpace(content), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Student ID")
	assert.Contains(t, lines[1], "Ana Soto")
	assert.Contains(t, lines[1], "ACTIVE")
	assert.Contains(t, lines[2], "WAITING_LIST")
	assert.Contains(t, lines[2], ",1,")
}

func TestExportRosterPDF(t *testing.T) {
	svc, _ := newGroupFixture()

	result, err := svc.ExportRoster(context.Background(), "11111111-2222-3333-4444-555555555555", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.True(t, strings.HasPrefix(string(result.Content), "%PDF"))
}

func TestExportRosterUnknownFormat(t *testing.T) {
	svc, _ := newGroupFixture()

	_, err := svc.ExportRoster(context.Background(), "11111111-2222-3333-4444-555555555555", "xlsx")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportRosterUnknownGroup(t *testing.T) {
	svc, _ := newGroupFixture()

	_, err := svc.ExportRoster(context.Background(), "99999999-0000-0000-0000-000000000000", "csv")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestGroupListPagination(t *testing.T) {
	svc, _ := newGroupFixture()

	groups, pagination, err := svc.List(context.Background(), models.SubjectGroupFilter{})
	require.NoError(t, err)
	assert.Len(t, groups, 1)
	require.NotNil(t, pagination)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)
	assert.Equal(t, 1, pagination.TotalCount)
}
