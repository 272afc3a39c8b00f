package service

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
	"github.com/noah-isme/academy-enroll-api/pkg/export"
)

type groupRepository interface {
	FindByID(ctx context.Context, id string) (*models.SubjectGroup, error)
	FindDetailByID(ctx context.Context, id string) (*models.SubjectGroupDetail, error)
	List(ctx context.Context, filter models.SubjectGroupFilter) ([]models.SubjectGroupDetail, int, error)
}

type rosterReader interface {
	ActiveRoster(ctx context.Context, groupID string) ([]models.EnrollmentDetail, error)
	WaitingList(ctx context.Context, groupID string) ([]models.Enrollment, error)
}

// ExportResult carries rendered bytes plus HTTP delivery metadata.
type ExportResult struct {
	Content     []byte
	ContentType string
	Filename    string
}

// GroupService serves the group catalog and roster exports.
type GroupService struct {
	repo        groupRepository
	enrollments rosterReader
	cache       *CacheService
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	logger      *zap.Logger
}

// NewGroupService constructs GroupService.
func NewGroupService(repo groupRepository, enrollments rosterReader, cache *CacheService, logger *zap.Logger) *GroupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupService{
		repo:        repo,
		enrollments: enrollments,
		cache:       cache,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
	}
}

// List returns groups matching the filter with pagination metadata.
func (s *GroupService) List(ctx context.Context, filter models.SubjectGroupFilter) ([]models.SubjectGroupDetail, *models.Pagination, error) {
	groups, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list groups")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return groups, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a group with its subject info. The second return value
// reports whether the result came from cache.
func (s *GroupService) Get(ctx context.Context, id string) (*models.SubjectGroupDetail, bool, error) {
	cacheKey := fmt.Sprintf("groups:%s:detail", id)
	var cached models.SubjectGroupDetail
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	_ = s.cache.Set(ctx, cacheKey, detail, 0)
	return detail, false, nil
}

// ExportRoster renders a group's active roster followed by its waiting
// list, as CSV or PDF.
func (s *GroupService) ExportRoster(ctx context.Context, groupID, format string) (*ExportResult, error) {
	detail, _, err := s.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	roster, err := s.enrollments.ActiveRoster(ctx, groupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	waiting, err := s.enrollments.WaitingList(ctx, groupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load waiting list")
	}

	dataset := export.Dataset{
		Headers: []string{"Student ID", "Student Name", "Status", "Queue Position", "Price/Hour", "Enrolled At"},
	}
	for _, e := range roster {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Student ID":     e.StudentID,
			"Student Name":   e.StudentName,
			"Status":         string(e.Status),
			"Queue Position": "",
			"Price/Hour":     formatPrice(e.PricePerHour),
			"Enrolled At":    e.EnrolledAt.Format("2006-01-02 15:04"),
		})
	}
	for _, e := range waiting {
		position := ""
		if e.WaitingPosition != nil {
			position = strconv.Itoa(*e.WaitingPosition)
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Student ID":     e.StudentID,
			"Student Name":   "",
			"Status":         string(e.Status),
			"Queue Position": position,
			"Price/Hour":     formatPrice(e.PricePerHour),
			"Enrolled At":    e.EnrolledAt.Format("2006-01-02 15:04"),
		})
	}

	title := fmt.Sprintf("%s %s roster", detail.SubjectName, detail.GroupType)
	switch strings.ToLower(format) {
	case "csv", "":
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{Content: content, ContentType: "text/csv", Filename: exportFilename(detail, "csv")}, nil
	case "pdf":
		content, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{Content: content, ContentType: "application/pdf", Filename: exportFilename(detail, "pdf")}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format: "+format)
	}
}

func exportFilename(detail *models.SubjectGroupDetail, ext string) string {
	code := strings.ToLower(strings.ReplaceAll(detail.SubjectCode, " ", "-"))
	return fmt.Sprintf("roster-%s-%s.%s", code, detail.ID[:8], ext)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
