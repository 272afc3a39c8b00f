package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

type groupRequestRepository interface {
	Create(ctx context.Context, request *models.GroupRequest) error
	FindByID(ctx context.Context, id string) (*models.GroupRequest, error)
	List(ctx context.Context, filter models.GroupRequestFilter) ([]models.GroupRequest, int, error)
	Supporters(ctx context.Context, requestID string) ([]models.GroupRequestSupporter, error)
	AddSupporter(ctx context.Context, requestID, studentID string) (*models.GroupRequest, error)
	RemoveSupporter(ctx context.Context, requestID, studentID string) (*models.GroupRequest, error)
	Approve(ctx context.Context, requestID, adminID string, minSupporters int) (*models.GroupRequest, error)
	Reject(ctx context.Context, requestID, adminID, reason string) error
	SetCreatedGroup(ctx context.Context, requestID, groupID string) error
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

type subjectReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

// CreateGroupRequestRequest describes a new petition payload.
type CreateGroupRequestRequest struct {
	SubjectID     string `json:"subject_id" validate:"required"`
	GroupType     string `json:"group_type" validate:"required,oneof=REGULAR INTENSIVE REMEDIAL"`
	Justification string `json:"justification" validate:"required,min=10,max=2000"`
}

// RejectGroupRequestRequest describes a petition rejection payload.
type RejectGroupRequestRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// GroupRequestService manages group-creation petitions: supporter
// collection, the quorum check and the admin decision. The requester
// counts as the first supporter, so a fresh petition starts at one.
type GroupRequestService struct {
	repo          groupRequestRepository
	students      studentReader
	subjects      subjectReader
	minSupporters int
	requestTTL    time.Duration
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewGroupRequestService constructs GroupRequestService.
func NewGroupRequestService(repo groupRequestRepository, students studentReader, subjects subjectReader, minSupporters int, requestTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *GroupRequestService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if minSupporters <= 0 {
		minSupporters = 8
	}
	if requestTTL <= 0 {
		requestTTL = 30 * 24 * time.Hour
	}
	return &GroupRequestService{repo: repo, students: students, subjects: subjects, minSupporters: minSupporters, requestTTL: requestTTL, validator: validate, logger: logger}
}

// MinSupporters returns the approval quorum.
func (s *GroupRequestService) MinSupporters() int {
	return s.minSupporters
}

// Create opens a petition. The requester is recorded as its first supporter.
func (s *GroupRequestService) Create(ctx context.Context, requesterID string, req CreateGroupRequestRequest) (*models.GroupRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group request payload")
	}
	student, err := s.students.FindByID(ctx, requesterID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student inactive")
	}
	if _, err := s.subjects.FindByID(ctx, req.SubjectID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	request := &models.GroupRequest{
		SubjectID:          req.SubjectID,
		RequestedGroupType: req.GroupType,
		Justification:      req.Justification,
		RequesterID:        requesterID,
		Status:             models.GroupRequestStatusPending,
		ExpiresAt:          time.Now().UTC().Add(s.requestTTL),
	}
	if err := s.repo.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create group request")
	}
	s.logger.Info("group request created",
		zap.String("request_id", request.ID),
		zap.String("subject_id", request.SubjectID),
		zap.String("requester_id", requesterID))
	return request, nil
}

// Get returns a petition with its supporter count.
func (s *GroupRequestService) Get(ctx context.Context, id string) (*models.GroupRequest, error) {
	request, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group request")
	}
	return request, nil
}

// List returns petitions matching the filter.
func (s *GroupRequestService) List(ctx context.Context, filter models.GroupRequestFilter) ([]models.GroupRequest, *models.Pagination, error) {
	requests, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list group requests")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return requests, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Supporters returns a petition's supporter roll in support order.
func (s *GroupRequestService) Supporters(ctx context.Context, requestID string) ([]models.GroupRequestSupporter, error) {
	if _, err := s.Get(ctx, requestID); err != nil {
		return nil, err
	}
	supporters, err := s.repo.Supporters(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load supporters")
	}
	return supporters, nil
}

// AddSupporter adds a student's backing to a pending petition. Each
// student counts once no matter how often they try.
func (s *GroupRequestService) AddSupporter(ctx context.Context, requestID, studentID string) (*models.GroupRequest, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student inactive")
	}
	request, err := s.repo.AddSupporter(ctx, requestID, studentID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("supporter added",
		zap.String("request_id", requestID),
		zap.String("student_id", studentID),
		zap.Int("supporter_count", request.SupporterCount))
	return request, nil
}

// RemoveSupporter withdraws a student's backing. The requester may
// withdraw too; the petition survives with one supporter fewer.
func (s *GroupRequestService) RemoveSupporter(ctx context.Context, requestID, studentID string) (*models.GroupRequest, error) {
	request, err := s.repo.RemoveSupporter(ctx, requestID, studentID)
	if err != nil {
		return nil, err
	}
	return request, nil
}

// Approve grants a pending petition once the quorum holds. The count
// is re-checked inside the decision transaction, so a concurrent
// supporter withdrawal cannot slip an under-quorum approval through.
func (s *GroupRequestService) Approve(ctx context.Context, requestID, adminID string) (*models.GroupRequest, error) {
	request, err := s.repo.Approve(ctx, requestID, adminID, s.minSupporters)
	if err != nil {
		return nil, err
	}
	s.logger.Info("group request approved",
		zap.String("request_id", requestID),
		zap.String("admin_id", adminID),
		zap.Int("supporter_count", request.SupporterCount))
	return request, nil
}

// Reject declines a pending petition with a reason.
func (s *GroupRequestService) Reject(ctx context.Context, requestID, adminID string, req RejectGroupRequestRequest) (*models.GroupRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rejection payload")
	}
	if err := s.repo.Reject(ctx, requestID, adminID, req.Reason); err != nil {
		return nil, err
	}
	return s.Get(ctx, requestID)
}

// LinkCreatedGroup records the group spawned from an approved petition.
func (s *GroupRequestService) LinkCreatedGroup(ctx context.Context, requestID, groupID string) error {
	if err := s.repo.SetCreatedGroup(ctx, requestID, groupID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link created group")
	}
	return nil
}

// ExpireDue sweeps petitions past their deadline. Safe to re-run.
func (s *GroupRequestService) ExpireDue(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire group requests")
	}
	if expired > 0 {
		s.logger.Info("expired group requests", zap.Int64("count", expired))
	}
	return expired, nil
}
