package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ExistsLive(ctx context.Context, studentID, groupID string) (bool, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	WaitingList(ctx context.Context, groupID string) ([]models.Enrollment, error)
	Resolve(ctx context.Context, id, deciderID string) (*models.Enrollment, error)
	Reject(ctx context.Context, id, rejecterID, reason string) error
	Withdraw(ctx context.Context, id string) (*models.Enrollment, *models.Enrollment, error)
	Complete(ctx context.Context, id, deciderID string) error
	ChangeGroup(ctx context.Context, id string, target *models.SubjectGroup) (*models.Enrollment, error)
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.EnrollmentStatus]int, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type groupReader interface {
	FindByID(ctx context.Context, id string) (*models.SubjectGroup, error)
}

// EnrollRequest describes enrollment creation payload.
type EnrollRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	GroupID   string `json:"group_id" validate:"required"`
}

// RejectEnrollmentRequest describes a rejection payload.
type RejectEnrollmentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// ChangeGroupRequest describes a group move payload.
type ChangeGroupRequest struct {
	TargetGroupID string `json:"target_group_id" validate:"required"`
}

// WaitingPositionInfo reports a 1-based queue position, or not queued.
type WaitingPositionInfo struct {
	EnrollmentID string `json:"enrollment_id"`
	GroupID      string `json:"group_id"`
	Queued       bool   `json:"queued"`
	Position     int    `json:"position,omitempty"`
}

// EnrollmentService coordinates capacity, waiting lists and the
// enrollment lifecycle. Enrollment is approval gated: a new request
// always starts PENDING_APPROVAL and only a teacher or admin decision
// resolves it to a seat or the queue.
type EnrollmentService struct {
	repo        enrollmentRepository
	students    studentReader
	groups      groupReader
	cache       *CacheService
	metrics     *MetricsService
	approvalTTL time.Duration
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, students studentReader, groups groupReader, cache *CacheService, metrics *MetricsService, approvalTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if approvalTTL <= 0 {
		approvalTTL = 48 * time.Hour
	}
	return &EnrollmentService{repo: repo, students: students, groups: groups, cache: cache, metrics: metrics, approvalTTL: approvalTTL, validator: validate, logger: logger}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Get returns an enrollment with contextual info.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Enroll registers a seat request. The enrollment captures the group's
// current hourly price; later price changes never touch it.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student inactive")
	}
	group, err := s.groups.FindByID(ctx, req.GroupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	if !group.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "group inactive")
	}
	exists, err := s.repo.ExistsLive(ctx, req.StudentID, req.GroupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
	}
	enrollment := &models.Enrollment{
		StudentID:    req.StudentID,
		GroupID:      req.GroupID,
		Status:       models.EnrollmentStatusPendingApproval,
		PricePerHour: group.PricePerHour,
		EnrolledAt:   time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}
	s.invalidateGroup(ctx, req.GroupID)
	return s.reloadDetail(ctx, enrollment.ID)
}

// Approve resolves a pending enrollment: the student takes a seat when
// one is free, otherwise joins the waiting list. Seat check and status
// write are one transaction under the group lock.
func (s *EnrollmentService) Approve(ctx context.Context, id, approverID string) (*models.EnrollmentDetail, error) {
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusPendingApproval {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is not pending approval")
	}
	resolved, err := s.repo.Resolve(ctx, id, approverID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("enrollment approved",
		zap.String("enrollment_id", id),
		zap.String("group_id", resolved.GroupID),
		zap.String("status", string(resolved.Status)))
	s.invalidateGroup(ctx, resolved.GroupID)
	return s.reloadDetail(ctx, id)
}

// Reject declines a pending enrollment.
func (s *EnrollmentService) Reject(ctx context.Context, id, rejecterID string, req RejectEnrollmentRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rejection payload")
	}
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enrollment.Status.CanTransitionTo(models.EnrollmentStatusRejected) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is not pending approval")
	}
	if err := s.repo.Reject(ctx, id, rejecterID, req.Reason); err != nil {
		return nil, err
	}
	return s.reloadDetail(ctx, id)
}

// Withdraw removes a student from a seat or the queue. Vacating a seat
// promotes the head of that group's queue in the same transaction, so
// one freed seat never promotes two students.
func (s *EnrollmentService) Withdraw(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if _, err := s.loadEnrollment(ctx, id); err != nil {
		return nil, err
	}
	withdrawn, promoted, err := s.repo.Withdraw(ctx, id)
	if err != nil {
		return nil, s.classifyWorkflowError(err, "withdraw", id)
	}
	if promoted != nil {
		s.metrics.RecordPromotion()
		s.logger.Info("waiting-list promotion",
			zap.String("group_id", withdrawn.GroupID),
			zap.String("promoted_enrollment_id", promoted.ID))
	}
	s.invalidateGroup(ctx, withdrawn.GroupID)
	return s.reloadDetail(ctx, id)
}

// Complete marks an active enrollment as finished. The seat stays
// consumed: a finished course is not a vacancy to promote into.
func (s *EnrollmentService) Complete(ctx context.Context, id, deciderID string) (*models.EnrollmentDetail, error) {
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enrollment.Status.CanTransitionTo(models.EnrollmentStatusCompleted) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is not active")
	}
	if err := s.repo.Complete(ctx, id, deciderID); err != nil {
		return nil, err
	}
	return s.reloadDetail(ctx, id)
}

// ChangeGroup atomically moves a student between groups. The old
// group's queue is served, the new group's capacity rules apply, and a
// failure in either half rolls the whole move back.
func (s *EnrollmentService) ChangeGroup(ctx context.Context, id string, req ChangeGroupRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change-group payload")
	}
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	target, err := s.groups.FindByID(ctx, req.TargetGroupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "target group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load target group")
	}
	if !target.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "target group inactive")
	}
	created, err := s.repo.ChangeGroup(ctx, id, target)
	if err != nil {
		return nil, s.classifyWorkflowError(err, "change-group", id)
	}
	s.invalidateGroup(ctx, enrollment.GroupID)
	s.invalidateGroup(ctx, target.ID)
	return s.reloadDetail(ctx, created.ID)
}

// GetWaitingPosition reports the 1-based queue position of an enrollment.
func (s *EnrollmentService) GetWaitingPosition(ctx context.Context, id string) (*WaitingPositionInfo, error) {
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &WaitingPositionInfo{EnrollmentID: enrollment.ID, GroupID: enrollment.GroupID}
	if enrollment.Status == models.EnrollmentStatusWaitingList && enrollment.WaitingPosition != nil {
		info.Queued = true
		info.Position = *enrollment.WaitingPosition
	}
	return info, nil
}

// WaitingListByGroup returns a group's queue in FIFO order. The second
// return value reports whether the result came from cache.
func (s *EnrollmentService) WaitingListByGroup(ctx context.Context, groupID string) ([]models.Enrollment, bool, error) {
	if _, err := s.groups.FindByID(ctx, groupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}

	cacheKey := waitingListCacheKey(groupID)
	var cached []models.Enrollment
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return cached, true, nil
	}

	waiting, err := s.repo.WaitingList(ctx, groupID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load waiting list")
	}
	_ = s.cache.Set(ctx, cacheKey, waiting, 0)
	s.metrics.SetWaitingDepth(groupID, len(waiting))
	return waiting, false, nil
}

// ExpirePending sweeps pending enrollments past the approval deadline.
// Running it twice over the same rows is a no-op.
func (s *EnrollmentService) ExpirePending(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.approvalTTL)
	expired, err := s.repo.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire pending enrollments")
	}
	if expired > 0 {
		s.logger.Info("expired pending enrollments", zap.Int64("count", expired))
		s.metrics.RecordExpired("enrollment", expired)
	}
	return expired, nil
}

// RefreshStatusGauges pushes current per-status counts to metrics.
func (s *EnrollmentService) RefreshStatusGauges(ctx context.Context) error {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetEnrollmentCounts(counts)
	return nil
}

func (s *EnrollmentService) loadEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) reloadDetail(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// classifyWorkflowError logs invariant violations loudly; they mean a
// concurrency-control defect, not user error.
func (s *EnrollmentService) classifyWorkflowError(err error, op, id string) error {
	appErr := appErrors.FromError(err)
	if appErr.Code == appErrors.ErrInvariantViolation.Code {
		s.logger.Error("enrollment invariant violated",
			zap.String("operation", op),
			zap.String("enrollment_id", id),
			zap.Error(err))
	}
	return err
}

func (s *EnrollmentService) invalidateGroup(ctx context.Context, groupID string) {
	s.cache.Invalidate(ctx, fmt.Sprintf("groups:%s:*", groupID))
}

func waitingListCacheKey(groupID string) string {
	return fmt.Sprintf("groups:%s:waiting-list", groupID)
}
