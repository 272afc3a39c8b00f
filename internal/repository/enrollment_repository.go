package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

const enrollmentColumns = `id, student_id, group_id, status, waiting_position, price_per_hour,
        enrolled_at, promoted_at, withdrawn_at, decided_by, decision_reason`

// EnrollmentRepository handles persistence of enrollments, including
// the transactional seat/waiting-list workflows. All multi-step
// mutations hold the subject_groups row lock for the affected group so
// that concurrent requests against the same group serialize.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students st ON st.id = e.student_id
LEFT JOIN subject_groups g ON g.id = e.group_id
LEFT JOIN subjects s ON s.id = g.subject_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("e.group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":  "e.enrolled_at",
		"student_name": "st.full_name",
		"status":       "e.status",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.group_id, e.status, e.waiting_position, e.price_per_hour,
        e.enrolled_at, e.promoted_at, e.withdrawn_at, e.decided_by, e.decision_reason,
        st.full_name AS student_name, s.name AS subject_name, g.group_type AS group_type
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with contextual info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.status, e.waiting_position, e.price_per_hour,
        e.enrolled_at, e.promoted_at, e.withdrawn_at, e.decided_by, e.decision_reason,
        st.full_name AS student_name, s.name AS subject_name, g.group_type AS group_type
        FROM enrollments e
        LEFT JOIN students st ON st.id = e.student_id
        LEFT JOIN subject_groups g ON g.id = e.group_id
        LEFT JOIN subjects s ON s.id = g.subject_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsLive checks whether a live (pending/active/waiting) enrollment
// exists for the student/group combination.
func (r *EnrollmentRepository) ExistsLive(ctx context.Context, studentID, groupID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments
        WHERE student_id = $1 AND group_id = $2
        AND status IN ('PENDING_APPROVAL', 'ACTIVE', 'WAITING_LIST') LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, groupID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check live enrollment: %w", err)
	}
	return true, nil
}

// Create persists a new PENDING_APPROVAL enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusPendingApproval
	}
	const query = `INSERT INTO enrollments (id, student_id, group_id, status, waiting_position, price_per_hour,
        enrolled_at, promoted_at, withdrawn_at, decided_by, decision_reason)
        VALUES (:id, :student_id, :group_id, :status, :waiting_position, :price_per_hour,
        :enrolled_at, :promoted_at, :withdrawn_at, :decided_by, :decision_reason)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// WaitingList returns the queued enrollments for a group in FIFO order.
func (r *EnrollmentRepository) WaitingList(ctx context.Context, groupID string) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments
        WHERE group_id = $1 AND status = 'WAITING_LIST'
        ORDER BY waiting_position ASC`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, groupID); err != nil {
		return nil, fmt.Errorf("list waiting enrollments: %w", err)
	}
	return enrollments, nil
}

// ActiveRoster returns the active enrollments for a group ordered by
// enrollment time.
func (r *EnrollmentRepository) ActiveRoster(ctx context.Context, groupID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.status, e.waiting_position, e.price_per_hour,
        e.enrolled_at, e.promoted_at, e.withdrawn_at, e.decided_by, e.decision_reason,
        st.full_name AS student_name, s.name AS subject_name, g.group_type AS group_type
        FROM enrollments e
        LEFT JOIN students st ON st.id = e.student_id
        LEFT JOIN subject_groups g ON g.id = e.group_id
        LEFT JOIN subjects s ON s.id = g.subject_id
        WHERE e.group_id = $1 AND e.status = 'ACTIVE'
        ORDER BY e.enrolled_at ASC`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, groupID); err != nil {
		return nil, fmt.Errorf("list group roster: %w", err)
	}
	return enrollments, nil
}

// Reject transitions a pending enrollment to REJECTED. The status guard
// in the UPDATE keeps a racing approval from being overwritten.
func (r *EnrollmentRepository) Reject(ctx context.Context, id, rejecterID, reason string) error {
	const query = `UPDATE enrollments SET status = 'REJECTED', decided_by = $2, decision_reason = $3
        WHERE id = $1 AND status = 'PENDING_APPROVAL'`
	res, err := r.db.ExecContext(ctx, query, id, rejecterID, reason)
	if err != nil {
		return fmt.Errorf("reject enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reject enrollment result: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is not pending approval")
	}
	return nil
}

// Complete transitions an active enrollment to COMPLETED. The seat is
// deliberately not released: completion ends the course run, it does
// not open a vacancy.
func (r *EnrollmentRepository) Complete(ctx context.Context, id, deciderID string) error {
	const query = `UPDATE enrollments SET status = 'COMPLETED', decided_by = $2
        WHERE id = $1 AND status = 'ACTIVE'`
	res, err := r.db.ExecContext(ctx, query, id, deciderID)
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete enrollment result: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is not active")
	}
	return nil
}

// ExpirePending expires PENDING_APPROVAL enrollments older than the
// cutoff. Safe to run repeatedly; already expired rows do not match.
func (r *EnrollmentRepository) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `UPDATE enrollments SET status = 'EXPIRED'
        WHERE status = 'PENDING_APPROVAL' AND enrolled_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire pending enrollments: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending result: %w", err)
	}
	return affected, nil
}

// Resolve decides a pending enrollment under the group lock: the
// student takes a seat when one is free, otherwise joins the tail of
// the waiting list. Check and write happen in one transaction.
func (r *EnrollmentRepository) Resolve(ctx context.Context, id, deciderID string) (enrollment *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin resolve transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := lockEnrollment(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.EnrollmentStatusPendingApproval {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is not pending approval")
	}

	group, err := lockGroup(ctx, tx, current.GroupID)
	if err != nil {
		return nil, fmt.Errorf("lock group: %w", err)
	}

	if group.HasAvailableSeat() {
		if err = occupySeat(ctx, tx, group.ID); err != nil {
			return nil, err
		}
		const activate = `UPDATE enrollments SET status = 'ACTIVE', decided_by = $2 WHERE id = $1`
		if _, err = tx.ExecContext(ctx, activate, id, deciderID); err != nil {
			return nil, fmt.Errorf("activate enrollment: %w", err)
		}
	} else {
		var position int
		position, err = nextWaitingPosition(ctx, tx, group.ID)
		if err != nil {
			return nil, err
		}
		const queue = `UPDATE enrollments SET status = 'WAITING_LIST', waiting_position = $2, decided_by = $3 WHERE id = $1`
		if _, err = tx.ExecContext(ctx, queue, id, position, deciderID); err != nil {
			return nil, fmt.Errorf("queue enrollment: %w", err)
		}
	}

	enrollment, err = getEnrollment(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit resolve: %w", err)
	}
	return enrollment, nil
}

// Withdraw moves a live enrollment to WITHDRAWN under the group lock.
// An active withdrawal frees the seat and promotes the head of the
// queue; a waiting withdrawal compacts the positions behind it. At
// most one student is promoted per vacated seat.
func (r *EnrollmentRepository) Withdraw(ctx context.Context, id string) (withdrawn, promoted *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin withdraw transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := lockEnrollment(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if !current.Status.CanTransitionTo(models.EnrollmentStatusWithdrawn) {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment cannot be withdrawn")
	}

	if _, err = lockGroup(ctx, tx, current.GroupID); err != nil {
		return nil, nil, fmt.Errorf("lock group: %w", err)
	}

	now := time.Now().UTC()
	const withdrawQuery = `UPDATE enrollments SET status = 'WITHDRAWN', waiting_position = NULL, withdrawn_at = $2 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, withdrawQuery, id, now); err != nil {
		return nil, nil, fmt.Errorf("withdraw enrollment: %w", err)
	}

	switch current.Status {
	case models.EnrollmentStatusActive:
		if err = releaseSeat(ctx, tx, current.GroupID); err != nil {
			return nil, nil, err
		}
		promoted, err = promoteHead(ctx, tx, current.GroupID, now)
		if err != nil {
			return nil, nil, err
		}
	case models.EnrollmentStatusWaitingList:
		if current.WaitingPosition == nil {
			return nil, nil, appErrors.Clone(appErrors.ErrInvariantViolation, "waiting enrollment without a position")
		}
		if err = compactAfter(ctx, tx, current.GroupID, *current.WaitingPosition); err != nil {
			return nil, nil, err
		}
	}

	withdrawn, err = getEnrollment(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit withdraw: %w", err)
	}
	return withdrawn, promoted, nil
}

// ChangeGroup atomically withdraws an enrollment from its group and
// places the student in the target group, so they never hold zero or
// two seats mid-move. Both group rows are locked in id order to keep
// concurrent moves deadlock free.
func (r *EnrollmentRepository) ChangeGroup(ctx context.Context, id string, target *models.SubjectGroup) (created *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin change-group transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := lockEnrollment(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(models.EnrollmentStatusWithdrawn) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment cannot be moved")
	}
	if current.GroupID == target.ID {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment already in target group")
	}

	groupIDs := []string{current.GroupID, target.ID}
	if groupIDs[1] < groupIDs[0] {
		groupIDs[0], groupIDs[1] = groupIDs[1], groupIDs[0]
	}
	var targetGroup *models.SubjectGroup
	for _, gid := range groupIDs {
		var locked *models.SubjectGroup
		locked, err = lockGroup(ctx, tx, gid)
		if err != nil {
			return nil, fmt.Errorf("lock group %s: %w", gid, err)
		}
		if gid == target.ID {
			targetGroup = locked
		}
	}

	var duplicate int
	const dupQuery = `SELECT 1 FROM enrollments WHERE student_id = $1 AND group_id = $2
        AND status IN ('PENDING_APPROVAL', 'ACTIVE', 'WAITING_LIST') LIMIT 1`
	err = sqlx.GetContext(ctx, tx, &duplicate, dupQuery, current.StudentID, target.ID)
	if err == nil {
		return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "student already has a live enrollment for the target group")
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("check target enrollment: %w", err)
	}
	err = nil

	now := time.Now().UTC()
	const withdrawQuery = `UPDATE enrollments SET status = 'WITHDRAWN', waiting_position = NULL, withdrawn_at = $2 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, withdrawQuery, id, now); err != nil {
		return nil, fmt.Errorf("withdraw source enrollment: %w", err)
	}

	switch current.Status {
	case models.EnrollmentStatusActive:
		if err = releaseSeat(ctx, tx, current.GroupID); err != nil {
			return nil, err
		}
		if _, err = promoteHead(ctx, tx, current.GroupID, now); err != nil {
			return nil, err
		}
	case models.EnrollmentStatusWaitingList:
		if current.WaitingPosition == nil {
			return nil, appErrors.Clone(appErrors.ErrInvariantViolation, "waiting enrollment without a position")
		}
		if err = compactAfter(ctx, tx, current.GroupID, *current.WaitingPosition); err != nil {
			return nil, err
		}
	}

	next := &models.Enrollment{
		ID:           uuid.NewString(),
		StudentID:    current.StudentID,
		GroupID:      targetGroup.ID,
		PricePerHour: targetGroup.PricePerHour,
		EnrolledAt:   now,
	}
	if targetGroup.HasAvailableSeat() {
		if err = occupySeat(ctx, tx, targetGroup.ID); err != nil {
			return nil, err
		}
		next.Status = models.EnrollmentStatusActive
	} else {
		var position int
		position, err = nextWaitingPosition(ctx, tx, targetGroup.ID)
		if err != nil {
			return nil, err
		}
		next.Status = models.EnrollmentStatusWaitingList
		next.WaitingPosition = &position
	}

	const insertQuery = `INSERT INTO enrollments (id, student_id, group_id, status, waiting_position, price_per_hour, enrolled_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err = tx.ExecContext(ctx, insertQuery, next.ID, next.StudentID, next.GroupID, next.Status, next.WaitingPosition, next.PricePerHour, next.EnrolledAt); err != nil {
		return nil, fmt.Errorf("create target enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit change-group: %w", err)
	}
	return next, nil
}

// CountByStatus returns enrollment counts grouped by status.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context) (map[models.EnrollmentStatus]int, error) {
	const query = `SELECT status, COUNT(*) AS total FROM enrollments GROUP BY status`
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count enrollments by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EnrollmentStatus]int)
	for rows.Next() {
		var status models.EnrollmentStatus
		var total int
		if err := rows.Scan(&status, &total); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = total
	}
	return counts, rows.Err()
}

func lockEnrollment(ctx context.Context, ext sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1 FOR UPDATE`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, ext, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

func getEnrollment(ctx context.Context, ext sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, ext, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// nextWaitingPosition computes MAX+1 for the group's queue. Only valid
// while holding the group lock, otherwise two inserts can claim the
// same position.
func nextWaitingPosition(ctx context.Context, ext sqlx.ExtContext, groupID string) (int, error) {
	const query = `SELECT COALESCE(MAX(waiting_position), 0) + 1 FROM enrollments
        WHERE group_id = $1 AND status = 'WAITING_LIST'`
	var position int
	if err := sqlx.GetContext(ctx, ext, &position, query, groupID); err != nil {
		return 0, fmt.Errorf("next waiting position: %w", err)
	}
	return position, nil
}

// compactAfter shifts every queued enrollment behind the removed
// position forward by one, keeping the 1..N sequence gap free.
func compactAfter(ctx context.Context, ext sqlx.ExtContext, groupID string, removedPosition int) error {
	const query = `UPDATE enrollments SET waiting_position = waiting_position - 1
        WHERE group_id = $1 AND status = 'WAITING_LIST' AND waiting_position > $2`
	if _, err := ext.ExecContext(ctx, query, groupID, removedPosition); err != nil {
		return fmt.Errorf("compact waiting positions: %w", err)
	}
	return nil
}

// promoteHead activates the queued enrollment with the smallest
// position, if any. The caller must hold the group lock and have a
// seat free; promotion against a full group is a logic error.
func promoteHead(ctx context.Context, ext sqlx.ExtContext, groupID string, now time.Time) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments
        WHERE group_id = $1 AND status = 'WAITING_LIST'
        ORDER BY waiting_position ASC LIMIT 1`, enrollmentColumns)
	var head models.Enrollment
	if err := sqlx.GetContext(ctx, ext, &head, query, groupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select queue head: %w", err)
	}
	if head.WaitingPosition == nil {
		return nil, appErrors.Clone(appErrors.ErrInvariantViolation, "queue head without a position")
	}

	if err := occupySeat(ctx, ext, groupID); err != nil {
		if appErrors.FromError(err).Code == appErrors.ErrCapacityExceeded.Code {
			return nil, appErrors.Clone(appErrors.ErrInvariantViolation, "promotion attempted with no free seat")
		}
		return nil, err
	}

	const promote = `UPDATE enrollments SET status = 'ACTIVE', waiting_position = NULL, promoted_at = $2 WHERE id = $1`
	if _, err := ext.ExecContext(ctx, promote, head.ID, now); err != nil {
		return nil, fmt.Errorf("promote queue head: %w", err)
	}
	if err := compactAfter(ctx, ext, groupID, *head.WaitingPosition); err != nil {
		return nil, err
	}

	head.Status = models.EnrollmentStatusActive
	head.WaitingPosition = nil
	head.PromotedAt = &now
	return &head, nil
}
