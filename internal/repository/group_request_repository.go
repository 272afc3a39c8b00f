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

const groupRequestColumns = `r.id, r.subject_id, r.requested_group_type, r.justification, r.requester_id,
        r.status, r.expires_at, r.decided_by, r.decided_at, r.decision_reason, r.created_group_id, r.created_at,
        (SELECT COUNT(*) FROM group_request_supporters gs WHERE gs.request_id = r.id) AS supporter_count`

// GroupRequestRepository persists group-creation petitions and their
// supporter sets. Supporter mutations and the approval decision run
// under a row lock on the request so quorum is never judged on a stale
// count.
type GroupRequestRepository struct {
	db *sqlx.DB
}

// NewGroupRequestRepository constructs the repository.
func NewGroupRequestRepository(db *sqlx.DB) *GroupRequestRepository {
	return &GroupRequestRepository{db: db}
}

// Create inserts a new pending request. The requester is recorded as
// the first supporter in the same transaction.
func (r *GroupRequestRepository) Create(ctx context.Context, request *models.GroupRequest) (err error) {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}
	if request.Status == "" {
		request.Status = models.GroupRequestStatusPending
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create-request transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertRequest = `INSERT INTO group_requests (id, subject_id, requested_group_type, justification, requester_id, status, expires_at, created_at)
        VALUES (:id, :subject_id, :requested_group_type, :justification, :requester_id, :status, :expires_at, :created_at)`
	if _, err = tx.NamedExecContext(ctx, insertRequest, request); err != nil {
		return fmt.Errorf("create group request: %w", err)
	}

	const insertSupporter = `INSERT INTO group_request_supporters (request_id, student_id, supported_at) VALUES ($1, $2, $3)`
	if _, err = tx.ExecContext(ctx, insertSupporter, request.ID, request.RequesterID, request.CreatedAt); err != nil {
		return fmt.Errorf("record requester support: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create-request: %w", err)
	}
	request.SupporterCount = 1
	return nil
}

// FindByID returns a request with its supporter count.
func (r *GroupRequestRepository) FindByID(ctx context.Context, id string) (*models.GroupRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM group_requests r WHERE r.id = $1`, groupRequestColumns)
	var request models.GroupRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// List returns requests filtered by the provided criteria.
func (r *GroupRequestRepository) List(ctx context.Context, filter models.GroupRequestFilter) ([]models.GroupRequest, int, error) {
	var conditions []string
	var args []interface{}

	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("r.subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.RequesterID != "" {
		conditions = append(conditions, fmt.Sprintf("r.requester_id = $%d", len(args)+1))
		args = append(args, filter.RequesterID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
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

	query := fmt.Sprintf(`SELECT %s FROM group_requests r%s ORDER BY r.created_at DESC LIMIT %d OFFSET %d`,
		groupRequestColumns, clause, size, offset)

	var requests []models.GroupRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list group requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM group_requests r%s", clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count group requests: %w", err)
	}
	return requests, total, nil
}

// Supporters returns the supporter set in join order.
func (r *GroupRequestRepository) Supporters(ctx context.Context, requestID string) ([]models.GroupRequestSupporter, error) {
	const query = `SELECT request_id, student_id, supported_at FROM group_request_supporters
        WHERE request_id = $1 ORDER BY supported_at ASC`
	var supporters []models.GroupRequestSupporter
	if err := r.db.SelectContext(ctx, &supporters, query, requestID); err != nil {
		return nil, fmt.Errorf("list supporters: %w", err)
	}
	return supporters, nil
}

// AddSupporter inserts a supporter under the request lock. Duplicate
// support is an idempotency-guard error, not a second row.
func (r *GroupRequestRepository) AddSupporter(ctx context.Context, requestID, studentID string) (request *models.GroupRequest, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add-supporter transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := lockGroupRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Pending() {
		return nil, appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}

	var exists int
	const existsQuery = `SELECT 1 FROM group_request_supporters WHERE request_id = $1 AND student_id = $2 LIMIT 1`
	err = sqlx.GetContext(ctx, tx, &exists, existsQuery, requestID, studentID)
	if err == nil {
		return nil, appErrors.Clone(appErrors.ErrAlreadySupporter, "")
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("check supporter: %w", err)
	}
	err = nil

	const insertQuery = `INSERT INTO group_request_supporters (request_id, student_id, supported_at) VALUES ($1, $2, $3)`
	if _, err = tx.ExecContext(ctx, insertQuery, requestID, studentID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("add supporter: %w", err)
	}

	request, err = getGroupRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add-supporter: %w", err)
	}
	return request, nil
}

// RemoveSupporter removes a supporter while the request is pending.
// Removing the requester is allowed.
func (r *GroupRequestRepository) RemoveSupporter(ctx context.Context, requestID, studentID string) (request *models.GroupRequest, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin remove-supporter transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := lockGroupRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Pending() {
		return nil, appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}

	const deleteQuery = `DELETE FROM group_request_supporters WHERE request_id = $1 AND student_id = $2`
	res, err := tx.ExecContext(ctx, deleteQuery, requestID, studentID)
	if err != nil {
		return nil, fmt.Errorf("remove supporter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("remove supporter result: %w", err)
	}
	if affected == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student does not support this request")
	}

	request, err = getGroupRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit remove-supporter: %w", err)
	}
	return request, nil
}

// Approve flips a pending request to APPROVED. The supporter count is
// re-counted inside the transaction so the quorum decision and the
// status change are atomic.
func (r *GroupRequestRepository) Approve(ctx context.Context, requestID, adminID string, minSupporters int) (request *models.GroupRequest, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approve-request transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := lockGroupRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Pending() {
		return nil, appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}

	var supporters int
	const countQuery = `SELECT COUNT(*) FROM group_request_supporters WHERE request_id = $1`
	if err = sqlx.GetContext(ctx, tx, &supporters, countQuery, requestID); err != nil {
		return nil, fmt.Errorf("count supporters: %w", err)
	}
	if supporters < minSupporters {
		return nil, appErrors.Clone(appErrors.ErrInsufficientSupporters,
			fmt.Sprintf("request has %d of %d required supporters", supporters, minSupporters))
	}

	const approveQuery = `UPDATE group_requests SET status = 'APPROVED', decided_by = $2, decided_at = $3 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, approveQuery, requestID, adminID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("approve group request: %w", err)
	}

	request, err = getGroupRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approve-request: %w", err)
	}
	return request, nil
}

// Reject flips a pending request to REJECTED regardless of quorum.
func (r *GroupRequestRepository) Reject(ctx context.Context, requestID, adminID, reason string) error {
	const query = `UPDATE group_requests SET status = 'REJECTED', decided_by = $2, decided_at = $3, decision_reason = $4
        WHERE id = $1 AND status = 'PENDING'`
	res, err := r.db.ExecContext(ctx, query, requestID, adminID, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("reject group request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reject group request result: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrRequestNotPending, "")
	}
	return nil
}

// SetCreatedGroup back-fills the group created for an approved request.
func (r *GroupRequestRepository) SetCreatedGroup(ctx context.Context, requestID, groupID string) error {
	const query = `UPDATE group_requests SET created_group_id = $2 WHERE id = $1 AND status = 'APPROVED'`
	if _, err := r.db.ExecContext(ctx, query, requestID, groupID); err != nil {
		return fmt.Errorf("set created group: %w", err)
	}
	return nil
}

// ExpireDue expires pending requests whose deadline has passed.
// Already expired rows do not match, so repeat sweeps are no-ops.
func (r *GroupRequestRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE group_requests SET status = 'EXPIRED' WHERE status = 'PENDING' AND expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire group requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire group requests result: %w", err)
	}
	return affected, nil
}

func lockGroupRequest(ctx context.Context, ext sqlx.ExtContext, id string) (*models.GroupRequest, error) {
	const query = `SELECT id, subject_id, requested_group_type, justification, requester_id,
        status, expires_at, decided_by, decided_at, decision_reason, created_group_id, created_at
        FROM group_requests WHERE id = $1 FOR UPDATE`
	var request models.GroupRequest
	if err := sqlx.GetContext(ctx, ext, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

func getGroupRequest(ctx context.Context, ext sqlx.ExtContext, id string) (*models.GroupRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM group_requests r WHERE r.id = $1`, groupRequestColumns)
	var request models.GroupRequest
	if err := sqlx.GetContext(ctx, ext, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}
