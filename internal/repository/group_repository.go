package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
)

// GroupRepository handles persistence of subject groups and is the
// source of truth for seat occupancy.
type GroupRepository struct {
	db *sqlx.DB
}

// NewGroupRepository constructs the repository.
func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// FindByID returns a group by its ID.
func (r *GroupRepository) FindByID(ctx context.Context, id string) (*models.SubjectGroup, error) {
	const query = `SELECT id, subject_id, group_type, price_per_hour, max_capacity, current_occupancy, active, created_at
        FROM subject_groups WHERE id = $1`
	var group models.SubjectGroup
	if err := r.db.GetContext(ctx, &group, query, id); err != nil {
		return nil, err
	}
	return &group, nil
}

// FindDetailByID returns a group with subject info.
func (r *GroupRepository) FindDetailByID(ctx context.Context, id string) (*models.SubjectGroupDetail, error) {
	const query = `SELECT g.id, g.subject_id, g.group_type, g.price_per_hour, g.max_capacity, g.current_occupancy, g.active, g.created_at,
        s.code AS subject_code, s.name AS subject_name
        FROM subject_groups g
        LEFT JOIN subjects s ON s.id = g.subject_id
        WHERE g.id = $1`
	var detail models.SubjectGroupDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns groups filtered by the provided criteria.
func (r *GroupRepository) List(ctx context.Context, filter models.SubjectGroupFilter) ([]models.SubjectGroupDetail, int, error) {
	base := `FROM subject_groups g
LEFT JOIN subjects s ON s.id = g.subject_id`
	var conditions []string
	var args []interface{}

	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("g.subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.GroupType != "" {
		conditions = append(conditions, fmt.Sprintf("g.group_type = $%d", len(args)+1))
		args = append(args, filter.GroupType)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("g.active = $%d", len(args)+1))
		args = append(args, *filter.Active)
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

	query := fmt.Sprintf(`SELECT g.id, g.subject_id, g.group_type, g.price_per_hour, g.max_capacity, g.current_occupancy, g.active, g.created_at,
        s.code AS subject_code, s.name AS subject_name
        %s ORDER BY s.name, g.group_type LIMIT %d OFFSET %d`, base+clause, size, offset)

	var groups []models.SubjectGroupDetail
	if err := r.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}
	return groups, total, nil
}

// HasAvailableSeat reports whether occupancy is below capacity. The
// answer is advisory; mutating workflows re-check under the row lock.
func (r *GroupRepository) HasAvailableSeat(ctx context.Context, id string) (bool, error) {
	const query = `SELECT current_occupancy < max_capacity FROM subject_groups WHERE id = $1`
	var free bool
	if err := r.db.GetContext(ctx, &free, query, id); err != nil {
		return false, err
	}
	return free, nil
}

// Occupy consumes one seat. The guard clause makes a full group fail
// even if the caller skipped the availability check.
func (r *GroupRepository) Occupy(ctx context.Context, id string) error {
	return occupySeat(ctx, r.db, id)
}

// Release frees one seat.
func (r *GroupRepository) Release(ctx context.Context, id string) error {
	return releaseSeat(ctx, r.db, id)
}

// lockGroup loads the group row FOR UPDATE. Holding this lock is the
// per-group serialization boundary for seat and waiting-list changes.
func lockGroup(ctx context.Context, ext sqlx.ExtContext, id string) (*models.SubjectGroup, error) {
	const query = `SELECT id, subject_id, group_type, price_per_hour, max_capacity, current_occupancy, active, created_at
        FROM subject_groups WHERE id = $1 FOR UPDATE`
	var group models.SubjectGroup
	if err := sqlx.GetContext(ctx, ext, &group, query, id); err != nil {
		return nil, err
	}
	return &group, nil
}

func occupySeat(ctx context.Context, ext sqlx.ExtContext, id string) error {
	const query = `UPDATE subject_groups SET current_occupancy = current_occupancy + 1
        WHERE id = $1 AND current_occupancy < max_capacity`
	res, err := ext.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("occupy seat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("occupy seat result: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrCapacityExceeded, "")
	}
	return nil
}

func releaseSeat(ctx context.Context, ext sqlx.ExtContext, id string) error {
	const query = `UPDATE subject_groups SET current_occupancy = current_occupancy - 1
        WHERE id = $1 AND current_occupancy > 0`
	res, err := ext.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release seat result: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrInvariantViolation, "seat released at zero occupancy")
	}
	return nil
}
