package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPendingApproval EnrollmentStatus = "PENDING_APPROVAL"
	EnrollmentStatusActive          EnrollmentStatus = "ACTIVE"
	EnrollmentStatusWaitingList     EnrollmentStatus = "WAITING_LIST"
	EnrollmentStatusWithdrawn       EnrollmentStatus = "WITHDRAWN"
	EnrollmentStatusCompleted       EnrollmentStatus = "COMPLETED"
	EnrollmentStatusRejected        EnrollmentStatus = "REJECTED"
	EnrollmentStatusExpired         EnrollmentStatus = "EXPIRED"
)

// enrollmentTransitions is the closed transition table. Statuses absent
// from the map are terminal.
var enrollmentTransitions = map[EnrollmentStatus]map[EnrollmentStatus]struct{}{
	EnrollmentStatusPendingApproval: {
		EnrollmentStatusActive:      {},
		EnrollmentStatusWaitingList: {},
		EnrollmentStatusRejected:    {},
		EnrollmentStatusExpired:     {},
	},
	EnrollmentStatusActive: {
		EnrollmentStatusWithdrawn: {},
		EnrollmentStatusCompleted: {},
	},
	EnrollmentStatusWaitingList: {
		EnrollmentStatusActive:    {},
		EnrollmentStatusWithdrawn: {},
	},
}

// CanTransitionTo reports whether the status change is legal.
func (s EnrollmentStatus) CanTransitionTo(next EnrollmentStatus) bool {
	allowed, ok := enrollmentTransitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// Terminal reports whether no further transitions are permitted.
func (s EnrollmentStatus) Terminal() bool {
	_, ok := enrollmentTransitions[s]
	return !ok
}

// Live reports whether the status counts toward the one-enrollment-per
// student-per-group rule.
func (s EnrollmentStatus) Live() bool {
	switch s {
	case EnrollmentStatusPendingApproval, EnrollmentStatusActive, EnrollmentStatusWaitingList:
		return true
	}
	return false
}

// LiveEnrollmentStatuses lists the statuses that occupy the unique
// (student, group) slot.
var LiveEnrollmentStatuses = []EnrollmentStatus{
	EnrollmentStatusPendingApproval,
	EnrollmentStatusActive,
	EnrollmentStatusWaitingList,
}

// Enrollment captures one student's relationship to one subject group.
// Records are never deleted; terminal statuses close them out.
type Enrollment struct {
	ID              string           `db:"id" json:"id"`
	StudentID       string           `db:"student_id" json:"student_id"`
	GroupID         string           `db:"group_id" json:"group_id"`
	Status          EnrollmentStatus `db:"status" json:"status"`
	WaitingPosition *int             `db:"waiting_position" json:"waiting_position,omitempty"`
	PricePerHour    float64          `db:"price_per_hour" json:"price_per_hour"`
	EnrolledAt      time.Time        `db:"enrolled_at" json:"enrolled_at"`
	PromotedAt      *time.Time       `db:"promoted_at" json:"promoted_at,omitempty"`
	WithdrawnAt     *time.Time       `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
	DecidedBy       *string          `db:"decided_by" json:"decided_by,omitempty"`
	DecisionReason  *string          `db:"decision_reason" json:"decision_reason,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student and group info.
type EnrollmentDetail struct {
	Enrollment
	StudentName string `db:"student_name" json:"student_name"`
	SubjectName string `db:"subject_name" json:"subject_name"`
	GroupType   string `db:"group_type" json:"group_type"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	GroupID   string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
