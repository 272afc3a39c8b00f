package models

import "time"

// GroupRequestStatus represents the lifecycle of a group-creation petition.
type GroupRequestStatus string

// Possible group request statuses. PENDING is the only non-terminal one.
const (
	GroupRequestStatusPending  GroupRequestStatus = "PENDING"
	GroupRequestStatusApproved GroupRequestStatus = "APPROVED"
	GroupRequestStatusRejected GroupRequestStatus = "REJECTED"
	GroupRequestStatusExpired  GroupRequestStatus = "EXPIRED"
)

// Pending reports whether the request still accepts supporters and decisions.
func (s GroupRequestStatus) Pending() bool {
	return s == GroupRequestStatusPending
}

// GroupRequest is a petition for a brand-new subject group. The
// requester joins the supporter set on creation and stays subject to
// the same quorum arithmetic as everyone else.
type GroupRequest struct {
	ID                 string             `db:"id" json:"id"`
	SubjectID          string             `db:"subject_id" json:"subject_id"`
	RequestedGroupType string             `db:"requested_group_type" json:"requested_group_type"`
	Justification      string             `db:"justification" json:"justification"`
	RequesterID        string             `db:"requester_id" json:"requester_id"`
	Status             GroupRequestStatus `db:"status" json:"status"`
	SupporterCount     int                `db:"supporter_count" json:"supporter_count"`
	ExpiresAt          time.Time          `db:"expires_at" json:"expires_at"`
	DecidedBy          *string            `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt          *time.Time         `db:"decided_at" json:"decided_at,omitempty"`
	DecisionReason     *string            `db:"decision_reason" json:"decision_reason,omitempty"`
	CreatedGroupID     *string            `db:"created_group_id" json:"created_group_id,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
}

// GroupRequestSupporter links a student to a request they back.
type GroupRequestSupporter struct {
	RequestID   string    `db:"request_id" json:"request_id"`
	StudentID   string    `db:"student_id" json:"student_id"`
	SupportedAt time.Time `db:"supported_at" json:"supported_at"`
}

// GroupRequestFilter provides filters for listing requests.
type GroupRequestFilter struct {
	SubjectID   string
	RequesterID string
	Status      GroupRequestStatus
	Page        int
	PageSize    int
}
