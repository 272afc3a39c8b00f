package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin            = "LOGIN"
	AuditActionEnroll           = "ENROLL"
	AuditActionEnrollApprove    = "ENROLL_APPROVE"
	AuditActionEnrollReject     = "ENROLL_REJECT"
	AuditActionEnrollWithdraw   = "ENROLL_WITHDRAW"
	AuditActionEnrollComplete   = "ENROLL_COMPLETE"
	AuditActionChangeGroup      = "CHANGE_GROUP"
	AuditActionGroupRequest     = "GROUP_REQUEST"
	AuditActionSupporterAdd     = "SUPPORTER_ADD"
	AuditActionSupporterRemove  = "SUPPORTER_REMOVE"
	AuditActionRequestApprove   = "GROUP_REQUEST_APPROVE"
	AuditActionRequestReject    = "GROUP_REQUEST_REJECT"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
