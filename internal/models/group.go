package models

import "time"

// Group type values accepted for subject groups and group requests.
const (
	GroupTypeRegular   = "REGULAR"
	GroupTypeIntensive = "INTENSIVE"
	GroupTypeRemedial  = "REMEDIAL"
)

// SubjectGroup is a teaching group with a fixed number of seats. The
// occupancy counter only moves in lock-step with enrollment ACTIVE
// transitions and is guarded by a row lock on this record.
type SubjectGroup struct {
	ID               string    `db:"id" json:"id"`
	SubjectID        string    `db:"subject_id" json:"subject_id"`
	GroupType        string    `db:"group_type" json:"group_type"`
	PricePerHour     float64   `db:"price_per_hour" json:"price_per_hour"`
	MaxCapacity      int       `db:"max_capacity" json:"max_capacity"`
	CurrentOccupancy int       `db:"current_occupancy" json:"current_occupancy"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// HasAvailableSeat reports whether the group can take another active
// enrollment. Callers must re-check under the group row lock before
// occupying.
func (g *SubjectGroup) HasAvailableSeat() bool {
	return g.CurrentOccupancy < g.MaxCapacity
}

// SubjectGroupDetail enriches SubjectGroup with subject info.
type SubjectGroupDetail struct {
	SubjectGroup
	SubjectCode string `db:"subject_code" json:"subject_code"`
	SubjectName string `db:"subject_name" json:"subject_name"`
}

// SubjectGroupFilter provides filters for listing groups.
type SubjectGroupFilter struct {
	SubjectID string
	GroupType string
	Active    *bool
	Page      int
	PageSize  int
}
