package types

// Badge assignment types.
const (
	AssignmentMember     = "member"
	AssignmentVisitor    = "visitor"
	AssignmentUnassigned = "unassigned"
)

// Badge and person statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusOnLeave  = "on_leave"
)

// Person kinds.
const (
	KindMember  = "member"
	KindVisitor = "visitor"
)

type Badge struct {
	Serial         string `json:"serial"`
	AssignmentType string `json:"assignment_type"`
	Status         string `json:"status"`
	PersonID       string `json:"person_id,omitempty"`
}

type Person struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	DivisionID string `json:"division_id,omitempty"`
	Status     string `json:"status"`
}
