package types

import "time"

// Direction is the side of the facility boundary a scan moves a person to.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Opposite returns the direction that follows d.
func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// NextDirection is the direction a new scan takes given the person's last
// committed direction ("" when the person has never scanned).
func NextDirection(last Direction) Direction {
	if last == "" {
		return DirectionIn
	}
	return last.Opposite()
}

type ScanRequest struct {
	BadgeSerial string `json:"badge_serial" validate:"required,max=128"`
	KioskID     string `json:"kiosk_id" validate:"required,max=128"`
	Timestamp   string `json:"timestamp,omitempty"` // optional device timestamp, RFC3339
	EventID     string `json:"event_id,omitempty" validate:"max=128"`
}

type ScanResponse struct {
	OK         bool      `json:"ok"`
	RecordID   string    `json:"record_id"`
	PersonID   string    `json:"person_id"`
	PersonName string    `json:"person_name,omitempty"`
	Direction  Direction `json:"direction"`
	Timestamp  string    `json:"timestamp"`
	KioskID    string    `json:"kiosk_id"`
	ServerTime string    `json:"server_time"`
}

// BulkScanInput is one item of an offline replay batch.
type BulkScanInput struct {
	BadgeSerial string `json:"badge_serial" validate:"required,max=128"`
	KioskID     string `json:"kiosk_id" validate:"required,max=128"`
	Timestamp   string `json:"timestamp" validate:"required"` // claimed scan time, RFC3339

	// LocalTimestamp is the kiosk's own clock reading when it queued the
	// scan; used only for drift detection.
	LocalTimestamp string  `json:"local_timestamp,omitempty"`
	Sequence       *uint64 `json:"sequence,omitempty"`
	EventID        string  `json:"event_id,omitempty" validate:"max=128"`
}

// BulkScanRequest bounds the batch only; items are checked one by one so a
// bad item fails alone.
type BulkScanRequest struct {
	Items []BulkScanInput `json:"items" validate:"required,min=1,max=5000"`
}

// BulkScanOutcome is the per-item result. Index refers to the position of
// the item in the request.
type BulkScanOutcome struct {
	Index      int       `json:"index"`
	OK         bool      `json:"ok"`
	RecordID   string    `json:"record_id,omitempty"`
	PersonID   string    `json:"person_id,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
	Flagged    bool      `json:"flagged_for_review,omitempty"`
	FlagReason string    `json:"flag_reason,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`

	// DuplicateOf is the index of the surviving item for DUPLICATE_IN_BATCH.
	DuplicateOf *int `json:"duplicate_of,omitempty"`
}

type BulkScanResult struct {
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Flagged   int               `json:"flagged"`
	Outcomes  []BulkScanOutcome `json:"outcomes"`
}

// PresenceStats is the facility-wide aggregate derived from the latest
// direction of every tracked person.
type PresenceStats struct {
	TotalTracked int       `json:"total_tracked"`
	Present      int       `json:"present"`
	Absent       int       `json:"absent"`
	OnLeave      int       `json:"on_leave"`
	Late         int       `json:"late"`
	Visitors     int       `json:"visitors"`
	ComputedAt   time.Time `json:"computed_at"`
}
