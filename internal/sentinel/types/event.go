package types

import "time"

// Broadcast message types.
const (
	MessageScanAccepted = "scan_accepted"
	MessageStatsUpdated = "stats_updated"
)

// ScanEvent is published for every committed scan.
type ScanEvent struct {
	RecordID  string    `json:"record_id"`
	PersonID  string    `json:"person_id"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	KioskID   string    `json:"kiosk_id"`
	EventID   string    `json:"event_id,omitempty"`
	Synced    bool      `json:"synced,omitempty"`
}

// Message is the envelope delivered to real-time subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
