package store

import (
	"context"
	"errors"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

var (
	// ErrNotFound is returned by lookups for unknown badges or persons.
	ErrNotFound = errors.New("not found")

	// ErrStaleLatest is returned by Append when another writer committed a
	// record for the same person after the caller read its latest record.
	ErrStaleLatest = errors.New("latest record changed")
)

// ScanRecord is one accepted scan. Records are append-only: never updated,
// never deleted.
type ScanRecord struct {
	ID          string
	PersonID    string
	BadgeSerial string
	Direction   types.Direction
	Timestamp   time.Time
	KioskID     string
	EventID     string // set for attendee scans

	// Synced is true for records that arrived through an offline replay.
	Synced           bool
	FlaggedForReview bool
	FlagReason       string
	CreatedAt        time.Time
}

// StatsQuery carries the clock-dependent inputs of AggregateStats.
type StatsQuery struct {
	// DayStart is local midnight of the current day; "in" scans at or
	// after it count toward lateness.
	DayStart time.Time
	// LateAfter is the cutoff: a first "in" strictly after it is late.
	LateAfter time.Time
}

// CheckinStore is the durable, time-ordered scan log and the source of
// truth for every person's direction.
type CheckinStore interface {
	// Append commits rec only if the person's most recent record still has
	// id expectedPrevID ("" meaning the person has no records). Otherwise it
	// returns ErrStaleLatest and writes nothing.
	Append(ctx context.Context, rec ScanRecord, expectedPrevID string) (ScanRecord, error)

	// LatestFor returns the person's most recent record, or nil if none.
	LatestFor(ctx context.Context, personID string) (*ScanRecord, error)

	// LatestForBatch returns the most recent record per person. Persons
	// without records are absent from the map.
	LatestForBatch(ctx context.Context, personIDs []string) (map[string]ScanRecord, error)

	AggregateStats(ctx context.Context, q StatsQuery) (types.PresenceStats, error)
}
