package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/DeadshotOMEGA/sentinel-sub000/internal/db"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

type CheckinStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCheckinStore(db *sql.DB, writer *dbpkg.Worker) *CheckinStore {
	return &CheckinStore{db: db, writer: writer}
}

const checkinColumns = `checkin_id, person_id, badge_serial, direction, timestamp_ms, kiosk_id,
  event_id, synced, flagged_for_review, flag_reason, created_at_ms`

// Append runs the latest-id check and the insert in one writer transaction,
// so no other append for the same person can land between them.
func (s *CheckinStore) Append(ctx context.Context, rec store.ScanRecord, expectedPrevID string) (store.ScanRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `
SELECT checkin_id FROM checkins
WHERE person_id = ?
ORDER BY timestamp_ms DESC, rowid DESC
LIMIT 1;
`, rec.PersonID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("Append read latest: %w", err)
		}
		if current != expectedPrevID {
			return store.ErrStaleLatest
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO checkins(`+checkinColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.ID, rec.PersonID, rec.BadgeSerial, string(rec.Direction), rec.Timestamp.UnixMilli(), rec.KioskID,
			nullString(rec.EventID), boolInt(rec.Synced), boolInt(rec.FlaggedForReview), nullString(rec.FlagReason),
			rec.CreatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("Append insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.ScanRecord{}, err
	}
	return rec, nil
}

func (s *CheckinStore) LatestFor(ctx context.Context, personID string) (*store.ScanRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+checkinColumns+`
FROM checkins
WHERE person_id = ?
ORDER BY timestamp_ms DESC, rowid DESC
LIMIT 1;
`, personID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestFor: %w", err)
	}
	return &rec, nil
}

func (s *CheckinStore) LatestForBatch(ctx context.Context, personIDs []string) (map[string]store.ScanRecord, error) {
	out := make(map[string]store.ScanRecord, len(personIDs))
	for _, part := range chunk(personIDs, maxBatchParams) {
		rows, err := s.db.QueryContext(ctx, `
SELECT `+checkinColumns+`
FROM (
  SELECT c.*, ROW_NUMBER() OVER (
    PARTITION BY c.person_id ORDER BY c.timestamp_ms DESC, c.rowid DESC
  ) AS rn
  FROM checkins c
  WHERE c.person_id IN `+inClause(len(part))+`
)
WHERE rn = 1;
`, toArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("LatestForBatch: %w", err)
		}
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("LatestForBatch scan: %w", err)
			}
			out[rec.PersonID] = rec
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("LatestForBatch rows: %w", err)
		}
	}
	return out, nil
}

// AggregateStats computes presence counts in one query. Members with status
// inactive are excluded entirely; on-leave members count toward the total
// but never toward present or absent.
func (s *CheckinStore) AggregateStats(ctx context.Context, q store.StatsQuery) (types.PresenceStats, error) {
	var st types.PresenceStats
	var active int
	err := s.db.QueryRowContext(ctx, `
WITH ranked AS (
  SELECT person_id, direction, ROW_NUMBER() OVER (
    PARTITION BY person_id ORDER BY timestamp_ms DESC, rowid DESC
  ) AS rn
  FROM checkins
),
latest AS (
  SELECT person_id, direction FROM ranked WHERE rn = 1
),
first_in AS (
  SELECT person_id, MIN(timestamp_ms) AS first_ms
  FROM checkins
  WHERE direction = 'in' AND timestamp_ms >= ?
  GROUP BY person_id
)
SELECT
  COALESCE(SUM(CASE WHEN p.kind = 'member' AND p.status IN ('active', 'on_leave') THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN p.kind = 'member' AND p.status = 'active' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN p.kind = 'member' AND p.status = 'active' AND l.direction = 'in' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN p.kind = 'member' AND p.status = 'on_leave' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN p.kind = 'member' AND p.status = 'active' AND f.first_ms > ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN p.kind = 'visitor' AND l.direction = 'in' THEN 1 ELSE 0 END), 0)
FROM persons p
LEFT JOIN latest l ON l.person_id = p.person_id
LEFT JOIN first_in f ON f.person_id = p.person_id;
`, q.DayStart.UTC().UnixMilli(), q.LateAfter.UTC().UnixMilli()).Scan(
		&st.TotalTracked, &active, &st.Present, &st.OnLeave, &st.Late, &st.Visitors,
	)
	if err != nil {
		return types.PresenceStats{}, fmt.Errorf("AggregateStats: %w", err)
	}
	st.Absent = active - st.Present
	st.ComputedAt = time.Now().UTC()
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (store.ScanRecord, error) {
	var (
		rec                 store.ScanRecord
		direction           string
		tsMs, createdMs     int64
		eventID, flagReason sql.NullString
		synced, flagged     int
	)
	if err := r.Scan(
		&rec.ID, &rec.PersonID, &rec.BadgeSerial, &direction, &tsMs, &rec.KioskID,
		&eventID, &synced, &flagged, &flagReason, &createdMs,
	); err != nil {
		return store.ScanRecord{}, err
	}
	rec.Direction = types.Direction(direction)
	rec.Timestamp = time.UnixMilli(tsMs).UTC()
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.EventID = eventID.String
	rec.FlagReason = flagReason.String
	rec.Synced = synced == 1
	rec.FlaggedForReview = flagged == 1
	return rec, nil
}
