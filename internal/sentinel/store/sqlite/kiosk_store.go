package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/DeadshotOMEGA/sentinel-sub000/internal/db"
)

type KioskStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewKioskStore(db *sql.DB, writer *dbpkg.Worker) *KioskStore {
	return &KioskStore{db: db, writer: writer}
}

// IsKnown reports whether the kiosk was registered by seeding. Kiosks that
// only ever announced themselves stay unknown.
func (s *KioskStore) IsKnown(ctx context.Context, kioskID string) (bool, error) {
	kioskID = strings.TrimSpace(kioskID)
	if kioskID == "" {
		return false, nil
	}

	var known int
	err := s.db.QueryRowContext(ctx, `SELECT known FROM kiosks WHERE kiosk_id = ?;`, kioskID).Scan(&known)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}
	return known == 1, nil
}

// MarkSeen creates the kiosk row on first sighting and bumps last_seen.
func (s *KioskStore) MarkSeen(ctx context.Context, kioskID string, _ bool, t time.Time) error {
	kioskID = strings.TrimSpace(kioskID)
	if kioskID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureKiosk(ctx, tx, kioskID, ms); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE kiosks
SET first_seen_at_ms = COALESCE(first_seen_at_ms, ?),
    last_seen_at_ms  = MAX(COALESCE(last_seen_at_ms, 0), ?),
    updated_at_ms    = ?
WHERE kiosk_id = ?;
`, ms, ms, ms, kioskID); err != nil {
			return fmt.Errorf("MarkSeen update kiosk: %w", err)
		}

		return nil
	})
}
