package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/DeadshotOMEGA/sentinel-sub000/internal/db"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
)

type HeartbeatStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewHeartbeatStore(db *sql.DB, writer *dbpkg.Worker) *HeartbeatStore {
	return &HeartbeatStore{db: db, writer: writer}
}

// AppendHeartbeat inserts one heartbeat row and refreshes the kiosk's
// last-known snapshot in the same transaction.
func (s *HeartbeatStore) AppendHeartbeat(ctx context.Context, kioskID string, rec store.HeartbeatRecord) error {
	kioskID = strings.TrimSpace(kioskID)
	if kioskID == "" {
		return nil
	}

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	recvMs := rec.ReceivedAt.UTC().UnixMilli()

	fw := strings.TrimSpace(rec.Request.FirmwareVersion)
	ip := strings.TrimSpace(rec.Request.IP)

	var uptimeMs any
	if rec.Request.UptimeSeconds != 0 {
		uptimeMs = int64(rec.Request.UptimeSeconds) * 1000
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureKiosk(ctx, tx, kioskID, recvMs); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO kiosk_heartbeats(
  kiosk_id, received_at_ms, uptime_ms, fw_version, ip, queued_scans
) VALUES (?, ?, ?, ?, ?, ?);
`, kioskID, recvMs, uptimeMs, nullString(fw), nullString(ip), rec.Request.QueuedScans); err != nil {
			return fmt.Errorf("AppendHeartbeat insert heartbeat: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE kiosks
SET last_seen_at_ms   = ?,
    last_ip           = COALESCE(?, last_ip),
    last_fw_version   = COALESCE(?, last_fw_version),
    last_queued_scans = ?,
    updated_at_ms     = ?
WHERE kiosk_id = ?;
`, recvMs, nullString(ip), nullString(fw), rec.Request.QueuedScans, recvMs, kioskID); err != nil {
			return fmt.Errorf("AppendHeartbeat update kiosk snapshot: %w", err)
		}

		return nil
	})
}

// PruneOlderThan deletes heartbeat rows received before cutoff and reports
// how many were removed. Kiosk snapshots are untouched.
func (s *HeartbeatStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM kiosk_heartbeats
WHERE received_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
