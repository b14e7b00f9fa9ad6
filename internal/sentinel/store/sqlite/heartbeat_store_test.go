package sqlite_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	sqlitestore "github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store/sqlite"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// AppendHeartbeat
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatStore_AppendHeartbeat_InsertsRowAndSnapshot(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)
	ctx := context.Background()

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	err := hs.AppendHeartbeat(ctx, "kiosk-a", store.HeartbeatRecord{
		ReceivedAt: now,
		Request: types.HeartbeatRequest{
			KioskID:         "kiosk-a",
			FirmwareVersion: "2.4.1",
			UptimeSeconds:   300,
			QueuedScans:     17,
			IP:              "10.1.0.20",
		},
	})
	if err != nil {
		t.Fatalf("AppendHeartbeat: %v", err)
	}

	var (
		fw       string
		queued   int
		uptimeMs sql.NullInt64
	)
	if err := conn.QueryRowContext(ctx,
		`SELECT fw_version, queued_scans, uptime_ms FROM kiosk_heartbeats WHERE kiosk_id = ?`, "kiosk-a",
	).Scan(&fw, &queued, &uptimeMs); err != nil {
		t.Fatalf("query heartbeat: %v", err)
	}
	if fw != "2.4.1" || queued != 17 || uptimeMs.Int64 != 300_000 {
		t.Errorf("unexpected heartbeat row: fw=%q queued=%d uptime=%v", fw, queued, uptimeMs)
	}

	var (
		known      int
		lastSeenMs int64
		lastQueued int
	)
	if err := conn.QueryRowContext(ctx,
		`SELECT known, last_seen_at_ms, last_queued_scans FROM kiosks WHERE kiosk_id = ?`, "kiosk-a",
	).Scan(&known, &lastSeenMs, &lastQueued); err != nil {
		t.Fatalf("query kiosk: %v", err)
	}
	if known != 0 {
		t.Errorf("auto-created kiosk must start unknown")
	}
	if lastSeenMs != now.UnixMilli() || lastQueued != 17 {
		t.Errorf("unexpected snapshot: last_seen=%d queued=%d", lastSeenMs, lastQueued)
	}
}

func TestHeartbeatStore_AppendHeartbeat_AppendOnly(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)
	ctx := context.Background()

	base := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := store.HeartbeatRecord{
			ReceivedAt: base.Add(time.Duration(i) * 10 * time.Second),
			Request:    types.HeartbeatRequest{KioskID: "kiosk-a", UptimeSeconds: uint64(i * 10)},
		}
		if err := hs.AppendHeartbeat(ctx, "kiosk-a", rec); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	var count int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kiosk_heartbeats WHERE kiosk_id = ?`, "kiosk-a",
	).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 heartbeat rows, got %d", count)
	}
}

func TestHeartbeatStore_AppendHeartbeat_EmptyKioskID_NoOp(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)

	if err := hs.AppendHeartbeat(context.Background(), "  ", store.HeartbeatRecord{}); err != nil {
		t.Fatalf("expected nil for empty kiosk id, got %v", err)
	}
	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM kiosks`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no kiosk rows, got %d", count)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PruneOlderThan
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatStore_PruneOlderThan_DeletesOldRows(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)
	ctx := context.Background()

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	for _, daysAgo := range []int{30, 15, 1} {
		rec := store.HeartbeatRecord{
			ReceivedAt: now.AddDate(0, 0, -daysAgo),
			Request:    types.HeartbeatRequest{KioskID: "kiosk-a"},
		}
		if err := hs.AppendHeartbeat(ctx, "kiosk-a", rec); err != nil {
			t.Fatalf("insert heartbeat (-%dd): %v", daysAgo, err)
		}
	}

	deleted, err := hs.PruneOlderThan(ctx, now.AddDate(0, 0, -20))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 row deleted, got %d", deleted)
	}
}

func TestHeartbeatStore_PruneOlderThan_PreservesKioskSnapshot(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)
	ctx := context.Background()

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	rec := store.HeartbeatRecord{
		ReceivedAt: now.AddDate(0, 0, -60),
		Request:    types.HeartbeatRequest{KioskID: "kiosk-a", IP: "10.0.0.1"},
	}
	if err := hs.AppendHeartbeat(ctx, "kiosk-a", rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := hs.PruneOlderThan(ctx, now); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var lastIP string
	if err := conn.QueryRowContext(ctx,
		`SELECT last_ip FROM kiosks WHERE kiosk_id = ?`, "kiosk-a",
	).Scan(&lastIP); err != nil {
		t.Fatalf("query kiosk: %v", err)
	}
	if lastIP != "10.0.0.1" {
		t.Errorf("expected snapshot preserved, got last_ip=%q", lastIP)
	}
}
