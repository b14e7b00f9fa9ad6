package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ensureKiosk guarantees a kiosks row exists so heartbeat foreign keys hold.
// New rows start unknown; only seeding marks a kiosk known.
//
// Must be called inside an existing transaction.
func ensureKiosk(ctx context.Context, tx *sql.Tx, kioskID string, nowMs int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO kiosks(
  kiosk_id, known, first_seen_at_ms, created_at_ms, updated_at_ms
) VALUES (?, 0, ?, ?, ?);
`, kioskID, nowMs, nowMs, nowMs); err != nil {
		return fmt.Errorf("ensureKiosk %s: %w", kioskID, err)
	}
	return nil
}

// inClause returns "(?, ?, ...)" with n placeholders.
func inClause(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

// chunk splits ids into slices small enough for SQLite's bound-parameter limit.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
