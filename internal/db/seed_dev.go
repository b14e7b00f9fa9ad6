package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

type SeedDevOptions struct {
	// KnownKiosks are inserted with known=1.
	KnownKiosks []string
}

// DevRoster is the fixed dev dataset: a handful of members, one visitor
// and badges covering every assignment state.
func DevRoster() ([]types.Person, []types.Badge) {
	persons := []types.Person{
		{ID: "mbr-0001", Kind: types.KindMember, Name: "Avery Tran", DivisionID: "ops", Status: types.StatusActive},
		{ID: "mbr-0002", Kind: types.KindMember, Name: "Jordan Ellis", DivisionID: "ops", Status: types.StatusActive},
		{ID: "mbr-0003", Kind: types.KindMember, Name: "Sam Okafor", DivisionID: "log", Status: types.StatusOnLeave},
		{ID: "mbr-0004", Kind: types.KindMember, Name: "Riley Chen", DivisionID: "log", Status: types.StatusInactive},
		{ID: "vis-0001", Kind: types.KindVisitor, Name: "Visitor One", Status: types.StatusActive},
	}
	badges := []types.Badge{
		{Serial: "B-1001", AssignmentType: types.AssignmentMember, Status: types.StatusActive, PersonID: "mbr-0001"},
		{Serial: "B-1002", AssignmentType: types.AssignmentMember, Status: types.StatusActive, PersonID: "mbr-0002"},
		{Serial: "B-1003", AssignmentType: types.AssignmentMember, Status: types.StatusActive, PersonID: "mbr-0003"},
		{Serial: "B-1004", AssignmentType: types.AssignmentMember, Status: types.StatusInactive, PersonID: "mbr-0004"},
		{Serial: "V-2001", AssignmentType: types.AssignmentVisitor, Status: types.StatusActive, PersonID: "vis-0001"},
		{Serial: "B-9999", AssignmentType: types.AssignmentUnassigned, Status: types.StatusActive},
	}
	return persons, badges
}

// SeedDev loads DevRoster and the known kiosks. Re-running it is harmless.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()
	persons, badges := DevRoster()

	for _, p := range persons {
		if _, err := db.ExecContext(ctx, `
INSERT INTO persons(person_id, kind, name, division_id, status, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(person_id) DO UPDATE SET
  kind = excluded.kind,
  name = excluded.name,
  division_id = excluded.division_id,
  status = excluded.status,
  updated_at_ms = excluded.updated_at_ms;
`, p.ID, p.Kind, p.Name, nullString(p.DivisionID), p.Status, now, now); err != nil {
			return fmt.Errorf("seed person %s: %w", p.ID, err)
		}
	}

	for _, b := range badges {
		if _, err := db.ExecContext(ctx, `
INSERT INTO badges(serial, assignment_type, status, person_id, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(serial) DO UPDATE SET
  assignment_type = excluded.assignment_type,
  status = excluded.status,
  person_id = excluded.person_id,
  updated_at_ms = excluded.updated_at_ms;
`, b.Serial, b.AssignmentType, b.Status, nullString(b.PersonID), now, now); err != nil {
			return fmt.Errorf("seed badge %s: %w", b.Serial, err)
		}
	}

	for _, id := range opt.KnownKiosks {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO kiosks(kiosk_id, known, display_name, created_at_ms, updated_at_ms)
VALUES (?, 1, ?, ?, ?)
ON CONFLICT(kiosk_id) DO UPDATE SET
  known = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, id, now, now); err != nil {
			return fmt.Errorf("seed kiosk %s: %w", id, err)
		}
	}

	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
