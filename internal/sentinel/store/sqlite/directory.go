package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// maxBatchParams stays under SQLite's default bound-parameter limit.
const maxBatchParams = 500

// Directory reads the persons and badges tables. It never writes.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) ResolveBadge(ctx context.Context, serial string) (types.Badge, error) {
	var b types.Badge
	var personID sql.NullString
	err := d.db.QueryRowContext(ctx, `
SELECT serial, assignment_type, status, person_id
FROM badges
WHERE serial = ?;
`, serial).Scan(&b.Serial, &b.AssignmentType, &b.Status, &personID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Badge{}, store.ErrNotFound
	}
	if err != nil {
		return types.Badge{}, fmt.Errorf("ResolveBadge: %w", err)
	}
	b.PersonID = personID.String
	return b, nil
}

func (d *Directory) ResolveBadgesBatch(ctx context.Context, serials []string) (map[string]types.Badge, error) {
	out := make(map[string]types.Badge, len(serials))
	for _, part := range chunk(serials, maxBatchParams) {
		rows, err := d.db.QueryContext(ctx, `
SELECT serial, assignment_type, status, person_id
FROM badges
WHERE serial IN `+inClause(len(part))+`;`, toArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("ResolveBadgesBatch: %w", err)
		}
		for rows.Next() {
			var b types.Badge
			var personID sql.NullString
			if err := rows.Scan(&b.Serial, &b.AssignmentType, &b.Status, &personID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("ResolveBadgesBatch scan: %w", err)
			}
			b.PersonID = personID.String
			out[b.Serial] = b
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("ResolveBadgesBatch rows: %w", err)
		}
	}
	return out, nil
}

func (d *Directory) ResolvePerson(ctx context.Context, id string) (types.Person, error) {
	var p types.Person
	var division sql.NullString
	err := d.db.QueryRowContext(ctx, `
SELECT person_id, kind, name, division_id, status
FROM persons
WHERE person_id = ?;
`, id).Scan(&p.ID, &p.Kind, &p.Name, &division, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Person{}, store.ErrNotFound
	}
	if err != nil {
		return types.Person{}, fmt.Errorf("ResolvePerson: %w", err)
	}
	p.DivisionID = division.String
	return p, nil
}

func (d *Directory) ResolvePersonsBatch(ctx context.Context, ids []string) (map[string]types.Person, error) {
	out := make(map[string]types.Person, len(ids))
	for _, part := range chunk(ids, maxBatchParams) {
		rows, err := d.db.QueryContext(ctx, `
SELECT person_id, kind, name, division_id, status
FROM persons
WHERE person_id IN `+inClause(len(part))+`;`, toArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("ResolvePersonsBatch: %w", err)
		}
		for rows.Next() {
			var p types.Person
			var division sql.NullString
			if err := rows.Scan(&p.ID, &p.Kind, &p.Name, &division, &p.Status); err != nil {
				rows.Close()
				return nil, fmt.Errorf("ResolvePersonsBatch scan: %w", err)
			}
			p.DivisionID = division.String
			out[p.ID] = p
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("ResolvePersonsBatch rows: %w", err)
		}
	}
	return out, nil
}
