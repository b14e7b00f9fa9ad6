package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/db"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production. The connection is closed when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Unique shared-cache name per test keeps the database alive for the
	// pool's lifetime and isolated from other tests.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn, closed at test end.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

func seedPerson(t *testing.T, conn *sql.DB, p types.Person) {
	t.Helper()
	now := time.Now().UTC().UnixMilli()
	var division any
	if p.DivisionID != "" {
		division = p.DivisionID
	}
	if _, err := conn.Exec(`
INSERT INTO persons(person_id, kind, name, division_id, status, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?);`, p.ID, p.Kind, p.Name, division, p.Status, now, now); err != nil {
		t.Fatalf("seedPerson(%s): %v", p.ID, err)
	}
}

func seedBadge(t *testing.T, conn *sql.DB, b types.Badge) {
	t.Helper()
	now := time.Now().UTC().UnixMilli()
	var person any
	if b.PersonID != "" {
		person = b.PersonID
	}
	if _, err := conn.Exec(`
INSERT INTO badges(serial, assignment_type, status, person_id, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?);`, b.Serial, b.AssignmentType, b.Status, person, now, now); err != nil {
		t.Fatalf("seedBadge(%s): %v", b.Serial, err)
	}
}
