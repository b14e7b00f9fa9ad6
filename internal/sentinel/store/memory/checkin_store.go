package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// CheckinStore is an in-memory append-only scan log. It is intended for
// tests and dev environments. A single mutex makes the latest-record check
// and the insert in Append atomic.
type CheckinStore struct {
	mu       sync.Mutex
	dir      *Directory
	byPerson map[string][]store.ScanRecord
	all      []store.ScanRecord

	// beforeAppend, when set, runs inside Append before the lock is taken.
	// Tests use it to interleave a competing writer.
	beforeAppend func(rec store.ScanRecord)
}

// NewCheckinStore returns an empty store. dir is consulted by
// AggregateStats to find tracked persons.
func NewCheckinStore(dir *Directory) *CheckinStore {
	return &CheckinStore{
		dir:      dir,
		byPerson: make(map[string][]store.ScanRecord),
	}
}

func (s *CheckinStore) Append(_ context.Context, rec store.ScanRecord, expectedPrevID string) (store.ScanRecord, error) {
	if hook := s.beforeAppend; hook != nil {
		hook(rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var currentID string
	if recs := s.byPerson[rec.PersonID]; len(recs) > 0 {
		currentID = recs[len(recs)-1].ID
	}
	if currentID != expectedPrevID {
		return store.ScanRecord{}, store.ErrStaleLatest
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	s.byPerson[rec.PersonID] = append(s.byPerson[rec.PersonID], rec)
	s.all = append(s.all, rec)
	return rec, nil
}

func (s *CheckinStore) LatestFor(_ context.Context, personID string) (*store.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.byPerson[personID]
	if len(recs) == 0 {
		return nil, nil
	}
	latest := recs[len(recs)-1]
	return &latest, nil
}

func (s *CheckinStore) LatestForBatch(_ context.Context, personIDs []string) (map[string]store.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]store.ScanRecord, len(personIDs))
	for _, id := range personIDs {
		if recs := s.byPerson[id]; len(recs) > 0 {
			out[id] = recs[len(recs)-1]
		}
	}
	return out, nil
}

func (s *CheckinStore) AggregateStats(_ context.Context, q store.StatsQuery) (types.PresenceStats, error) {
	persons := s.dir.Persons()

	s.mu.Lock()
	defer s.mu.Unlock()

	var st types.PresenceStats
	for _, p := range persons {
		recs := s.byPerson[p.ID]
		var last types.Direction
		if len(recs) > 0 {
			last = recs[len(recs)-1].Direction
		}

		if p.Kind == types.KindVisitor {
			if last == types.DirectionIn {
				st.Visitors++
			}
			continue
		}

		switch p.Status {
		case types.StatusOnLeave:
			st.TotalTracked++
			st.OnLeave++
		case types.StatusActive:
			st.TotalTracked++
			if last == types.DirectionIn {
				st.Present++
			} else {
				st.Absent++
			}
			if first, ok := firstInSince(recs, q.DayStart); ok && first.After(q.LateAfter) {
				st.Late++
			}
		}
	}
	st.ComputedAt = time.Now().UTC()
	return st, nil
}

func firstInSince(recs []store.ScanRecord, since time.Time) (time.Time, bool) {
	for _, r := range recs {
		if r.Direction == types.DirectionIn && !r.Timestamp.Before(since) {
			return r.Timestamp, true
		}
	}
	return time.Time{}, false
}

// Records returns a copy of all records in commit order. Test-only helper.
func (s *CheckinStore) Records() []store.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ScanRecord, len(s.all))
	copy(out, s.all)
	return out
}

// RecordsFor returns the person's records ordered by timestamp.
func (s *CheckinStore) RecordsFor(personID string) []store.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ScanRecord, len(s.byPerson[personID]))
	copy(out, s.byPerson[personID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// SetBeforeAppend installs a hook run at the start of every Append.
func (s *CheckinStore) SetBeforeAppend(fn func(rec store.ScanRecord)) {
	s.beforeAppend = fn
}
