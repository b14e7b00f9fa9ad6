package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
)

type KioskStore struct {
	mu    sync.RWMutex
	known map[string]struct{}
	seen  map[string]store.KioskRecord
}

func NewKioskStore(knownKiosks []string) *KioskStore {
	k := make(map[string]struct{}, len(knownKiosks))
	for _, id := range knownKiosks {
		id = strings.TrimSpace(id)
		if id != "" {
			k[id] = struct{}{}
		}
	}
	return &KioskStore{
		known: k,
		seen:  make(map[string]store.KioskRecord),
	}
}

func (s *KioskStore) IsKnown(_ context.Context, kioskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[kioskID]
	return ok, nil
}

func (s *KioskStore) MarkSeen(_ context.Context, kioskID string, known bool, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[kioskID] = store.KioskRecord{KioskID: kioskID, Known: known, LastSeen: t}
	return nil
}

// Seen returns the last sighting of a kiosk.
func (s *KioskStore) Seen(kioskID string) (store.KioskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.seen[kioskID]
	return rec, ok
}
