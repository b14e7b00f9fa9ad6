// Package memory holds in-memory implementations of the sentinel stores.
// They back unit tests and the dev server when no database path is set.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
)

type HeartbeatStore struct {
	mu   sync.RWMutex
	data map[string][]store.HeartbeatRecord
}

func NewHeartbeatStore() *HeartbeatStore {
	return &HeartbeatStore{
		data: make(map[string][]store.HeartbeatRecord),
	}
}

func (s *HeartbeatStore) AppendHeartbeat(_ context.Context, kioskID string, rec store.HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	s.data[kioskID] = append(s.data[kioskID], rec)
	return nil
}

func (s *HeartbeatStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, recs := range s.data {
		kept := recs[:0]
		for _, r := range recs {
			if r.ReceivedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.data, id)
		} else {
			s.data[id] = kept
		}
	}
	return removed, nil
}

// Count returns the number of stored heartbeats for kioskID.
func (s *HeartbeatStore) Count(kioskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[kioskID])
}
