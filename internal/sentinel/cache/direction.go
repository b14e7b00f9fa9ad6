package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/config"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// DirectionCache remembers each person's last committed direction. It is a
// hint: callers always confirm against the check-in store before writing.
type DirectionCache interface {
	Get(ctx context.Context, personID string) (types.Direction, bool, error)
	Set(ctx context.Context, personID string, d types.Direction) error
	// Delete forgets one person's direction.
	Delete(ctx context.Context, personID string) error
	// Clear forgets every direction.
	Clear(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.CacheConfig) (DirectionCache, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(cfg.DirectionTTL), nil
	case "badger":
		return OpenBadger(cfg.BadgerPath, cfg.DirectionTTL)
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// ---------------------------------------------------------------------------
// memory
// ---------------------------------------------------------------------------

// pruneEvery is how many Sets the memory backend takes between sweeps of
// expired entries.
const pruneEvery = 1024

type Memory struct {
	m    *TTL[types.Direction]
	sets atomic.Uint64
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{m: NewTTL[types.Direction](ttl)}
}

func (c *Memory) Get(_ context.Context, personID string) (types.Direction, bool, error) {
	d, ok := c.m.Get(personID)
	return d, ok, nil
}

func (c *Memory) Set(_ context.Context, personID string, d types.Direction) error {
	c.m.Set(personID, d)
	if c.sets.Add(1)%pruneEvery == 0 {
		if n := c.m.Prune(); n > 0 {
			logging.Debug().Int("expired", n).Msg("direction cache swept")
		}
	}
	return nil
}

func (c *Memory) Delete(_ context.Context, personID string) error {
	c.m.Delete(personID)
	return nil
}

func (c *Memory) Clear(context.Context) error {
	c.m.Clear()
	return nil
}

func (c *Memory) Close() error { return nil }

// ---------------------------------------------------------------------------
// badger
// ---------------------------------------------------------------------------

const directionKeyPrefix = "dir:"

// Badger keeps directions in an embedded BadgerDB so the hint survives
// restarts. Entries carry the configured TTL.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBadger opens (or creates) a store at path. An empty path keeps the
// data in memory.
func OpenBadger(path string, ttl time.Duration) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger direction cache: %w", err)
	}
	logging.Info().Str("path", path).Dur("ttl", ttl).Msg("direction cache opened (badger)")
	return &Badger{db: db, ttl: ttl}, nil
}

func (c *Badger) Get(_ context.Context, personID string) (types.Direction, bool, error) {
	var d types.Direction
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(directionKeyPrefix + personID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			d = types.Direction(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get direction: %w", err)
	}
	return d, true, nil
}

func (c *Badger) Set(_ context.Context, personID string, d types.Direction) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(directionKeyPrefix+personID), []byte(d))
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("set direction: %w", err)
		}
		return nil
	})
}

func (c *Badger) Delete(_ context.Context, personID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(directionKeyPrefix + personID)); err != nil {
			return fmt.Errorf("delete direction: %w", err)
		}
		return nil
	})
}

func (c *Badger) Clear(context.Context) error {
	return c.db.DropPrefix([]byte(directionKeyPrefix))
}

func (c *Badger) Close() error {
	return c.db.Close()
}

// ---------------------------------------------------------------------------
// none
// ---------------------------------------------------------------------------

// Noop never remembers anything; every lookup goes to the store.
type Noop struct{}

func (Noop) Get(context.Context, string) (types.Direction, bool, error) { return "", false, nil }
func (Noop) Set(context.Context, string, types.Direction) error         { return nil }
func (Noop) Delete(context.Context, string) error                       { return nil }
func (Noop) Clear(context.Context) error                                { return nil }
func (Noop) Close() error                                               { return nil }
