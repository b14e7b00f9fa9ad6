package service

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/cache"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

const statsKey = "presence"

// PresenceAggregator serves facility-wide presence counts from a short-TTL
// cache and recomputes them from the check-in store on a miss.
//
// Every Invalidate bumps a generation counter. A recompute only populates
// the cache if no invalidation happened while it ran, and concurrent misses
// within one generation share a single store query.
type PresenceAggregator struct {
	store     store.CheckinStore
	cache     *cache.TTL[types.PresenceStats]
	flight    singleflight.Group
	gen       atomic.Uint64
	loc       *time.Location
	cutoff    time.Duration
	opTimeout time.Duration
	now       func() time.Time
}

type AggregatorConfig struct {
	TTL        time.Duration
	Location   *time.Location
	LateCutoff time.Duration // offset from local midnight
	OpTimeout  time.Duration
	Now        func() time.Time
}

func NewPresenceAggregator(st store.CheckinStore, cfg AggregatorConfig) *PresenceAggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &PresenceAggregator{
		store:     st,
		cache:     cache.NewTTL[types.PresenceStats](cfg.TTL).WithClock(cfg.Now),
		loc:       cfg.Location,
		cutoff:    cfg.LateCutoff,
		opTimeout: cfg.OpTimeout,
		now:       cfg.Now,
	}
}

// GetStats returns cached stats when fresh, otherwise recomputes them.
func (a *PresenceAggregator) GetStats(ctx context.Context) (types.PresenceStats, error) {
	if st, ok := a.cache.Get(statsKey); ok {
		return st, nil
	}

	gen := a.gen.Load()
	v, err, _ := a.flight.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		st, err := a.compute(context.WithoutCancel(ctx))
		if err != nil {
			return types.PresenceStats{}, err
		}
		if a.gen.Load() == gen {
			a.cache.Set(statsKey, st)
		}
		return st, nil
	})
	if err != nil {
		return types.PresenceStats{}, err
	}
	return v.(types.PresenceStats), nil
}

// Invalidate evicts the cached stats unconditionally.
func (a *PresenceAggregator) Invalidate() {
	a.gen.Add(1)
	a.cache.Delete(statsKey)
}

func (a *PresenceAggregator) compute(ctx context.Context) (types.PresenceStats, error) {
	if a.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opTimeout)
		defer cancel()
	}

	metrics.StatsRecomputes.Inc()
	st, err := a.store.AggregateStats(ctx, a.query())
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("presence stats recompute failed")
		return types.PresenceStats{}, err
	}
	return st, nil
}

// query derives today's window in the configured timezone.
func (a *PresenceAggregator) query() store.StatsQuery {
	local := a.now().In(a.loc)
	y, m, d := local.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, a.loc)
	h := int(a.cutoff / time.Hour)
	mins := int((a.cutoff % time.Hour) / time.Minute)
	return store.StatsQuery{
		DayStart:  dayStart,
		LateAfter: time.Date(y, m, d, h, mins, 0, 0, a.loc),
	}
}
