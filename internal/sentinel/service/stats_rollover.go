package service

import (
	"context"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// StatsPublisher pushes a stats snapshot to facility subscribers.
type StatsPublisher interface {
	PublishStats(st types.PresenceStats)
}

// StatsRollover republishes presence stats at each local midnight. Late
// counts are per local day, so dashboards need a fresh snapshot even when
// nobody scans across the boundary.
type StatsRollover struct {
	stats *PresenceAggregator
	pub   StatsPublisher
	loc   *time.Location
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

type RolloverConfig struct {
	Location *time.Location
	Now      func() time.Time
	// After waits for a duration. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

func NewStatsRollover(stats *PresenceAggregator, pub StatsPublisher, cfg RolloverConfig) *StatsRollover {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	return &StatsRollover{stats: stats, pub: pub, loc: cfg.Location, now: cfg.Now, after: cfg.After}
}

// Serve waits for each local midnight and publishes fresh stats until ctx
// ends. It implements suture.Service.
func (r *StatsRollover) Serve(ctx context.Context) error {
	for {
		now := r.now()
		next := nextLocalMidnight(now, r.loc)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.after(next.Sub(now)):
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce drops cached stats, recomputes them and publishes the result.
// It reports whether anything was published.
func (r *StatsRollover) RefreshOnce(ctx context.Context) bool {
	r.stats.Invalidate()
	st, err := r.stats.GetStats(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("day rollover stats refresh failed")
		return false
	}
	r.pub.PublishStats(st)
	logging.Debug().Int("present", st.Present).Int("late", st.Late).Msg("day rollover stats published")
	return true
}

func (r *StatsRollover) String() string { return "stats-rollover" }

func nextLocalMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
