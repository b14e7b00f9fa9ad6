package service

import (
	"context"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
)

// HeartbeatPruner periodically deletes heartbeat records older than the
// retention period. It runs as a supervised service; a retention of 0
// disables pruning.
type HeartbeatPruner struct {
	store     store.HeartbeatStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// PrunerConfig holds the parameters for NewHeartbeatPruner.
type PrunerConfig struct {
	// RetentionDays is how many days of heartbeat history to keep.
	// 0 keeps everything.
	RetentionDays int

	// IntervalHours is how often the pruner runs. Defaults to 6.
	IntervalHours int
}

func NewHeartbeatPruner(s store.HeartbeatStore, cfg PrunerConfig) *HeartbeatPruner {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	return &HeartbeatPruner{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		now:       time.Now,
	}
}

// Serve prunes once immediately, then on every interval until ctx ends.
func (p *HeartbeatPruner) Serve(ctx context.Context) error {
	if p.retention <= 0 {
		logging.Info().Msg("heartbeat pruner disabled (retention=0)")
		<-ctx.Done()
		return ctx.Err()
	}

	logging.Info().
		Int("retention_days", int(p.retention.Hours()/24)).
		Dur("interval", p.interval).
		Msg("heartbeat pruner started")

	p.PruneOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes rows older than the retention window and returns the
// number removed. Errors are logged.
func (p *HeartbeatPruner) PruneOnce(ctx context.Context) int64 {
	cutoff := p.now().UTC().Add(-p.retention)
	deleted, err := p.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("heartbeat prune failed")
		return 0
	}
	if deleted > 0 {
		metrics.HeartbeatsPruned.Add(float64(deleted))
		logging.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("heartbeat prune")
	}
	return deleted
}

func (p *HeartbeatPruner) String() string { return "heartbeat-pruner" }
