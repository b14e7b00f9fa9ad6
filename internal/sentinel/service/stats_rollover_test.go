package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

type statsRecorder struct {
	ch chan types.PresenceStats
}

func (r *statsRecorder) PublishStats(st types.PresenceStats) { r.ch <- st }

// ═══════════════════════════════════════════════════════════════════════════
// StatsRollover
// ═══════════════════════════════════════════════════════════════════════════

func TestStatsRollover_RefreshBypassesCachedStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if st, err := env.agg.GetStats(ctx); err != nil || st.Present != 0 {
		t.Fatalf("initial stats: %+v %v", st, err)
	}
	// Written behind the aggregator's back, so the cached zero is stale.
	if _, err := env.checkins.Append(ctx, store.ScanRecord{
		PersonID:  "mbr-0001",
		Direction: types.DirectionIn,
		Timestamp: baseTime.Add(-time.Minute),
		KioskID:   "kiosk-main",
	}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	pub := &statsRecorder{ch: make(chan types.PresenceStats, 1)}
	r := service.NewStatsRollover(env.agg, pub, service.RolloverConfig{Now: env.clock.Now})
	if !r.RefreshOnce(ctx) {
		t.Fatal("RefreshOnce published nothing")
	}
	if st := <-pub.ch; st.Present != 1 {
		t.Errorf("published present=%d, want 1", st.Present)
	}
}

func TestStatsRollover_ServeWaitsForLocalMidnight(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.ProcessSingleScan(context.Background(), types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	waits := make(chan time.Duration, 4)
	fire := make(chan time.Time, 1)
	fire <- baseTime
	after := func(d time.Duration) <-chan time.Time {
		waits <- d
		return fire // fires once, then blocks
	}

	// baseTime is 10:00 UTC, 05:00 in UTC-5.
	loc := time.FixedZone("UTC-5", -5*3600)
	pub := &statsRecorder{ch: make(chan types.PresenceStats, 1)}
	r := service.NewStatsRollover(env.agg, pub, service.RolloverConfig{
		Location: loc,
		Now:      env.clock.Now,
		After:    after,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx) }()

	select {
	case d := <-waits:
		if d != 19*time.Hour {
			t.Errorf("waited %s, want 19h until local midnight", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never scheduled a wait")
	}
	select {
	case st := <-pub.ch:
		if st.Present != 1 {
			t.Errorf("present=%d, want 1", st.Present)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stats published at rollover")
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v, want context.Canceled", err)
	}
	if r.String() != "stats-rollover" {
		t.Errorf("String()=%q", r.String())
	}
}
