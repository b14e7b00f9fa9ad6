package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/cache"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store/memory"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// baseTime is a Monday, mid-morning UTC.
var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingBroadcaster captures everything the service publishes.
type recordingBroadcaster struct {
	mu           sync.Mutex
	scans        []types.ScanEvent
	statsChanged int
}

func (b *recordingBroadcaster) PublishScan(ev types.ScanEvent) {
	b.mu.Lock()
	b.scans = append(b.scans, ev)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) StatsChanged() {
	b.mu.Lock()
	b.statsChanged++
	b.mu.Unlock()
}

func (b *recordingBroadcaster) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scans), b.statsChanged
}

type testEnv struct {
	clock    *fakeClock
	dir      *memory.Directory
	checkins *memory.CheckinStore
	kiosks   *memory.KioskStore
	cache    *cache.Memory
	agg      *service.PresenceAggregator
	bc       *recordingBroadcaster
	svc      *service.CheckinService
}

type envOption func(*envConfig)

type envConfig struct {
	opts         service.Options
	requireKnown bool
}

func withRequireKnown() envOption {
	return func(c *envConfig) { c.requireKnown = true }
}

func withDedupWindow(d time.Duration) envOption {
	return func(c *envConfig) { c.opts.DedupWindow = d }
}

// newTestEnv wires a CheckinService over in-memory stores seeded with the
// standard roster, and a clock frozen at baseTime.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clock := newFakeClock(baseTime)
	cfg := envConfig{
		opts: service.Options{
			MaxPast:        5 * time.Minute,
			MaxFuture:      30 * time.Second,
			DedupWindow:    5 * time.Second,
			DriftThreshold: 5 * time.Minute,
			OpTimeout:      time.Second,
			Now:            clock.Now,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	dir := memory.NewDirectory()
	seedRoster(dir)
	checkins := memory.NewCheckinStore(dir)
	kiosks := memory.NewKioskStore([]string{"kiosk-main", "kiosk-side"})
	dc := cache.NewMemory(time.Hour)
	agg := service.NewPresenceAggregator(checkins, service.AggregatorConfig{
		TTL:        time.Minute,
		LateCutoff: 9 * time.Hour,
		Now:        clock.Now,
	})
	bc := &recordingBroadcaster{}

	svc := service.NewCheckinService(service.Deps{
		Directory: dir,
		Checkins:  checkins,
		Cache:     dc,
		Kiosks:    service.NewKioskRegistry(kiosks, cfg.requireKnown),
		Stats:     agg,
		Broadcast: bc,
	}, cfg.opts)

	return &testEnv{
		clock:    clock,
		dir:      dir,
		checkins: checkins,
		kiosks:   kiosks,
		cache:    dc,
		agg:      agg,
		bc:       bc,
		svc:      svc,
	}
}

func seedRoster(dir *memory.Directory) {
	for _, p := range []types.Person{
		{ID: "mbr-0001", Kind: types.KindMember, Name: "Avery Stone", Status: types.StatusActive},
		{ID: "mbr-0002", Kind: types.KindMember, Name: "Jordan Reyes", Status: types.StatusActive},
		{ID: "mbr-0003", Kind: types.KindMember, Name: "Sam Okafor", Status: types.StatusOnLeave},
		{ID: "mbr-0004", Kind: types.KindMember, Name: "Riley Chen", Status: types.StatusInactive},
		{ID: "vis-0001", Kind: types.KindVisitor, Name: "Casey Park", Status: types.StatusActive},
	} {
		dir.PutPerson(p)
	}
	for _, b := range []types.Badge{
		{Serial: "B-1001", AssignmentType: types.AssignmentMember, Status: types.StatusActive, PersonID: "mbr-0001"},
		{Serial: "B-1002", AssignmentType: types.AssignmentMember, Status: types.StatusActive, PersonID: "mbr-0002"},
		{Serial: "B-1003", AssignmentType: types.AssignmentMember, Status: types.StatusActive, PersonID: "mbr-0003"},
		{Serial: "B-1004", AssignmentType: types.AssignmentMember, Status: types.StatusInactive, PersonID: "mbr-0004"},
		{Serial: "V-2001", AssignmentType: types.AssignmentVisitor, Status: types.StatusActive, PersonID: "vis-0001"},
		{Serial: "B-9999", AssignmentType: types.AssignmentUnassigned, Status: types.StatusActive},
		{Serial: "C-3001", AssignmentType: "contractor", Status: types.StatusActive, PersonID: "mbr-0002"},
		{Serial: "B-0404", AssignmentType: types.AssignmentMember, Status: types.StatusActive, PersonID: "mbr-gone"},
	} {
		dir.PutBadge(b)
	}
}

func rfc(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func scanCode(t *testing.T, err error) string {
	t.Helper()
	se, ok := service.AsScanError(err)
	if !ok {
		t.Fatalf("expected *ScanError, got %T: %v", err, err)
	}
	return se.Code
}

// assertAlternates checks the person's records, ordered by timestamp, go
// in, out, in, ...
func assertAlternates(t *testing.T, checkins *memory.CheckinStore, personID string) {
	t.Helper()
	want := types.DirectionIn
	for i, r := range checkins.RecordsFor(personID) {
		if r.Direction != want {
			t.Fatalf("record %d for %s: direction=%s, want %s", i, personID, r.Direction, want)
		}
		want = want.Opposite()
	}
}
