package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store/memory"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// Direction
// ═══════════════════════════════════════════════════════════════════════════

func TestProcessSingleScan_AlternatesFromIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	want := []types.Direction{types.DirectionIn, types.DirectionOut, types.DirectionIn, types.DirectionOut}
	for i, w := range want {
		res, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"})
		if err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
		if res.Direction != w {
			t.Fatalf("scan %d: direction=%s, want %s", i, res.Direction, w)
		}
		if res.Person.ID != "mbr-0001" {
			t.Fatalf("scan %d: person=%q", i, res.Person.ID)
		}
		env.clock.Advance(10 * time.Second)
	}
	assertAlternates(t, env.checkins, "mbr-0001")
}

func TestProcessSingleScan_UsesClaimedTimestamp(t *testing.T) {
	env := newTestEnv(t)
	claimed := baseTime.Add(-90 * time.Second)

	res, err := env.svc.ProcessSingleScan(context.Background(), types.ScanRequest{
		BadgeSerial: "B-1001",
		KioskID:     "kiosk-main",
		Timestamp:   claimed.Format(time.RFC3339),
		EventID:     "evt-42",
	})
	if err != nil {
		t.Fatalf("ProcessSingleScan: %v", err)
	}
	if !res.Record.Timestamp.Equal(claimed) {
		t.Errorf("timestamp=%s, want %s", res.Record.Timestamp, claimed)
	}
	if res.Record.EventID != "evt-42" {
		t.Errorf("event_id=%q", res.Record.EventID)
	}
	if res.Record.Synced {
		t.Error("live scan must not be marked synced")
	}
}

func TestProcessSingleScan_CacheMissMatchesCacheHit(t *testing.T) {
	warm := newTestEnv(t)
	cold := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cold.cache.Delete(ctx, "mbr-0002"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		a, err := warm.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1002", KioskID: "kiosk-main"})
		if err != nil {
			t.Fatalf("warm scan %d: %v", i, err)
		}
		b, err := cold.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1002", KioskID: "kiosk-main"})
		if err != nil {
			t.Fatalf("cold scan %d: %v", i, err)
		}
		if a.Direction != b.Direction {
			t.Fatalf("scan %d: warm=%s cold=%s", i, a.Direction, b.Direction)
		}
		warm.clock.Advance(time.Minute)
		cold.clock.Advance(time.Minute)
	}
}

func TestProcessSingleScan_StaleCacheDoesNotDecide(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"}); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	// Poison the cache: the store says "in", the cache claims "out".
	if err := env.cache.Set(ctx, "mbr-0001", types.DirectionOut); err != nil {
		t.Fatalf("cache set: %v", err)
	}
	before := testutil.ToFloat64(metrics.CacheDivergence)

	env.clock.Advance(time.Minute)
	res, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"})
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if res.Direction != types.DirectionOut {
		t.Fatalf("direction=%s, want out", res.Direction)
	}
	if got := testutil.ToFloat64(metrics.CacheDivergence) - before; got != 1 {
		t.Errorf("divergence delta=%v, want 1", got)
	}
	d, ok, _ := env.cache.Get(ctx, "mbr-0001")
	if !ok || d != types.DirectionOut {
		t.Errorf("cache not repaired: %s %v", d, ok)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Rejections
// ═══════════════════════════════════════════════════════════════════════════

func TestProcessSingleScan_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  types.ScanRequest
		code string
		kind service.ErrorKind
	}{
		{"missing badge", types.ScanRequest{KioskID: "kiosk-main"}, service.CodeMissingField, service.KindValidation},
		{"missing kiosk", types.ScanRequest{BadgeSerial: "B-1001", KioskID: "  "}, service.CodeMissingField, service.KindValidation},
		{"unparseable timestamp", types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main", Timestamp: "yesterday"}, service.CodeInvalidTimestamp, service.KindValidation},
		{"too far in past", types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main", Timestamp: rfc(baseTime.Add(-6 * time.Minute))}, service.CodeInvalidTimestamp, service.KindValidation},
		{"too far in future", types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main", Timestamp: rfc(baseTime.Add(31 * time.Second))}, service.CodeInvalidTimestamp, service.KindValidation},
		{"unknown badge", types.ScanRequest{BadgeSerial: "B-0000", KioskID: "kiosk-main"}, service.CodeBadgeNotFound, service.KindNotFound},
		{"unassigned badge", types.ScanRequest{BadgeSerial: "B-9999", KioskID: "kiosk-main"}, service.CodeBadgeNotAssigned, service.KindValidation},
		{"inactive badge", types.ScanRequest{BadgeSerial: "B-1004", KioskID: "kiosk-main"}, service.CodeBadgeInactive, service.KindValidation},
		{"unsupported badge", types.ScanRequest{BadgeSerial: "C-3001", KioskID: "kiosk-main"}, service.CodeUnsupportedBadgeType, service.KindValidation},
		{"person missing", types.ScanRequest{BadgeSerial: "B-0404", KioskID: "kiosk-main"}, service.CodePersonNotFound, service.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.svc.ProcessSingleScan(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			se, ok := service.AsScanError(err)
			if !ok {
				t.Fatalf("expected *ScanError, got %T", err)
			}
			if se.Code != tt.code || se.Kind != tt.kind {
				t.Errorf("got %s/%s, want %s/%s", se.Kind, se.Code, tt.kind, tt.code)
			}
			if n := len(env.checkins.Records()); n != 0 {
				t.Errorf("rejected scan wrote %d records", n)
			}
			if scans, stats := env.bc.counts(); scans != 0 || stats != 0 {
				t.Errorf("rejected scan broadcast %d scans, %d stats", scans, stats)
			}
		})
	}
}

func TestProcessSingleScan_DuplicateWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	env.clock.Advance(2 * time.Second)

	// A different kiosk does not matter: the guard is per person.
	_, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-side"})
	if code := scanCode(t, err); code != service.CodeDuplicateScan {
		t.Fatalf("code=%s, want DUPLICATE_SCAN", code)
	}

	env.clock.Advance(3 * time.Second)
	res, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-side"})
	if err != nil {
		t.Fatalf("scan at window edge: %v", err)
	}
	if res.Direction != types.DirectionOut {
		t.Errorf("direction=%s, want out", res.Direction)
	}
}

func TestProcessSingleScan_OutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{
		BadgeSerial: "B-1001",
		KioskID:     "kiosk-main",
		Timestamp:   rfc(baseTime.Add(-time.Minute)),
	})
	if code := scanCode(t, err); code != service.CodeOutOfOrderScan {
		t.Fatalf("code=%s, want OUT_OF_ORDER_SCAN", code)
	}
}

func TestProcessSingleScan_UnknownKiosk(t *testing.T) {
	env := newTestEnv(t, withRequireKnown())
	ctx := context.Background()

	_, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-rogue"})
	if code := scanCode(t, err); code != service.CodeUnknownKiosk {
		t.Fatalf("code=%s, want UNKNOWN_KIOSK", code)
	}
	if _, ok := env.kiosks.Seen("kiosk-rogue"); !ok {
		t.Error("rejected kiosk should still be marked seen")
	}

	lax := newTestEnv(t)
	if _, err := lax.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-rogue"}); err != nil {
		t.Fatalf("unknown kiosk without enforcement: %v", err)
	}
}

// stalledCheckins never completes an append before its context ends.
type stalledCheckins struct {
	*memory.CheckinStore
}

func (stalledCheckins) Append(ctx context.Context, _ store.ScanRecord, _ string) (store.ScanRecord, error) {
	<-ctx.Done()
	return store.ScanRecord{}, ctx.Err()
}

func TestProcessSingleScan_ContextErrors(t *testing.T) {
	env := newTestEnv(t)
	svc := service.NewCheckinService(service.Deps{
		Directory: env.dir,
		Checkins:  stalledCheckins{env.checkins},
	}, service.Options{
		MaxPast:     5 * time.Minute,
		MaxFuture:   30 * time.Second,
		DedupWindow: 5 * time.Second,
		OpTimeout:   20 * time.Millisecond,
		Now:         env.clock.Now,
	})
	req := types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"}

	_, err := svc.ProcessSingleScan(context.Background(), req)
	se, ok := service.AsScanError(err)
	if !ok || se.Code != service.CodeTimeout || se.Kind != service.KindUnavailable {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.ProcessSingleScan(ctx, req)
	if code := scanCode(t, err); code != service.CodeCancelled {
		t.Fatalf("code=%s, want CANCELLED", code)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Side effects
// ═══════════════════════════════════════════════════════════════════════════

func TestProcessSingleScan_SideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	before, err := env.agg.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	res, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	d, ok, _ := env.cache.Get(ctx, "mbr-0001")
	if !ok || d != types.DirectionIn {
		t.Errorf("cache=%s %v, want in", d, ok)
	}

	after, err := env.agg.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if after.Present != before.Present+1 {
		t.Errorf("present %d -> %d, want +1", before.Present, after.Present)
	}

	scans, stats := env.bc.counts()
	if scans != 1 || stats != 1 {
		t.Fatalf("broadcasts: scans=%d stats=%d", scans, stats)
	}
	ev := env.bc.scans[0]
	if ev.RecordID != res.Record.ID || ev.PersonID != "mbr-0001" || ev.Direction != types.DirectionIn || ev.KioskID != "kiosk-main" {
		t.Errorf("unexpected event %+v", ev)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Concurrency
// ═══════════════════════════════════════════════════════════════════════════

func TestProcessSingleScan_RetriesAfterConcurrentWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	injected := false
	env.checkins.SetBeforeAppend(func(rec store.ScanRecord) {
		if injected {
			return
		}
		injected = true
		// Another kiosk commits "in" for the same person between the
		// service's read and its append.
		if _, err := env.checkins.Append(ctx, store.ScanRecord{
			PersonID:  rec.PersonID,
			Direction: types.DirectionIn,
			Timestamp: baseTime.Add(-30 * time.Second),
			KioskID:   "kiosk-side",
		}, ""); err != nil {
			t.Errorf("competing append: %v", err)
		}
	})

	retries := testutil.ToFloat64(metrics.AppendRetries)
	res, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Direction != types.DirectionOut {
		t.Fatalf("direction=%s, want out after retry", res.Direction)
	}
	if got := testutil.ToFloat64(metrics.AppendRetries) - retries; got != 1 {
		t.Errorf("retries delta=%v, want 1", got)
	}
	assertAlternates(t, env.checkins, "mbr-0001")
}

func TestProcessSingleScan_GivesUpAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	competing := baseTime.Add(-2 * time.Minute)
	inHook := false
	env.checkins.SetBeforeAppend(func(rec store.ScanRecord) {
		if inHook {
			return
		}
		inHook = true
		defer func() { inHook = false }()

		latest, _ := env.checkins.LatestFor(ctx, rec.PersonID)
		var last types.Direction
		var prev string
		if latest != nil {
			last, prev = latest.Direction, latest.ID
		}
		competing = competing.Add(20 * time.Second)
		if _, err := env.checkins.Append(ctx, store.ScanRecord{
			PersonID:  rec.PersonID,
			Direction: types.NextDirection(last),
			Timestamp: competing,
			KioskID:   "kiosk-side",
		}, prev); err != nil {
			t.Errorf("competing append: %v", err)
		}
	})

	_, err := env.svc.ProcessSingleScan(ctx, types.ScanRequest{BadgeSerial: "B-1001", KioskID: "kiosk-main"})
	se, ok := service.AsScanError(err)
	if !ok || se.Code != service.CodeConcurrentScan || se.Kind != service.KindConflict {
		t.Fatalf("expected CONCURRENT_SCAN conflict, got %v", err)
	}
	if n := len(env.checkins.RecordsFor("mbr-0001")); n != 3 {
		t.Errorf("expected only the 3 competing records, got %d", n)
	}
	assertAlternates(t, env.checkins, "mbr-0001")
}

func TestProcessSingleScan_ParallelScansKeepAlternation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.ProcessSingleScan(ctx, types.ScanRequest{
				BadgeSerial: "B-1001",
				KioskID:     "kiosk-main",
				Timestamp:   rfc(baseTime.Add(-time.Duration(i) * 20 * time.Second)),
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for i, err := range errs {
		if err == nil {
			ok++
			continue
		}
		switch code := scanCode(t, err); code {
		case service.CodeOutOfOrderScan, service.CodeConcurrentScan:
		default:
			t.Errorf("scan %d: unexpected code %s", i, code)
		}
	}
	if ok == 0 {
		t.Fatal("expected at least one scan to commit")
	}
	if got := len(env.checkins.RecordsFor("mbr-0001")); got != ok {
		t.Errorf("records=%d, successes=%d", got, ok)
	}
	assertAlternates(t, env.checkins, "mbr-0001")
}
