package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store/memory"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// KioskRegistry
// ═══════════════════════════════════════════════════════════════════════════

func TestKioskRegistry_Admit(t *testing.T) {
	ctx := context.Background()
	ks := memory.NewKioskStore([]string{"kiosk-main"})

	strict := service.NewKioskRegistry(ks, true)
	if err := strict.Admit(ctx, "kiosk-main"); err != nil {
		t.Fatalf("known kiosk: %v", err)
	}
	if code := scanCode(t, strict.Admit(ctx, "kiosk-rogue")); code != service.CodeUnknownKiosk {
		t.Fatalf("code=%s, want UNKNOWN_KIOSK", code)
	}

	lax := service.NewKioskRegistry(ks, false)
	if err := lax.Admit(ctx, "kiosk-new"); err != nil {
		t.Fatalf("lax registry refused kiosk: %v", err)
	}

	rec, ok := ks.Seen("kiosk-rogue")
	if !ok || rec.Known {
		t.Errorf("kiosk-rogue sighting: %+v %v", rec, ok)
	}
	if rec, ok := ks.Seen("kiosk-main"); !ok || !rec.Known {
		t.Errorf("kiosk-main sighting: %+v %v", rec, ok)
	}
}

func TestKioskRegistry_BlankID(t *testing.T) {
	reg := service.NewKioskRegistry(memory.NewKioskStore(nil), false)
	known, err := reg.IsKnown(context.Background(), "   ")
	if err != nil || known {
		t.Fatalf("IsKnown(blank) = %v, %v", known, err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// HeartbeatService
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatService_Record(t *testing.T) {
	ctx := context.Background()
	ks := memory.NewKioskStore([]string{"kiosk-main"})
	hs := memory.NewHeartbeatStore()
	svc := service.NewHeartbeatService(hs, service.NewKioskRegistry(ks, true))

	resp, err := svc.Record(ctx, types.HeartbeatRequest{KioskID: " kiosk-main ", FirmwareVersion: "1.4.2", QueuedScans: 3})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !resp.OK || !resp.Known || resp.KioskID != "kiosk-main" || resp.ServerTime == "" {
		t.Errorf("unexpected response %+v", resp)
	}

	// Heartbeats never require registration.
	resp, err = svc.Record(ctx, types.HeartbeatRequest{KioskID: "kiosk-new"})
	if err != nil {
		t.Fatalf("Record unknown: %v", err)
	}
	if resp.Known {
		t.Error("kiosk-new reported as known")
	}

	if n := hs.Count("kiosk-main"); n != 1 {
		t.Errorf("kiosk-main heartbeats=%d, want 1", n)
	}
	if _, ok := ks.Seen("kiosk-new"); !ok {
		t.Error("kiosk-new not marked seen")
	}
}

func TestHeartbeatService_RejectsBlankKiosk(t *testing.T) {
	svc := service.NewHeartbeatService(memory.NewHeartbeatStore(), service.NewKioskRegistry(memory.NewKioskStore(nil), false))
	if _, err := svc.Record(context.Background(), types.HeartbeatRequest{KioskID: ""}); !errors.Is(err, service.ErrInvalidKioskID) {
		t.Fatalf("expected ErrInvalidKioskID, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// HeartbeatPruner
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatPruner_PruneOnce(t *testing.T) {
	ctx := context.Background()
	hs := memory.NewHeartbeatStore()
	now := time.Now().UTC()

	hs.AppendHeartbeat(ctx, "kiosk-old", store.HeartbeatRecord{ReceivedAt: now.AddDate(0, 0, -40)})
	hs.AppendHeartbeat(ctx, "kiosk-recent", store.HeartbeatRecord{ReceivedAt: now.AddDate(0, 0, -1)})

	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{RetentionDays: 30, IntervalHours: 1})
	if deleted := pruner.PruneOnce(ctx); deleted != 1 {
		t.Fatalf("deleted=%d, want 1", deleted)
	}
	if hs.Count("kiosk-old") != 0 || hs.Count("kiosk-recent") != 1 {
		t.Errorf("old=%d recent=%d", hs.Count("kiosk-old"), hs.Count("kiosk-recent"))
	}
}

func TestHeartbeatPruner_ServePrunesOnStart(t *testing.T) {
	hs := memory.NewHeartbeatStore()
	hs.AppendHeartbeat(context.Background(), "kiosk-old", store.HeartbeatRecord{ReceivedAt: time.Now().UTC().AddDate(0, 0, -40)})

	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{RetentionDays: 30, IntervalHours: 1})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pruner.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for hs.Count("kiosk-old") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("startup prune did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v, want context.Canceled", err)
	}
}

func TestHeartbeatPruner_DisabledWhenRetentionZero(t *testing.T) {
	hs := memory.NewHeartbeatStore()
	hs.AppendHeartbeat(context.Background(), "kiosk-old", store.HeartbeatRecord{ReceivedAt: time.Now().UTC().AddDate(-1, 0, 0)})

	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{RetentionDays: 0})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := pruner.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Serve returned %v", err)
	}
	if hs.Count("kiosk-old") != 1 {
		t.Error("disabled pruner deleted records")
	}
	if pruner.String() != "heartbeat-pruner" {
		t.Errorf("String()=%q", pruner.String())
	}
}
