package service

import (
	"context"
	"strings"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
)

// KioskRegistry tracks which kiosks are known and when each was last seen.
// With requireKnown set, scans from unregistered kiosks are refused.
type KioskRegistry struct {
	store        store.KioskStore
	requireKnown bool
	now          func() time.Time
}

func NewKioskRegistry(st store.KioskStore, requireKnown bool) *KioskRegistry {
	return &KioskRegistry{store: st, requireKnown: requireKnown, now: time.Now}
}

func (r *KioskRegistry) IsKnown(ctx context.Context, kioskID string) (bool, error) {
	kioskID = strings.TrimSpace(kioskID)
	if kioskID == "" {
		return false, nil
	}
	return r.store.IsKnown(ctx, kioskID)
}

func (r *KioskRegistry) NoteSeen(ctx context.Context, kioskID string, known bool) error {
	kioskID = strings.TrimSpace(kioskID)
	if kioskID == "" {
		return nil
	}
	return r.store.MarkSeen(ctx, kioskID, known, r.now().UTC())
}

// Admit records the sighting and reports whether a scan from kioskID may
// proceed. A failed sighting write is logged, not returned.
func (r *KioskRegistry) Admit(ctx context.Context, kioskID string) error {
	known, err := r.IsKnown(ctx, kioskID)
	if err != nil {
		return err
	}
	if err := r.NoteSeen(ctx, kioskID, known); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("kiosk_id", kioskID).Msg("mark kiosk seen failed")
	}
	if r.requireKnown && !known {
		return newError(KindValidation, CodeUnknownKiosk, "kiosk %q is not registered", kioskID)
	}
	return nil
}
