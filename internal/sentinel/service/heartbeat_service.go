package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

var (
	ErrInvalidKioskID = errors.New("kiosk_id is required")
)

type HeartbeatService struct {
	heartbeatStore store.HeartbeatStore
	registry       *KioskRegistry
	now            func() time.Time
}

func NewHeartbeatService(hs store.HeartbeatStore, reg *KioskRegistry) *HeartbeatService {
	return &HeartbeatService{heartbeatStore: hs, registry: reg, now: time.Now}
}

// Record stores one kiosk heartbeat. Unknown kiosks are accepted and
// reported as such; heartbeats never require registration.
func (s *HeartbeatService) Record(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	kioskID := strings.TrimSpace(req.KioskID)
	if kioskID == "" {
		return types.HeartbeatResponse{}, ErrInvalidKioskID
	}

	known, err := s.registry.IsKnown(ctx, kioskID)
	if err != nil {
		return types.HeartbeatResponse{}, err
	}
	if err := s.registry.NoteSeen(ctx, kioskID, known); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("kiosk_id", kioskID).Msg("mark kiosk seen failed")
	}

	now := s.now().UTC()
	rec := store.HeartbeatRecord{
		ReceivedAt: now,
		Request:    req,
	}
	if err := s.heartbeatStore.AppendHeartbeat(ctx, kioskID, rec); err != nil {
		return types.HeartbeatResponse{}, err
	}

	return types.HeartbeatResponse{
		OK:         true,
		Known:      known,
		KioskID:    kioskID,
		ServerTime: now.Format(time.RFC3339Nano),
	}, nil
}
