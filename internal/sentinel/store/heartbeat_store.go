package store

import (
	"context"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

type HeartbeatRecord struct {
	ReceivedAt time.Time
	Request    types.HeartbeatRequest
}

type HeartbeatStore interface {
	AppendHeartbeat(ctx context.Context, kioskID string, rec HeartbeatRecord) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
