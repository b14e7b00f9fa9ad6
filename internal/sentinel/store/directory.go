package store

import (
	"context"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// Directory resolves badges and persons. Membership, badge issuance and
// roster edits live outside this service; Directory is read-only.
type Directory interface {
	// ResolveBadge returns ErrNotFound for an unknown serial.
	ResolveBadge(ctx context.Context, serial string) (types.Badge, error)
	// ResolveBadgesBatch omits unknown serials from the result.
	ResolveBadgesBatch(ctx context.Context, serials []string) (map[string]types.Badge, error)

	// ResolvePerson returns ErrNotFound for an unknown id.
	ResolvePerson(ctx context.Context, id string) (types.Person, error)
	// ResolvePersonsBatch omits unknown ids from the result.
	ResolvePersonsBatch(ctx context.Context, ids []string) (map[string]types.Person, error)
}
