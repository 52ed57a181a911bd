package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency removes the key so a rejected request can be retried
	ClearIdempotency(ctx context.Context, key string) error
}

type SnapshotCache interface {
	// PublishSnapshot stores inv unless a newer version is already cached
	PublishSnapshot(ctx context.Context, inv domain.Inventory) error

	// GetSnapshot returns nil, nil on a cache miss
	GetSnapshot(ctx context.Context, productID string) (*domain.Inventory, error)
}
