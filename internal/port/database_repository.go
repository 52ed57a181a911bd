package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// Mutation is one committed change to a product: the new record state, the
// movement explaining it and, when a reference is tracked, the reservation.
type Mutation struct {
	Inventory       domain.Inventory
	ExpectedVersion int
	Movement        domain.Movement
	Reservation     *domain.Reservation
}

// MovementFilter selects ledger entries. Zero values mean "any".
type MovementFilter struct {
	ProductID   string
	Kind        domain.MovementKind
	ReferenceID string
	From        time.Time
	To          time.Time
	Limit       int
}

// Matches reports whether m passes every set criterion. From is inclusive,
// To is exclusive.
func (f MovementFilter) Matches(m domain.Movement) bool {
	switch {
	case f.ProductID != "" && m.ProductID != f.ProductID:
		return false
	case f.Kind != "" && m.Kind != f.Kind:
		return false
	case f.ReferenceID != "" && m.ReferenceID != f.ReferenceID:
		return false
	case !f.From.IsZero() && m.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !m.CreatedAt.Before(f.To):
		return false
	}
	return true
}

type MovementLog interface {
	// ListMovements returns matching entries newest first.
	ListMovements(ctx context.Context, filter MovementFilter) ([]domain.Movement, error)

	// SummarizeMovements aggregates a product's entries per kind.
	SummarizeMovements(ctx context.Context, productID string) ([]domain.MovementSummary, error)
}

type LedgerStore interface {
	MovementLog

	Ping(ctx context.Context) error

	// GetInventory returns domain.ErrNotFound when the product has no record.
	GetInventory(ctx context.Context, productID string) (*domain.Inventory, error)

	ListInventories(ctx context.Context) ([]domain.Inventory, error)

	// CreateInventory stores a new record with its opening movement. It fails
	// with domain.ErrDuplicateKey if the product already exists.
	CreateInventory(ctx context.Context, inv domain.Inventory, opening domain.Movement) (domain.Inventory, domain.Movement, error)

	// Apply commits a mutation atomically. The record is written only if its
	// stored version still equals ExpectedVersion, otherwise
	// domain.ErrConcurrentModification is returned and nothing is written.
	// The store assigns the movement ID and CreatedAt and bumps Version.
	Apply(ctx context.Context, m Mutation) (domain.Inventory, domain.Movement, error)

	// GetReservation returns domain.ErrReservationNotFound when no reservation
	// exists for the pair, whatever its status.
	GetReservation(ctx context.Context, productID, referenceID string) (*domain.Reservation, error)

	ListReservations(ctx context.Context, productID string) ([]domain.Reservation, error)

	// ListExpiredReservations returns ACTIVE reservations whose ExpiresAt is
	// not after now, oldest expiry first.
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}
