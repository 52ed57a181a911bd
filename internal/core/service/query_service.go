package service

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// ReservationView is the stored reservation for a reference together with
// every movement recorded under that reference.
type ReservationView struct {
	Reservation *domain.Reservation
	Movements   []domain.Movement
}

// ReplayReport compares the stored total with the total rebuilt from the log.
type ReplayReport struct {
	ProductID     string
	StoredTotal   int
	ReplayedTotal int
	Movements     int
	Chained       bool
	Consistent    bool
}

// QueryService answers read-only questions from published state and never
// blocks writers.
type QueryService struct {
	store port.LedgerStore
}

func NewQueryService(store port.LedgerStore) *QueryService {
	return &QueryService{store: store}
}

func (q *QueryService) GetInventory(ctx context.Context, productID string) (*domain.Inventory, error) {
	return q.store.GetInventory(ctx, productID)
}

// LowStock lists records below their threshold, least available first.
func (q *QueryService) LowStock(ctx context.Context) ([]domain.Inventory, error) {
	all, err := q.store.ListInventories(ctx)
	if err != nil {
		return nil, err
	}

	out := filterInventories(all, func(inv domain.Inventory) bool { return inv.IsLowStock() })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Available < out[j].Available })
	return out, nil
}

func (q *QueryService) OutOfStock(ctx context.Context) ([]domain.Inventory, error) {
	all, err := q.store.ListInventories(ctx)
	if err != nil {
		return nil, err
	}
	return filterInventories(all, func(inv domain.Inventory) bool { return inv.IsOutOfStock() }), nil
}

// CheckAvailability reports false rather than an error for unknown products.
func (q *QueryService) CheckAvailability(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, domain.ErrInvalidQuantity
	}

	inv, err := q.store.GetInventory(ctx, productID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inv.Available >= quantity, nil
}

// History returns movements newest first.
func (q *QueryService) History(ctx context.Context, filter port.MovementFilter) ([]domain.Movement, error) {
	return q.store.ListMovements(ctx, filter)
}

func (q *QueryService) Summary(ctx context.Context, productID string) ([]domain.MovementSummary, error) {
	if _, err := q.store.GetInventory(ctx, productID); err != nil {
		return nil, err
	}
	return q.store.SummarizeMovements(ctx, productID)
}

func (q *QueryService) Reservation(ctx context.Context, productID, referenceID string) (*ReservationView, error) {
	r, err := q.store.GetReservation(ctx, productID, referenceID)
	if err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
		return nil, err
	}

	movements, err := q.store.ListMovements(ctx, port.MovementFilter{ProductID: productID, ReferenceID: referenceID})
	if err != nil {
		return nil, err
	}
	if r == nil && len(movements) == 0 {
		return nil, domain.ErrReservationNotFound
	}

	return &ReservationView{Reservation: r, Movements: movements}, nil
}

func (q *QueryService) Reservations(ctx context.Context, productID string) ([]domain.Reservation, error) {
	if _, err := q.store.GetInventory(ctx, productID); err != nil {
		return nil, err
	}
	return q.store.ListReservations(ctx, productID)
}

// Replay rebuilds the total from the full movement log of a product.
func (q *QueryService) Replay(ctx context.Context, productID string) (*ReplayReport, error) {
	inv, err := q.store.GetInventory(ctx, productID)
	if err != nil {
		return nil, err
	}

	movements, err := q.store.ListMovements(ctx, port.MovementFilter{ProductID: productID})
	if err != nil {
		return nil, err
	}
	slices.Reverse(movements)

	total, chained := domain.ReplayTotal(movements)
	return &ReplayReport{
		ProductID:     productID,
		StoredTotal:   inv.Total,
		ReplayedTotal: total,
		Movements:     len(movements),
		Chained:       chained,
		Consistent:    chained && total == inv.Total,
	}, nil
}

func filterInventories(all []domain.Inventory, keep func(domain.Inventory) bool) []domain.Inventory {
	out := []domain.Inventory{}
	for _, inv := range all {
		if keep(inv) {
			out = append(out, inv)
		}
	}
	return out
}

// Ping reports whether the backing store is reachable.
func (q *QueryService) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}
