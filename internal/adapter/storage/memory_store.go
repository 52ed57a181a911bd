package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// productState is never modified once published.
type productState struct {
	inventory    domain.Inventory
	movements    []domain.Movement
	reservations map[string]domain.Reservation
}

type productEntry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[productState]
}

// MemoryStore keeps the ledger in process. Writers for one product are
// serialized by that product's mutex; readers load the published snapshot and
// never take a lock.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*productEntry
	seq      atomic.Int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*productEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) entry(productID string) *productEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.products[productID]
}

func (s *MemoryStore) entries() []*productEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*productEntry, 0, len(s.products))
	for _, e := range s.products {
		out = append(out, e)
	}
	return out
}

func (s *MemoryStore) GetInventory(ctx context.Context, productID string) (*domain.Inventory, error) {
	e := s.entry(productID)
	if e == nil {
		return nil, domain.ErrNotFound
	}
	inv := e.snapshot.Load().inventory
	return &inv, nil
}

func (s *MemoryStore) ListInventories(ctx context.Context) ([]domain.Inventory, error) {
	var out []domain.Inventory
	for _, e := range s.entries() {
		out = append(out, e.snapshot.Load().inventory)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *MemoryStore) CreateInventory(ctx context.Context, inv domain.Inventory, opening domain.Movement) (domain.Inventory, domain.Movement, error) {
	if err := checkOpening(inv, opening); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[inv.ProductID]; ok {
		return domain.Inventory{}, domain.Movement{}, domain.ErrDuplicateKey
	}

	now := s.now()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	opening.ID = s.seq.Add(1)
	opening.CreatedAt = now

	e := &productEntry{}
	e.snapshot.Store(&productState{
		inventory:    inv,
		movements:    []domain.Movement{opening},
		reservations: map[string]domain.Reservation{},
	})
	s.products[inv.ProductID] = e

	return inv, opening, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m port.Mutation) (domain.Inventory, domain.Movement, error) {
	e := s.entry(m.Inventory.ProductID)
	if e == nil {
		return domain.Inventory{}, domain.Movement{}, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snapshot.Load()
	if cur.inventory.Version != m.ExpectedVersion {
		return domain.Inventory{}, domain.Movement{}, domain.ErrConcurrentModification
	}
	if err := checkMutation(m); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}
	if m.Movement.QuantityBefore != cur.inventory.Total {
		return domain.Inventory{}, domain.Movement{}, &domain.InvariantViolationError{
			ProductID: m.Inventory.ProductID,
			Detail:    fmt.Sprintf("movement starts at %d but total is %d", m.Movement.QuantityBefore, cur.inventory.Total),
		}
	}

	now := s.now()
	inv := m.Inventory
	inv.Version = cur.inventory.Version + 1
	inv.CreatedAt = cur.inventory.CreatedAt
	inv.UpdatedAt = now

	mv := m.Movement
	mv.ID = s.seq.Add(1)
	mv.CreatedAt = now

	next := &productState{
		inventory:    inv,
		movements:    append(cur.movements, mv),
		reservations: cur.reservations,
	}
	if m.Reservation != nil {
		next.reservations = maps.Clone(cur.reservations)
		next.reservations[m.Reservation.ReferenceID] = *m.Reservation
	}
	e.snapshot.Store(next)

	return inv, mv, nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, productID, referenceID string) (*domain.Reservation, error) {
	e := s.entry(productID)
	if e == nil {
		return nil, domain.ErrReservationNotFound
	}
	r, ok := e.snapshot.Load().reservations[referenceID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListReservations(ctx context.Context, productID string) ([]domain.Reservation, error) {
	e := s.entry(productID)
	if e == nil {
		return nil, nil
	}

	var out []domain.Reservation
	for _, r := range e.snapshot.Load().reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ReferenceID < out[j].ReferenceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, e := range s.entries() {
		for _, r := range e.snapshot.Load().reservations {
			if r.IsExpired(now) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListMovements(ctx context.Context, filter port.MovementFilter) ([]domain.Movement, error) {
	var source []*productEntry
	if filter.ProductID != "" {
		if e := s.entry(filter.ProductID); e != nil {
			source = append(source, e)
		}
	} else {
		source = s.entries()
	}

	var out []domain.Movement
	for _, e := range source {
		for _, m := range e.snapshot.Load().movements {
			if filter.Matches(m) {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SummarizeMovements(ctx context.Context, productID string) ([]domain.MovementSummary, error) {
	e := s.entry(productID)
	if e == nil {
		return nil, nil
	}

	byKind := make(map[domain.MovementKind]domain.MovementSummary)
	for _, m := range e.snapshot.Load().movements {
		sum := byKind[m.Kind]
		sum.Kind = m.Kind
		sum.Count++
		sum.TotalChange += m.QuantityChange
		byKind[m.Kind] = sum
	}
	return orderSummaries(byKind), nil
}
