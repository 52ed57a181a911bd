package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
	"github.com/rl1809/stock-ledger/pkg/logger"
	"github.com/rl1809/stock-ledger/pkg/metrics"
)

var ErrDuplicateRequest = errors.New("duplicate request")

const DefaultMaxRetries = 5

var tracer = otel.Tracer("stock-ledger/service")

type Config struct {
	MaxRetries         int
	ReservationTTL     time.Duration
	RequireReservation bool
	EventQueueSize     int
	// DefaultThreshold applies to records created without one. Nil means
	// domain.DefaultLowStockThreshold.
	DefaultThreshold   *int
}

type CreateCommand struct {
	ProductID         string
	InitialQuantity   int
	LowStockThreshold *int
	Notes             string
	RequestID         string
}

type StockCommand struct {
	ProductID   string
	Quantity    int
	ReferenceID string
	Kind        domain.MovementKind
	Notes       string
	RequestID   string
}

type AdjustCommand struct {
	ProductID   string
	NewTotal    int
	ReferenceID string
	Notes       string
	RequestID   string
}

type Option func(*LedgerService)

func WithIdempotencyStore(store port.IdempotencyStore) Option {
	return func(s *LedgerService) { s.idempotency = store }
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

// LedgerService is the only writer of inventory state. Every committed
// mutation produces exactly one movement.
type LedgerService struct {
	store       port.LedgerStore
	idempotency port.IdempotencyStore
	cfg         Config
	now         func() time.Time
	locks       productLocks

	mu     sync.RWMutex
	closed bool
	events chan domain.LedgerEvent
}

func NewLedgerService(store port.LedgerStore, cfg Config, opts ...Option) *LedgerService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.DefaultThreshold == nil || *cfg.DefaultThreshold < 0 {
		threshold := domain.DefaultLowStockThreshold
		cfg.DefaultThreshold = &threshold
	}

	s := &LedgerService{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	if cfg.EventQueueSize > 0 {
		s.events = make(chan domain.LedgerEvent, cfg.EventQueueSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events is nil when the service was built without an event queue.
func (s *LedgerService) Events() <-chan domain.LedgerEvent {
	return s.events
}

func (s *LedgerService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.events != nil {
		close(s.events)
	}
}

func (s *LedgerService) CreateInventory(ctx context.Context, cmd CreateCommand) (inv *domain.Inventory, err error) {
	const op = "create"
	ctx, finish := s.begin(ctx, op, cmd.ProductID, cmd.InitialQuantity, "")
	defer func() { finish(err) }()

	release, err := s.claim(ctx, op, cmd.ProductID, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	defer func() { release(err) }()

	threshold := *s.cfg.DefaultThreshold
	if cmd.LowStockThreshold != nil {
		threshold = *cmd.LowStockThreshold
	}

	fresh, err := domain.NewInventory(cmd.ProductID, cmd.InitialQuantity, threshold, s.now())
	if err != nil {
		return nil, err
	}
	opening, err := domain.NewMovement(cmd.ProductID, domain.MovementAdjustment,
		domain.Transition{Before: 0, After: cmd.InitialQuantity}, "", notesOr(cmd.Notes, "Initial stock", ""))
	if err != nil {
		return nil, err
	}

	saved, mv, err := s.store.CreateInventory(ctx, *fresh, opening)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, saved, mv, saved.IsLowStock())
	return &saved, nil
}

func (s *LedgerService) ReserveStock(ctx context.Context, cmd StockCommand) (inv *domain.Inventory, err error) {
	const op = "reserve"
	ctx, finish := s.begin(ctx, op, cmd.ProductID, cmd.Quantity, cmd.ReferenceID)
	defer func() { finish(err) }()

	notes := notesOr(cmd.Notes, "Reserved for order", cmd.ReferenceID)
	return s.mutate(ctx, op, cmd.ProductID, cmd.ReferenceID, notes, cmd.RequestID,
		func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error) {
			tr, err := inv.Reserve(cmd.Quantity)
			if err != nil {
				return step{}, err
			}
			st := step{kind: domain.MovementReservation, transition: tr}
			if cmd.ReferenceID == "" {
				return st, nil
			}

			existing, err := s.store.GetReservation(ctx, cmd.ProductID, cmd.ReferenceID)
			switch {
			case err == nil && existing.IsActive():
				return step{}, domain.ErrReservationExists
			case err != nil && !errors.Is(err, domain.ErrReservationNotFound):
				return step{}, err
			}

			r := domain.NewReservation(cmd.ProductID, cmd.ReferenceID, cmd.Quantity, now, s.cfg.ReservationTTL)
			st.reservation = &r
			return st, nil
		})
}

func (s *LedgerService) ReleaseReservation(ctx context.Context, cmd StockCommand) (inv *domain.Inventory, err error) {
	const op = "release"
	ctx, finish := s.begin(ctx, op, cmd.ProductID, cmd.Quantity, cmd.ReferenceID)
	defer func() { finish(err) }()

	notes := notesOr(cmd.Notes, "Released reservation for order", cmd.ReferenceID)
	return s.mutate(ctx, op, cmd.ProductID, cmd.ReferenceID, notes, cmd.RequestID,
		func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error) {
			tr, err := inv.Release(cmd.Quantity)
			if err != nil {
				return step{}, err
			}
			r, err := s.settle(ctx, inv, cmd, domain.ReservationReleased, now)
			if err != nil {
				return step{}, err
			}
			return step{kind: domain.MovementRelease, transition: tr, reservation: r}, nil
		})
}

func (s *LedgerService) CommitReservation(ctx context.Context, cmd StockCommand) (inv *domain.Inventory, err error) {
	const op = "commit"
	ctx, finish := s.begin(ctx, op, cmd.ProductID, cmd.Quantity, cmd.ReferenceID)
	defer func() { finish(err) }()

	notes := notesOr(cmd.Notes, "Sale for order", cmd.ReferenceID)
	return s.mutate(ctx, op, cmd.ProductID, cmd.ReferenceID, notes, cmd.RequestID,
		func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error) {
			tr, err := inv.Commit(cmd.Quantity)
			if err != nil {
				return step{}, err
			}
			r, err := s.settle(ctx, inv, cmd, domain.ReservationCommitted, now)
			if err != nil {
				return step{}, err
			}
			return step{kind: domain.MovementSale, transition: tr, reservation: r}, nil
		})
}

// AddStock records incoming goods. Kind defaults to PURCHASE; RETURN is the
// only other kind accepted.
func (s *LedgerService) AddStock(ctx context.Context, cmd StockCommand) (inv *domain.Inventory, err error) {
	const op = "add"
	ctx, finish := s.begin(ctx, op, cmd.ProductID, cmd.Quantity, cmd.ReferenceID)
	defer func() { finish(err) }()

	kind := cmd.Kind
	if kind == "" {
		kind = domain.MovementPurchase
	}
	if kind != domain.MovementPurchase && kind != domain.MovementReturn {
		return nil, fmt.Errorf("add stock as %s: %w", kind, domain.ErrInvalidKind)
	}

	prefix := "Purchase received"
	if kind == domain.MovementReturn {
		prefix = "Return received"
	}
	notes := notesOr(cmd.Notes, prefix, cmd.ReferenceID)
	return s.mutate(ctx, op, cmd.ProductID, cmd.ReferenceID, notes, cmd.RequestID,
		func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error) {
			tr, err := inv.AddStock(cmd.Quantity)
			if err != nil {
				return step{}, err
			}
			return step{kind: kind, transition: tr}, nil
		})
}

// ReduceStock removes goods outside the reservation flow. Kind defaults to
// SALE; DAMAGE is the only other kind accepted.
func (s *LedgerService) ReduceStock(ctx context.Context, cmd StockCommand) (inv *domain.Inventory, err error) {
	const op = "reduce"
	ctx, finish := s.begin(ctx, op, cmd.ProductID, cmd.Quantity, cmd.ReferenceID)
	defer func() { finish(err) }()

	kind := cmd.Kind
	if kind == "" {
		kind = domain.MovementSale
	}
	if kind != domain.MovementSale && kind != domain.MovementDamage {
		return nil, fmt.Errorf("reduce stock as %s: %w", kind, domain.ErrInvalidKind)
	}

	prefix := "Sale"
	if kind == domain.MovementDamage {
		prefix = "Damaged stock"
	}
	notes := notesOr(cmd.Notes, prefix, cmd.ReferenceID)
	return s.mutate(ctx, op, cmd.ProductID, cmd.ReferenceID, notes, cmd.RequestID,
		func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error) {
			tr, err := inv.ReduceStock(cmd.Quantity)
			if err != nil {
				return step{}, err
			}
			return step{kind: kind, transition: tr}, nil
		})
}

// AdjustStock sets the physical count. Adjusting to the current total
// returns the record unchanged and records nothing.
func (s *LedgerService) AdjustStock(ctx context.Context, cmd AdjustCommand) (inv *domain.Inventory, err error) {
	const op = "adjust"
	ctx, finish := s.begin(ctx, op, cmd.ProductID, cmd.NewTotal, cmd.ReferenceID)
	defer func() { finish(err) }()

	notes := notesOr(cmd.Notes, "Stock adjustment", cmd.ReferenceID)
	return s.mutate(ctx, op, cmd.ProductID, cmd.ReferenceID, notes, cmd.RequestID,
		func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error) {
			tr, err := inv.AdjustTo(cmd.NewTotal)
			if err != nil {
				return step{}, err
			}
			return step{kind: domain.MovementAdjustment, transition: tr, noop: tr.Delta() == 0}, nil
		})
}

// ExpireReservation releases whatever an expired reservation still holds.
// A reservation that is not yet due is left alone.
func (s *LedgerService) ExpireReservation(ctx context.Context, productID, referenceID string) (inv *domain.Inventory, err error) {
	const op = "expire"
	ctx, finish := s.begin(ctx, op, productID, 0, referenceID)
	defer func() { finish(err) }()

	notes := notesOr("", "Reservation expired for order", referenceID)
	return s.mutate(ctx, op, productID, referenceID, notes, "",
		func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error) {
			r, err := s.store.GetReservation(ctx, productID, referenceID)
			if err != nil {
				return step{}, err
			}
			if !r.IsActive() {
				return step{}, domain.ErrReservationNotFound
			}
			if !r.IsExpired(now) {
				return step{noop: true}, nil
			}

			// Units the counters no longer back are dropped with the reservation.
			tr := domain.Transition{Before: inv.Total, After: inv.Total}
			if held := min(r.Quantity, inv.Reserved); held > 0 {
				if tr, err = inv.Release(held); err != nil {
					return step{}, err
				}
			}
			if err := r.Settle(r.Quantity, domain.ReservationExpired, now); err != nil {
				return step{}, err
			}
			return step{kind: domain.MovementRelease, transition: tr, reservation: r}, nil
		})
}

// settle validates a commit or release against the reservation held for the
// command's reference. inv already carries the aggregate transition. A command
// that no reservation backs may only draw on units no active reservation holds.
func (s *LedgerService) settle(ctx context.Context, inv *domain.Inventory, cmd StockCommand, terminal domain.ReservationStatus, now time.Time) (*domain.Reservation, error) {
	if cmd.ReferenceID == "" {
		return nil, s.checkUnheld(ctx, inv, cmd, terminal)
	}

	r, err := s.store.GetReservation(ctx, cmd.ProductID, cmd.ReferenceID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		if s.cfg.RequireReservation {
			return nil, err
		}
		return nil, s.checkUnheld(ctx, inv, cmd, terminal)
	}
	if err != nil {
		return nil, err
	}

	if err := r.Settle(cmd.Quantity, terminal, now); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *LedgerService) checkUnheld(ctx context.Context, inv *domain.Inventory, cmd StockCommand, terminal domain.ReservationStatus) error {
	reservations, err := s.store.ListReservations(ctx, cmd.ProductID)
	if err != nil {
		return err
	}

	held := 0
	for _, r := range reservations {
		if r.IsActive() {
			held += r.Quantity
		}
	}
	if held <= inv.Reserved {
		return nil
	}

	unheld := max(inv.Reserved+cmd.Quantity-held, 0)
	if terminal == domain.ReservationCommitted {
		return &domain.OverCommitError{Reserved: unheld, Requested: cmd.Quantity}
	}
	return &domain.OverReleaseError{Reserved: unheld, Requested: cmd.Quantity}
}

// step is what a transition produced: the movement to record and, when a
// reference is tracked, the reservation to store alongside it.
type step struct {
	kind        domain.MovementKind
	transition  domain.Transition
	reservation *domain.Reservation
	noop        bool
}

type transitionFunc func(ctx context.Context, inv *domain.Inventory, now time.Time) (step, error)

// mutate runs read, transition and conditional write, restarting from the
// read when the store reports a concurrent modification.
func (s *LedgerService) mutate(ctx context.Context, op, productID, referenceID, notes, requestID string, apply transitionFunc) (_ *domain.Inventory, err error) {
	if productID == "" {
		return nil, domain.ErrMissingProductID
	}

	release, err := s.claim(ctx, op, productID, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { release(err) }()

	// Only products that exist get a lock entry.
	if _, err := s.store.GetInventory(ctx, productID); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(productID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := s.store.GetInventory(ctx, productID)
		if err != nil {
			return nil, err
		}

		next := *current
		st, err := apply(ctx, &next, s.now())
		if err != nil {
			return nil, err
		}
		if st.noop {
			return current, nil
		}

		mv, err := domain.NewMovement(productID, st.kind, st.transition, referenceID, notes)
		if err != nil {
			return nil, err
		}
		if err := next.CheckInvariants(); err != nil {
			return nil, err
		}

		saved, recorded, err := s.store.Apply(ctx, port.Mutation{
			Inventory:       next,
			ExpectedVersion: current.Version,
			Movement:        mv,
			Reservation:     st.reservation,
		})
		if errors.Is(err, domain.ErrConcurrentModification) && attempt < s.cfg.MaxRetries {
			metrics.ConflictRetries.WithLabelValues(op).Inc()
			logger.Warn(ctx).
				Str("operation", op).
				Str("product_id", productID).
				Int("attempt", attempt+1).
				Msg("Concurrent modification, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		lowStock := current.Available >= current.LowStockThreshold && saved.IsLowStock()
		s.emit(ctx, saved, recorded, lowStock)
		return &saved, nil
	}
}

// productLocks serializes writers to the same product inside this process.
// Writers in other processes are caught by the store's version check. Records
// are never deleted, so the map is bounded by the number of products.
type productLocks struct {
	m sync.Map
}

func (l *productLocks) lock(productID string) func() {
	v, _ := l.m.LoadOrStore(productID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// claim reserves the idempotency key for a request. The returned func frees
// the key again when the request fails so the caller can retry it.
func (s *LedgerService) claim(ctx context.Context, op, productID, requestID string) (func(error), error) {
	noop := func(error) {}
	if requestID == "" || s.idempotency == nil {
		return noop, nil
	}

	key := fmt.Sprintf("ledger:%s:%s:%s", op, productID, requestID)
	ok, err := s.idempotency.SetIdempotency(ctx, key)
	if err != nil {
		return noop, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return noop, ErrDuplicateRequest
	}

	return func(opErr error) {
		if opErr == nil {
			return
		}
		if err := s.idempotency.ClearIdempotency(context.WithoutCancel(ctx), key); err != nil {
			logger.Error(ctx).Err(err).Str("key", key).Msg("Failed to clear idempotency key")
		}
	}, nil
}

func (s *LedgerService) emit(ctx context.Context, inv domain.Inventory, mv domain.Movement, lowStock bool) {
	if lowStock {
		logger.Warn(ctx).
			Str("product_id", inv.ProductID).
			Int("available", inv.Available).
			Int("threshold", inv.LowStockThreshold).
			Msg("Stock fell below threshold")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.events == nil || s.closed {
		return
	}

	event := domain.LedgerEvent{
		ID:         uuid.NewString(),
		Type:       domain.EventTypeMovementRecorded,
		Movement:   mv,
		Inventory:  inv,
		LowStock:   lowStock,
		OccurredAt: mv.CreatedAt,
	}

	select {
	case s.events <- event:
	default:
		metrics.EventsDropped.Inc()
		logger.Warn(ctx).
			Str("product_id", inv.ProductID).
			Int64("movement_id", mv.ID).
			Msg("Event queue full, dropping ledger event")
	}
}

// begin opens the span and returns a func that records the outcome.
func (s *LedgerService) begin(ctx context.Context, op, productID string, quantity int, referenceID string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "LedgerService."+op,
		trace.WithAttributes(
			attribute.String("ledger.operation", op),
			attribute.String("product.id", productID),
			attribute.Int("product.quantity", quantity),
			attribute.String("reference.id", referenceID),
		),
	)
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

		outcome := outcomeOf(err)
		metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()

		switch outcome {
		case metrics.OutcomeOK:
			span.SetStatus(codes.Ok, "")
			logger.Debug(ctx).Str("operation", op).Str("product_id", productID).Msg("Ledger operation committed")
		case metrics.OutcomeRejected, metrics.OutcomeDuplicate:
			span.SetAttributes(attribute.String("ledger.rejection", err.Error()))
			logger.Info(ctx).Err(err).Str("operation", op).Str("product_id", productID).Msg("Ledger operation rejected")
		case metrics.OutcomeConflict:
			span.RecordError(err)
			span.SetStatus(codes.Error, "conflict")
			logger.Warn(ctx).Err(err).Str("operation", op).Str("product_id", productID).Msg("Ledger operation gave up after retries")
		case metrics.OutcomeViolation:
			metrics.InvariantViolations.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "invariant violation")
			logger.Error(ctx).Err(err).Str("operation", op).Str("product_id", productID).Msg("LEDGER INVARIANT VIOLATED")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error(ctx).Err(err).Str("operation", op).Str("product_id", productID).Msg("Ledger operation failed")
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case domain.IsInvariantViolation(err):
		return metrics.OutcomeViolation
	case errors.Is(err, ErrDuplicateRequest):
		return metrics.OutcomeDuplicate
	case errors.Is(err, domain.ErrConcurrentModification):
		return metrics.OutcomeConflict
	case domain.IsBusinessError(err):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func notesOr(notes, prefix, referenceID string) string {
	if notes != "" {
		return notes
	}
	if referenceID == "" {
		return prefix
	}
	return prefix + " " + referenceID
}
