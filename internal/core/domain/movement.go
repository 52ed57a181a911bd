package domain

import (
	"fmt"
	"time"
)

type MovementKind string

const (
	MovementPurchase    MovementKind = "PURCHASE"
	MovementSale        MovementKind = "SALE"
	MovementReturn      MovementKind = "RETURN"
	MovementDamage      MovementKind = "DAMAGE"
	MovementAdjustment  MovementKind = "ADJUSTMENT"
	MovementReservation MovementKind = "RESERVATION"
	MovementRelease     MovementKind = "RELEASE"
)

var movementKinds = []MovementKind{
	MovementPurchase,
	MovementSale,
	MovementReturn,
	MovementDamage,
	MovementAdjustment,
	MovementReservation,
	MovementRelease,
}

func MovementKinds() []MovementKind {
	return append([]MovementKind(nil), movementKinds...)
}

func ParseMovementKind(s string) (MovementKind, error) {
	for _, k := range movementKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown movement kind %q: %w", s, ErrInvalidKind)
}

// Movement is one immutable entry of the stock ledger. Before and After
// follow the Total counter.
type Movement struct {
	ID             int64
	ProductID      string
	Kind           MovementKind
	QuantityChange int
	QuantityBefore int
	QuantityAfter  int
	ReferenceID    string
	Notes          string
	CreatedAt      time.Time
}

// NewMovement builds an entry from a transition. ID and CreatedAt are
// assigned when the entry is appended.
func NewMovement(productID string, kind MovementKind, t Transition, referenceID, notes string) (Movement, error) {
	m := Movement{
		ProductID:      productID,
		Kind:           kind,
		QuantityChange: t.Delta(),
		QuantityBefore: t.Before,
		QuantityAfter:  t.After,
		ReferenceID:    referenceID,
		Notes:          notes,
	}
	if err := m.Validate(); err != nil {
		return Movement{}, err
	}
	return m, nil
}

func (m Movement) Validate() error {
	if m.QuantityBefore+m.QuantityChange != m.QuantityAfter {
		return &InvariantViolationError{
			ProductID: m.ProductID,
			Detail:    fmt.Sprintf("movement %s: %d + %d != %d", m.Kind, m.QuantityBefore, m.QuantityChange, m.QuantityAfter),
		}
	}

	var ok bool
	switch m.Kind {
	case MovementPurchase, MovementReturn:
		ok = m.QuantityChange > 0
	case MovementSale, MovementDamage:
		ok = m.QuantityChange < 0
	case MovementReservation, MovementRelease:
		ok = m.QuantityChange == 0
	case MovementAdjustment:
		ok = true
	default:
		return &InvariantViolationError{ProductID: m.ProductID, Detail: fmt.Sprintf("unknown movement kind %q", m.Kind)}
	}
	if !ok {
		return &InvariantViolationError{
			ProductID: m.ProductID,
			Detail:    fmt.Sprintf("movement %s cannot carry change %d", m.Kind, m.QuantityChange),
		}
	}
	return nil
}

// MovementSummary aggregates the log for one kind.
type MovementSummary struct {
	Kind        MovementKind
	Count       int
	TotalChange int
}

// ReplayTotal folds movements given in creation order into the Total they
// imply. ok is false if consecutive entries do not chain.
func ReplayTotal(movements []Movement) (total int, ok bool) {
	for i, m := range movements {
		if i > 0 && m.QuantityBefore != total {
			return total, false
		}
		total = m.QuantityBefore + m.QuantityChange
	}
	return total, true
}
