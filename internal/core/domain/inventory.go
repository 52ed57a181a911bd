package domain

import (
	"fmt"
	"time"
)

const DefaultLowStockThreshold = 10

// Inventory is the stock position of a single product.
// Total always equals Available + Reserved.
type Inventory struct {
	ProductID         string
	Available         int
	Reserved          int
	Total             int
	LowStockThreshold int
	Version           int // optimistic locking
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transition carries the Total before and after a state change.
type Transition struct {
	Before int
	After  int
}

func (t Transition) Delta() int { return t.After - t.Before }

func NewInventory(productID string, initialQty, threshold int, now time.Time) (*Inventory, error) {
	if productID == "" {
		return nil, ErrMissingProductID
	}
	if initialQty < 0 || threshold < 0 {
		return nil, ErrInvalidQuantity
	}

	return &Inventory{
		ProductID:         productID,
		Available:         initialQty,
		Reserved:          0,
		Total:             initialQty,
		LowStockThreshold: threshold,
		Version:           0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Reserve moves qty from available to reserved.
func (i *Inventory) Reserve(qty int) (Transition, error) {
	if qty <= 0 {
		return Transition{}, ErrInvalidQuantity
	}
	if i.Available < qty {
		return Transition{}, &InsufficientStockError{Available: i.Available, Requested: qty}
	}

	i.Available -= qty
	i.Reserved += qty
	return Transition{Before: i.Total, After: i.Total}, nil
}

// Release moves qty from reserved back to available.
func (i *Inventory) Release(qty int) (Transition, error) {
	if qty <= 0 {
		return Transition{}, ErrInvalidQuantity
	}
	if i.Reserved < qty {
		return Transition{}, &OverReleaseError{Reserved: i.Reserved, Requested: qty}
	}

	i.Reserved -= qty
	i.Available += qty
	return Transition{Before: i.Total, After: i.Total}, nil
}

// Commit removes qty that was already taken out of available by Reserve.
func (i *Inventory) Commit(qty int) (Transition, error) {
	if qty <= 0 {
		return Transition{}, ErrInvalidQuantity
	}
	if i.Reserved < qty {
		return Transition{}, &OverCommitError{Reserved: i.Reserved, Requested: qty}
	}

	before := i.Total
	i.Reserved -= qty
	i.Total -= qty
	return Transition{Before: before, After: i.Total}, nil
}

func (i *Inventory) AddStock(qty int) (Transition, error) {
	if qty <= 0 {
		return Transition{}, ErrInvalidQuantity
	}

	before := i.Total
	i.Available += qty
	i.Total += qty
	return Transition{Before: before, After: i.Total}, nil
}

func (i *Inventory) ReduceStock(qty int) (Transition, error) {
	if qty <= 0 {
		return Transition{}, ErrInvalidQuantity
	}
	if i.Available < qty {
		return Transition{}, &InsufficientStockError{Available: i.Available, Requested: qty}
	}

	before := i.Total
	i.Available -= qty
	i.Total -= qty
	return Transition{Before: before, After: i.Total}, nil
}

// AdjustTo sets the physical count. Reserved quantity is never touched, so
// newTotal may not drop below it.
func (i *Inventory) AdjustTo(newTotal int) (Transition, error) {
	if newTotal < 0 {
		return Transition{}, ErrInvalidQuantity
	}
	if newTotal < i.Reserved {
		return Transition{}, &BelowReservedError{Reserved: i.Reserved, Requested: newTotal}
	}

	before := i.Total
	i.Total = newTotal
	i.Available = newTotal - i.Reserved
	return Transition{Before: before, After: i.Total}, nil
}

func (i *Inventory) CheckInvariants() error {
	switch {
	case i.Available < 0 || i.Reserved < 0 || i.Total < 0:
		return &InvariantViolationError{
			ProductID: i.ProductID,
			Detail:    fmt.Sprintf("negative counter: available=%d reserved=%d total=%d", i.Available, i.Reserved, i.Total),
		}
	case i.Total != i.Available+i.Reserved:
		return &InvariantViolationError{
			ProductID: i.ProductID,
			Detail:    fmt.Sprintf("total %d != available %d + reserved %d", i.Total, i.Available, i.Reserved),
		}
	}
	return nil
}

func (i *Inventory) IsLowStock() bool { return i.Available < i.LowStockThreshold }

func (i *Inventory) IsOutOfStock() bool { return i.Available <= 0 }
