package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("inventory not found")
	ErrMissingProductID       = errors.New("product id is required")
	ErrDuplicateKey           = errors.New("inventory already exists")
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrInvalidKind            = errors.New("movement kind not allowed for operation")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrOverRelease            = errors.New("release exceeds reserved quantity")
	ErrOverCommit             = errors.New("commit exceeds reserved quantity")
	ErrBelowReserved          = errors.New("total cannot be set below reserved quantity")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvariantViolation     = errors.New("ledger invariant violated")
	ErrReservationExists      = errors.New("reservation already exists for reference")
	ErrReservationNotFound    = errors.New("no active reservation for reference")
	ErrReservationMismatch    = errors.New("quantity exceeds reservation")
)

// InsufficientStockError is returned by reserve and reduce.
type InsufficientStockError struct {
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type OverReleaseError struct {
	Reserved  int
	Requested int
}

func (e *OverReleaseError) Error() string {
	return fmt.Sprintf("cannot release %d: only %d reserved", e.Requested, e.Reserved)
}

func (e *OverReleaseError) Is(target error) bool { return target == ErrOverRelease }

type OverCommitError struct {
	Reserved  int
	Requested int
}

func (e *OverCommitError) Error() string {
	return fmt.Sprintf("cannot commit %d: only %d reserved", e.Requested, e.Reserved)
}

func (e *OverCommitError) Is(target error) bool { return target == ErrOverCommit }

type BelowReservedError struct {
	Reserved  int
	Requested int
}

func (e *BelowReservedError) Error() string {
	return fmt.Sprintf("cannot set total to %d: %d already reserved", e.Requested, e.Reserved)
}

func (e *BelowReservedError) Is(target error) bool { return target == ErrBelowReserved }

// ReservationMismatchError reports a commit or release asking for more than
// the referenced reservation still holds.
type ReservationMismatchError struct {
	ReferenceID string
	Held        int
	Requested   int
}

func (e *ReservationMismatchError) Error() string {
	return fmt.Sprintf("reservation %s holds %d, requested %d", e.ReferenceID, e.Held, e.Requested)
}

func (e *ReservationMismatchError) Is(target error) bool { return target == ErrReservationMismatch }

// InvariantViolationError signals a defect in the ledger itself. It must
// never be treated as a legitimate rejection.
type InvariantViolationError struct {
	ProductID string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violated for %s: %s", e.ProductID, e.Detail)
}

func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

// IsBusinessError reports whether err is an expected rejection that left the
// ledger untouched.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrMissingProductID,
		ErrDuplicateKey,
		ErrInvalidQuantity,
		ErrInvalidKind,
		ErrInsufficientStock,
		ErrOverRelease,
		ErrOverCommit,
		ErrBelowReserved,
		ErrReservationExists,
		ErrReservationNotFound,
		ErrReservationMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
