package domain

import "time"

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation tracks the quantity still held for one reference on one product.
type Reservation struct {
	ProductID   string
	ReferenceID string
	Quantity    int
	Status      ReservationStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time // zero means no expiry
}

func NewReservation(productID, referenceID string, qty int, now time.Time, ttl time.Duration) Reservation {
	r := Reservation{
		ProductID:   productID,
		ReferenceID: referenceID,
		Quantity:    qty,
		Status:      ReservationActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ttl > 0 {
		r.ExpiresAt = now.Add(ttl)
	}
	return r
}

func (r Reservation) IsActive() bool { return r.Status == ReservationActive }

func (r Reservation) IsExpired(now time.Time) bool {
	return r.IsActive() && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Settle takes qty out of the reservation. When nothing is left it moves to
// the given terminal status.
func (r *Reservation) Settle(qty int, terminal ReservationStatus, now time.Time) error {
	if !r.IsActive() {
		return ErrReservationNotFound
	}
	if qty > r.Quantity {
		return &ReservationMismatchError{ReferenceID: r.ReferenceID, Held: r.Quantity, Requested: qty}
	}

	r.Quantity -= qty
	r.UpdatedAt = now
	if r.Quantity == 0 {
		r.Status = terminal
	}
	return nil
}
