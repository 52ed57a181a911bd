package domain

import "time"

const EventTypeMovementRecorded = "movement.recorded"

// LedgerEvent is emitted after a mutation has been committed.
type LedgerEvent struct {
	ID         string
	Type       string
	Movement   Movement
	Inventory  Inventory
	LowStock   bool
	OccurredAt time.Time
}
