package messaging

import (
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// Kafka header keys
const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
)

// Command types accepted on the commands topic.
const (
	CommandCreate  = "create"
	CommandReserve = "reserve"
	CommandRelease = "release"
	CommandCommit  = "commit"
	CommandAdd     = "add"
	CommandReduce  = "reduce"
	CommandAdjust  = "adjust"
)

// Default topics
const (
	TopicLedgerEvents  = "inventory-ledger-events"
	TopicStockCommands = "inventory-stock-commands"
)

type MovementMessage struct {
	ID             int64     `json:"id"`
	Kind           string    `json:"kind"`
	QuantityChange int       `json:"quantity_change"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type InventoryMessage struct {
	Available         int `json:"available"`
	Reserved          int `json:"reserved"`
	Total             int `json:"total"`
	LowStockThreshold int `json:"low_stock_threshold"`
	Version           int `json:"version"`
}

// MovementRecordedEvent is published for every committed ledger movement.
type MovementRecordedEvent struct {
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	ProductID  string           `json:"product_id"`
	Movement   MovementMessage  `json:"movement"`
	Inventory  InventoryMessage `json:"inventory"`
	LowStock   bool             `json:"low_stock"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// StockCommandMessage asks the ledger to perform one operation. CommandID
// doubles as the idempotency request id.
type StockCommandMessage struct {
	CommandID         string `json:"command_id"`
	Type              string `json:"type"`
	ProductID         string `json:"product_id"`
	Quantity          int    `json:"quantity"`
	NewTotal          int    `json:"new_total,omitempty"`
	LowStockThreshold *int   `json:"low_stock_threshold,omitempty"`
	ReferenceID       string `json:"reference_id,omitempty"`
	Kind              string `json:"kind,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

func newMovementRecordedEvent(e domain.LedgerEvent) MovementRecordedEvent {
	m := e.Movement
	inv := e.Inventory
	return MovementRecordedEvent{
		EventID:   e.ID,
		EventType: e.Type,
		ProductID: inv.ProductID,
		Movement: MovementMessage{
			ID:             m.ID,
			Kind:           string(m.Kind),
			QuantityChange: m.QuantityChange,
			QuantityBefore: m.QuantityBefore,
			QuantityAfter:  m.QuantityAfter,
			ReferenceID:    m.ReferenceID,
			Notes:          m.Notes,
			CreatedAt:      m.CreatedAt,
		},
		Inventory: InventoryMessage{
			Available:         inv.Available,
			Reserved:          inv.Reserved,
			Total:             inv.Total,
			LowStockThreshold: inv.LowStockThreshold,
			Version:           inv.Version,
		},
		LowStock:   e.LowStock,
		OccurredAt: e.OccurredAt,
	}
}
