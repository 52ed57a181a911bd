package storage

import (
	"fmt"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// checkOpening and checkMutation reject writes that would corrupt the ledger
// regardless of which store receives them.
func checkOpening(inv domain.Inventory, opening domain.Movement) error {
	if err := inv.CheckInvariants(); err != nil {
		return err
	}
	if err := opening.Validate(); err != nil {
		return err
	}
	if opening.ProductID != inv.ProductID || opening.QuantityBefore != 0 || opening.QuantityAfter != inv.Total {
		return &domain.InvariantViolationError{
			ProductID: inv.ProductID,
			Detail:    fmt.Sprintf("opening movement %d -> %d does not match total %d", opening.QuantityBefore, opening.QuantityAfter, inv.Total),
		}
	}
	return nil
}

func checkMutation(m port.Mutation) error {
	if err := m.Inventory.CheckInvariants(); err != nil {
		return err
	}
	if err := m.Movement.Validate(); err != nil {
		return err
	}
	if m.Movement.ProductID != m.Inventory.ProductID || m.Movement.QuantityAfter != m.Inventory.Total {
		return &domain.InvariantViolationError{
			ProductID: m.Inventory.ProductID,
			Detail:    fmt.Sprintf("movement ends at %d but total is %d", m.Movement.QuantityAfter, m.Inventory.Total),
		}
	}
	if m.Reservation != nil && m.Reservation.ProductID != m.Inventory.ProductID {
		return &domain.InvariantViolationError{
			ProductID: m.Inventory.ProductID,
			Detail:    fmt.Sprintf("reservation belongs to %s", m.Reservation.ProductID),
		}
	}
	return nil
}

func orderSummaries(byKind map[domain.MovementKind]domain.MovementSummary) []domain.MovementSummary {
	var out []domain.MovementSummary
	for _, k := range domain.MovementKinds() {
		if sum, ok := byKind[k]; ok {
			out = append(out, sum)
		}
	}
	return out
}
