package service

import (
	"strings"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// ClassifyAddition picks the movement kind for incoming stock from its
// reference: RMA and RETURN references are customer returns, everything
// else is a purchase.
func ClassifyAddition(referenceID string) domain.MovementKind {
	ref := strings.ToUpper(strings.TrimSpace(referenceID))
	if strings.HasPrefix(ref, "RMA") || strings.HasPrefix(ref, "RETURN") {
		return domain.MovementReturn
	}
	return domain.MovementPurchase
}
