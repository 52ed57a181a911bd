package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func TestClassifyAddition(t *testing.T) {
	tests := map[string]domain.MovementKind{
		"RMA-1":      domain.MovementReturn,
		"rma-2":      domain.MovementReturn,
		" RETURN-9":  domain.MovementReturn,
		"PO-1":       domain.MovementPurchase,
		"":           domain.MovementPurchase,
		"ORDER-RMA1": domain.MovementPurchase,
	}
	for ref, want := range tests {
		assert.Equal(t, want, ClassifyAddition(ref), ref)
	}
}
