package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, event domain.LedgerEvent) error
}
