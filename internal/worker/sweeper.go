package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
	"github.com/rl1809/stock-ledger/pkg/logger"
	"github.com/rl1809/stock-ledger/pkg/metrics"
)

const defaultSweepBatch = 100

type Expirer interface {
	ExpireReservation(ctx context.Context, productID, referenceID string) (*domain.Inventory, error)
}

// Sweeper periodically releases reservations whose TTL has passed.
type Sweeper struct {
	store    port.LedgerStore
	ledger   Expirer
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewSweeper(store port.LedgerStore, ledger Expirer, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		ledger:   ledger,
		interval: interval,
		batch:    defaultSweepBatch,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Logger.Info().Dur("interval", s.interval).Msg("Started reservation sweeper")

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info().Msg("Reservation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx).Err(err).Msg("Reservation sweep failed")
			}
		}
	}
}

// SweepOnce expires one batch of due reservations and returns how many were
// released. A reservation settled concurrently is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.store.ListExpiredReservations(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range due {
		_, err := s.ledger.ExpireReservation(ctx, r.ProductID, r.ReferenceID)
		switch {
		case err == nil:
			expired++
			metrics.ReservationsExpired.Inc()
		case errors.Is(err, domain.ErrReservationNotFound):
		default:
			logger.Warn(ctx).
				Err(err).
				Str("product_id", r.ProductID).
				Str("reference_id", r.ReferenceID).
				Msg("Failed to expire reservation")
		}
	}

	if expired > 0 {
		logger.Info(ctx).Int("expired", expired).Msg("Expired reservations released")
	}
	return expired, nil
}
