package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/port"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweeper_ExpiresDueReservations(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	ledger := service.NewLedgerService(store, service.Config{ReservationTTL: time.Minute}, service.WithClock(clock.Now))
	t.Cleanup(ledger.Close)

	ctx := context.Background()
	_, err := ledger.CreateInventory(ctx, service.CreateCommand{ProductID: "sku-1", InitialQuantity: 10})
	require.NoError(t, err)
	_, err = ledger.ReserveStock(ctx, service.StockCommand{ProductID: "sku-1", Quantity: 4, ReferenceID: "ORDER-1"})
	require.NoError(t, err)
	_, err = ledger.ReserveStock(ctx, service.StockCommand{ProductID: "sku-1", Quantity: 2})
	require.NoError(t, err)

	sweeper := NewSweeper(store, ledger, time.Second)
	sweeper.now = clock.Now

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Minute)

	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inv, err := store.GetInventory(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 8, inv.Available)
	assert.Equal(t, 2, inv.Reserved)
	assert.Equal(t, 10, inv.Total)

	r, err := store.GetReservation(ctx, "sku-1", "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationExpired, r.Status)

	releases, err := store.ListMovements(ctx, port.MovementFilter{ProductID: "sku-1", Kind: domain.MovementRelease})
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "ORDER-1", releases[0].ReferenceID)
	assert.Contains(t, releases[0].Notes, "expired")

	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := service.NewLedgerService(store, service.Config{})
	t.Cleanup(ledger.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(store, ledger, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
