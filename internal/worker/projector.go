package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
	"github.com/rl1809/stock-ledger/pkg/logger"
)

const defaultProjectTimeout = 5 * time.Second

// Projector drains the ledger event queue with a pool of workers, forwarding
// each event to the publisher and the snapshot cache. Events of one product
// always go to the same worker, so they are projected in commit order.
type Projector struct {
	events    <-chan domain.LedgerEvent
	publisher port.EventPublisher
	cache     port.SnapshotCache
	workers   int
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewProjector accepts a nil publisher or cache; that sink is skipped.
func NewProjector(events <-chan domain.LedgerEvent, publisher port.EventPublisher, cache port.SnapshotCache, workers int) *Projector {
	if workers <= 0 {
		workers = 1
	}
	return &Projector{
		events:    events,
		publisher: publisher,
		cache:     cache,
		workers:   workers,
		timeout:   defaultProjectTimeout,
	}
}

// Start launches the workers. They stop once the event channel is closed and
// drained.
func (p *Projector) Start() {
	queues := make([]chan domain.LedgerEvent, p.workers)
	for i := range queues {
		queues[i] = make(chan domain.LedgerEvent, 64)

		p.wg.Add(1)
		go func(id int, queue <-chan domain.LedgerEvent) {
			defer p.wg.Done()
			p.workerLoop(id, queue)
		}(i, queues[i])
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for event := range p.events {
			queues[shard(event.Inventory.ProductID, len(queues))] <- event
		}
		for _, q := range queues {
			close(q)
		}
	}()

	logger.Logger.Info().Int("workers", p.workers).Msg("Started event projector")
}

// Wait blocks until every queued event has been projected.
func (p *Projector) Wait() {
	p.wg.Wait()
}

func (p *Projector) workerLoop(id int, queue <-chan domain.LedgerEvent) {
	for event := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		p.project(ctx, id, event)
		cancel()
	}
}

func (p *Projector) project(ctx context.Context, id int, event domain.LedgerEvent) {
	if p.cache != nil {
		if err := p.cache.PublishSnapshot(ctx, event.Inventory); err != nil {
			logger.Error(ctx).
				Err(err).
				Int("worker", id).
				Str("product_id", event.Inventory.ProductID).
				Msg("Failed to publish inventory snapshot")
		}
	}

	if p.publisher != nil {
		if err := p.publisher.PublishLedgerEvent(ctx, event); err != nil {
			logger.Error(ctx).
				Err(err).
				Int("worker", id).
				Str("event_id", event.ID).
				Str("product_id", event.Inventory.ProductID).
				Msg("Failed to publish ledger event")
		}
	}
}

func shard(productID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(productID))
	return int(h.Sum32() % uint32(n))
}
