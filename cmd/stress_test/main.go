package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/port"
)

func main() {
	initialStock := flag.Int("stock", 20, "initial stock of the test product")
	totalRequests := flag.Int("requests", 50, "number of concurrent reservations")
	maxRetries := flag.Int("retries", service.DefaultMaxRetries, "optimistic lock retries per request")
	driver := flag.String("driver", "memory", "ledger store: memory, mysql or postgres")
	dsn := flag.String("dsn", "", "connection string for mysql or postgres")
	flag.Parse()

	ctx := context.Background()
	store, err := openStore(ctx, *driver, *dsn)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", *driver, err)
	}

	svc := service.NewLedgerService(store, service.Config{MaxRetries: *maxRetries})
	defer svc.Close()
	query := service.NewQueryService(store)

	productID := "stress-" + uuid.NewString()
	if _, err := svc.CreateInventory(ctx, service.CreateCommand{ProductID: productID, InitialQuantity: *initialStock}); err != nil {
		log.Fatalf("failed to create inventory: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var rejectedCount atomic.Int32
	var conflictCount atomic.Int32
	var errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(orderNo int) {
			defer wg.Done()

			_, err := svc.ReserveStock(ctx, service.StockCommand{
				ProductID:   productID,
				Quantity:    1,
				ReferenceID: fmt.Sprintf("ORDER-%d", orderNo),
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejectedCount.Add(1)
			case errors.Is(err, domain.ErrConcurrentModification):
				conflictCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := int(successCount.Load())
	rejected := int(rejectedCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Conflicts:        %d\n", conflictCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	want := min(*initialStock, *totalRequests)
	if success == want && rejected == *totalRequests-want {
		fmt.Printf("PASS: Exactly %d reservations succeeded, %d rejected\n", want, rejected)
	} else {
		fmt.Printf("FAIL: Expected %d reserved/%d rejected, got %d/%d\n", want, *totalRequests-want, success, rejected)
		failed = true
	}

	// Verify the ledger replays to the stored state
	inv, err := query.GetInventory(ctx, productID)
	if err != nil {
		log.Fatalf("failed to read inventory: %v", err)
	}
	fmt.Printf("Final: available=%d reserved=%d total=%d\n", inv.Available, inv.Reserved, inv.Total)

	if inv.Reserved == success && inv.Available == *initialStock-success && inv.Total == *initialStock {
		fmt.Println("PASS: Counters conserved")
	} else {
		fmt.Println("FAIL: Counters do not add up")
		failed = true
	}

	report, err := query.Replay(ctx, productID)
	if err != nil {
		log.Fatalf("failed to replay: %v", err)
	}
	if report.Consistent && report.Movements == success+1 {
		fmt.Printf("PASS: %d movements replay to total %d\n", report.Movements, report.ReplayedTotal)
	} else {
		fmt.Printf("FAIL: replay %+v\n", *report)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}

func openStore(ctx context.Context, driver, dsn string) (port.LedgerStore, error) {
	switch driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "mysql":
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(50)
		adapter := storage.NewMySQLAdapter(db)
		return adapter, adapter.EnsureSchema(ctx)
	case "postgres":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		adapter := storage.NewPostgresAdapter(pool)
		return adapter, adapter.EnsureSchema(ctx)
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}
