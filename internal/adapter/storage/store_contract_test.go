package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

func createTestInventory(t *testing.T, store port.LedgerStore, qty int) domain.Inventory {
	t.Helper()

	inv, err := domain.NewInventory("test-"+uuid.NewString(), qty, domain.DefaultLowStockThreshold, time.Now())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}
	opening, err := domain.NewMovement(inv.ProductID, domain.MovementAdjustment,
		domain.Transition{Before: 0, After: qty}, "", "Initial stock")
	if err != nil {
		t.Fatalf("opening movement: %v", err)
	}

	created, _, err := store.CreateInventory(context.Background(), *inv, opening)
	if err != nil {
		t.Fatalf("CreateInventory failed: %v", err)
	}
	return created
}

func reserveMutation(t *testing.T, inv domain.Inventory, qty int, ref string) port.Mutation {
	t.Helper()

	next := inv
	tr, err := next.Reserve(qty)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	mv, err := domain.NewMovement(inv.ProductID, domain.MovementReservation, tr, ref, "Reserved for order "+ref)
	if err != nil {
		t.Fatalf("movement: %v", err)
	}

	mut := port.Mutation{Inventory: next, ExpectedVersion: inv.Version, Movement: mv}
	if ref != "" {
		r := domain.NewReservation(inv.ProductID, ref, qty, time.Now().UTC(), 0)
		mut.Reservation = &r
	}
	return mut
}

// runStoreContract exercises the behaviour every LedgerStore must share.
func runStoreContract(t *testing.T, store port.LedgerStore) {
	t.Run("CreateDuplicate", func(t *testing.T) {
		ctx := context.Background()
		inv := createTestInventory(t, store, 10)

		opening, _ := domain.NewMovement(inv.ProductID, domain.MovementAdjustment, domain.Transition{Before: 0, After: 10}, "", "")
		_, _, err := store.CreateInventory(ctx, inv, opening)
		if !errors.Is(err, domain.ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey, got: %v", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := store.GetInventory(context.Background(), "missing-"+uuid.NewString())
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ApplyBumpsVersion", func(t *testing.T) {
		ctx := context.Background()
		inv := createTestInventory(t, store, 100)

		saved, mv, err := store.Apply(ctx, reserveMutation(t, inv, 5, "ORDER-1"))
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if saved.Version != inv.Version+1 {
			t.Errorf("expected version %d, got %d", inv.Version+1, saved.Version)
		}
		if mv.ID == 0 || mv.CreatedAt.IsZero() {
			t.Errorf("expected id and timestamp to be assigned, got %+v", mv)
		}

		got, err := store.GetInventory(ctx, inv.ProductID)
		if err != nil {
			t.Fatalf("GetInventory failed: %v", err)
		}
		if got.Available != 95 || got.Reserved != 5 || got.Total != 100 {
			t.Errorf("unexpected state %+v", got)
		}

		r, err := store.GetReservation(ctx, inv.ProductID, "ORDER-1")
		if err != nil {
			t.Fatalf("GetReservation failed: %v", err)
		}
		if r.Quantity != 5 || r.Status != domain.ReservationActive {
			t.Errorf("unexpected reservation %+v", r)
		}
	})

	t.Run("ApplyStaleVersion", func(t *testing.T) {
		ctx := context.Background()
		inv := createTestInventory(t, store, 100)

		if _, _, err := store.Apply(ctx, reserveMutation(t, inv, 1, "")); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}

		_, _, err := store.Apply(ctx, reserveMutation(t, inv, 1, ""))
		if !errors.Is(err, domain.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification, got: %v", err)
		}

		movements, _ := store.ListMovements(ctx, port.MovementFilter{ProductID: inv.ProductID})
		if len(movements) != 2 {
			t.Errorf("expected 2 movements, got %d", len(movements))
		}
	})

	t.Run("ApplyMissingProduct", func(t *testing.T) {
		inv := domain.Inventory{ProductID: "missing-" + uuid.NewString(), Available: 10, Total: 10}
		_, _, err := store.Apply(context.Background(), reserveMutation(t, inv, 1, ""))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ApplyRejectsBrokenMovement", func(t *testing.T) {
		ctx := context.Background()
		inv := createTestInventory(t, store, 10)

		mut := reserveMutation(t, inv, 1, "")
		mut.Movement.QuantityAfter = 9

		_, _, err := store.Apply(ctx, mut)
		if !domain.IsInvariantViolation(err) {
			t.Errorf("expected invariant violation, got: %v", err)
		}

		got, _ := store.GetInventory(ctx, inv.ProductID)
		if got.Version != inv.Version || got.Available != 10 {
			t.Errorf("rejected mutation must not be written, got %+v", got)
		}
	})

	t.Run("MovementsNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		inv := createTestInventory(t, store, 50)

		cur := inv
		for _, ref := range []string{"A", "B", "C"} {
			saved, _, err := store.Apply(ctx, reserveMutation(t, cur, 1, ref))
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			cur = saved
		}

		all, err := store.ListMovements(ctx, port.MovementFilter{ProductID: inv.ProductID})
		if err != nil {
			t.Fatalf("ListMovements failed: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("expected 4 movements, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i-1].ID <= all[i].ID {
				t.Errorf("movements not newest first: %d before %d", all[i-1].ID, all[i].ID)
			}
		}

		byRef, _ := store.ListMovements(ctx, port.MovementFilter{ProductID: inv.ProductID, ReferenceID: "B"})
		if len(byRef) != 1 || byRef[0].ReferenceID != "B" {
			t.Errorf("unexpected reference filter result %+v", byRef)
		}

		byKind, _ := store.ListMovements(ctx, port.MovementFilter{ProductID: inv.ProductID, Kind: domain.MovementAdjustment})
		if len(byKind) != 1 {
			t.Errorf("expected 1 adjustment, got %d", len(byKind))
		}

		limited, _ := store.ListMovements(ctx, port.MovementFilter{ProductID: inv.ProductID, Limit: 2})
		if len(limited) != 2 || limited[0].ReferenceID != "C" {
			t.Errorf("unexpected limited result %+v", limited)
		}

		future, _ := store.ListMovements(ctx, port.MovementFilter{ProductID: inv.ProductID, From: time.Now().Add(time.Hour)})
		if len(future) != 0 {
			t.Errorf("expected no movements in the future, got %d", len(future))
		}

		// From is inclusive and To exclusive, measured on stored timestamps.
		newest := all[0]
		window := port.MovementFilter{ProductID: inv.ProductID, From: all[len(all)-1].CreatedAt, To: newest.CreatedAt}
		inWindow, err := store.ListMovements(ctx, window)
		if err != nil {
			t.Fatalf("ListMovements failed: %v", err)
		}
		var wantIDs, gotIDs []int64
		for _, m := range all {
			if window.Matches(m) {
				wantIDs = append(wantIDs, m.ID)
			}
		}
		for _, m := range inWindow {
			if m.ID == newest.ID {
				t.Errorf("movement at To must be excluded: %+v", m)
			}
			gotIDs = append(gotIDs, m.ID)
		}
		if len(gotIDs) != len(wantIDs) {
			t.Fatalf("window: expected ids %v, got %v", wantIDs, gotIDs)
		}
		for i := range wantIDs {
			if gotIDs[i] != wantIDs[i] {
				t.Errorf("window[%d]: expected id %d, got %d", i, wantIDs[i], gotIDs[i])
			}
		}

		exact, _ := store.ListMovements(ctx, port.MovementFilter{
			ProductID: inv.ProductID,
			From:      newest.CreatedAt,
			To:        newest.CreatedAt.Add(time.Microsecond),
		})
		found := false
		for _, m := range exact {
			found = found || m.ID == newest.ID
		}
		if !found {
			t.Errorf("movement at From must be included, got %+v", exact)
		}

		summary, err := store.SummarizeMovements(ctx, inv.ProductID)
		if err != nil {
			t.Fatalf("SummarizeMovements failed: %v", err)
		}
		want := []domain.MovementSummary{
			{Kind: domain.MovementAdjustment, Count: 1, TotalChange: 50},
			{Kind: domain.MovementReservation, Count: 3, TotalChange: 0},
		}
		if len(summary) != len(want) {
			t.Fatalf("expected %v, got %v", want, summary)
		}
		for i := range want {
			if summary[i] != want[i] {
				t.Errorf("summary[%d]: expected %+v, got %+v", i, want[i], summary[i])
			}
		}
	})

	t.Run("ExpiredReservations", func(t *testing.T) {
		ctx := context.Background()
		inv := createTestInventory(t, store, 10)

		mut := reserveMutation(t, inv, 2, "EXP-1")
		mut.Reservation.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		if _, _, err := store.Apply(ctx, mut); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}

		expired, err := store.ListExpiredReservations(ctx, time.Now(), 1000)
		if err != nil {
			t.Fatalf("ListExpiredReservations failed: %v", err)
		}
		found := false
		for _, r := range expired {
			if r.ProductID == inv.ProductID && r.ReferenceID == "EXP-1" {
				found = true
			}
		}
		if !found {
			t.Error("expected expired reservation to be listed")
		}
	})

	t.Run("ConcurrentApply", func(t *testing.T) {
		ctx := context.Background()
		inv := createTestInventory(t, store, 20)

		var successCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := store.Apply(ctx, reserveMutation(t, inv, 1, ""))
				if err == nil {
					successCount.Add(1)
				} else if !errors.Is(err, domain.ErrConcurrentModification) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if successCount.Load() != 1 {
			t.Errorf("expected exactly 1 success for one version, got %d", successCount.Load())
		}
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}
