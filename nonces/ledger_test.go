package nonces

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rightly/storage"
)

const buyer = "0x000000000000000000000000000000000000ABc0"

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.MemoryDSN(uuid.NewString()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func TestAllocateFirstUse(t *testing.T) {
	ledger := NewLedger(setupLedgerTestDB(t))
	ctx := context.Background()

	next, err := ledger.Allocate(ctx, buyer, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected counter 1, got %d", next)
	}
	current, err := ledger.Current(ctx, buyer)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != 1 {
		t.Fatalf("expected current 1, got %d", current)
	}
}

func TestAllocateReplayConflicts(t *testing.T) {
	ledger := NewLedger(setupLedgerTestDB(t))
	ctx := context.Background()

	if _, err := ledger.Allocate(ctx, buyer, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := ledger.Allocate(ctx, buyer, 0); !errors.Is(err, ErrNonceConflict) {
		t.Fatalf("expected ErrNonceConflict on replay, got %v", err)
	}
	if _, err := ledger.Allocate(ctx, buyer, 5); !errors.Is(err, ErrNonceConflict) {
		t.Fatalf("expected ErrNonceConflict for future nonce, got %v", err)
	}
	current, _ := ledger.Current(ctx, buyer)
	if current != 1 {
		t.Fatalf("conflicts must not move the counter, got %d", current)
	}
	next, err := ledger.Allocate(ctx, buyer, 1)
	if err != nil || next != 2 {
		t.Fatalf("expected counter 2, got %d (%v)", next, err)
	}
}

func TestAllocateIsCaseInsensitive(t *testing.T) {
	ledger := NewLedger(setupLedgerTestDB(t))
	ctx := context.Background()

	if _, err := ledger.Allocate(ctx, buyer, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := ledger.Allocate(ctx, "0x000000000000000000000000000000000000abc0", 0); !errors.Is(err, ErrNonceConflict) {
		t.Fatalf("expected lower-case address to share the counter, got %v", err)
	}
}

func TestAllocateRejectsInvalidAddress(t *testing.T) {
	ledger := NewLedger(setupLedgerTestDB(t))
	if _, err := ledger.Allocate(context.Background(), "0xabc", 0); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestConcurrentAllocateSingleWinner(t *testing.T) {
	for _, expected := range []uint64{0, 1} {
		ledger := NewLedger(setupLedgerTestDB(t))
		ctx := context.Background()
		if expected == 1 {
			if _, err := ledger.Allocate(ctx, buyer, 0); err != nil {
				t.Fatalf("seed: %v", err)
			}
		}

		const callers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := ledger.Allocate(ctx, buyer, expected)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrNonceConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if wins != 1 || conflicts != callers-1 {
			t.Fatalf("expected=%d: wins=%d conflicts=%d", expected, wins, conflicts)
		}
		current, _ := ledger.Current(ctx, buyer)
		if current != expected+1 {
			t.Fatalf("expected counter %d, got %d", expected+1, current)
		}
	}
}

func TestCurrentUnknownAddressIsZero(t *testing.T) {
	ledger := NewLedger(setupLedgerTestDB(t))
	current, err := ledger.Current(context.Background(), buyer)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != 0 {
		t.Fatalf("expected 0, got %d", current)
	}
}
