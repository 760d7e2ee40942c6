package evm

import (
	"context"
	"sync"
	"testing"
)

type fakePendingNonceReader struct {
	mu      sync.Mutex
	pending map[string]uint64
	calls   int
}

func (f *fakePendingNonceReader) PendingNonceAt(ctx context.Context, signer string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pending[signer], nil
}

func TestReserveMonotonicFirstUse(t *testing.T) {
	reader := &fakePendingNonceReader{pending: map[string]uint64{"0xabc": 5}}
	mgr := NewNonceManager(reader)

	n, err := mgr.Reserve(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected first reserve to return pending nonce 5, got %d", n)
	}

	n2, err := mgr.Reserve(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if n2 != 6 {
		t.Fatalf("expected second reserve to return 6, got %d", n2)
	}
	if reader.calls != 1 {
		t.Fatalf("expected exactly one RPC call on first use, got %d", reader.calls)
	}
}

func TestReserveConcurrentIsStrictlyMonotonic(t *testing.T) {
	reader := &fakePendingNonceReader{pending: map[string]uint64{"0xabc": 0}}
	mgr := NewNonceManager(reader)

	const n = 200
	results := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := mgr.Reserve(context.Background(), "0xabc")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for v := range results {
		if seen[v] {
			t.Fatalf("nonce %d handed out twice", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct nonces, got %d", n, len(seen))
	}
}

func TestReleaseDroppedDoesNotRewindReserve(t *testing.T) {
	reader := &fakePendingNonceReader{pending: map[string]uint64{"0xabc": 0}}
	mgr := NewNonceManager(reader)

	n1, _ := mgr.Reserve(context.Background(), "0xabc")
	n2, _ := mgr.Reserve(context.Background(), "0xabc")
	if n1 == n2 {
		t.Fatal("expected distinct reservations")
	}

	mgr.Release("0xabc", n1, OutcomeDropped)

	n3, _ := mgr.Reserve(context.Background(), "0xabc")
	if n3 != n2+1 {
		t.Fatalf("expected reserve after release to continue monotonically at %d, got %d", n2+1, n3)
	}
}

func TestReconcileRebuildsAboveNewPendingFloor(t *testing.T) {
	reader := &fakePendingNonceReader{pending: map[string]uint64{"0xabc": 0}}
	mgr := NewNonceManager(reader)

	for i := 0; i < 3; i++ {
		if _, err := mgr.Reserve(context.Background(), "0xabc"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}

	reader.mu.Lock()
	reader.pending["0xabc"] = 10
	reader.mu.Unlock()

	if err := mgr.Reconcile(context.Background(), "0xabc"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	n, err := mgr.Reserve(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected reserve after reconcile to return new floor 10, got %d", n)
	}
}
