package evm

import (
	"context"
	"sort"
	"sync"
)

// PendingNonceReader is the narrow RPC capability the nonce manager needs:
// the chain's next-expected nonce for an address, inclusive of pending
// (mempool) transactions.
type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, signer string) (uint64, error)
}

// Outcome describes what happened to a reserved nonce once its owner
// observes a result.
type Outcome int

const (
	// OutcomeMined means the transaction landed on-chain; the high-water
	// mark advances past it.
	OutcomeMined Outcome = iota
	// OutcomeDropped means the nonce was never consumed (simulation-only
	// reservation, submission error before broadcast, etc.). It leaves the
	// reserved set, but Reserve does not hand it out again unless a later
	// Reconcile lowers the high-water mark back below it.
	OutcomeDropped
)

type signerState struct {
	mu        sync.Mutex
	synced    bool
	highWater uint64          // next nonce Reserve hands out; only Reconcile lowers it
	reserved  map[uint64]bool // nonces handed out but not yet released
}

// NonceManager allocates, tracks, releases, and reconciles per-signer
// transaction nonces across concurrent meta-transactions (C4). reserve never
// hands out the same integer twice until its owner releases it; ordering is
// strictly monotonic per signer.
type NonceManager struct {
	reader PendingNonceReader

	mu      sync.Mutex
	signers map[string]*signerState
}

// NewNonceManager creates a nonce manager backed by reader for the initial
// (and post-reconcile) pending-nonce lookup.
func NewNonceManager(reader PendingNonceReader) *NonceManager {
	return &NonceManager{
		reader:  reader,
		signers: make(map[string]*signerState),
	}
}

func (m *NonceManager) stateFor(signer string) *signerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signers[signer]
	if !ok {
		s = &signerState{reserved: make(map[uint64]bool)}
		m.signers[signer] = s
	}
	return s
}

// Reserve returns the smallest integer greater than the highest of the
// latest known on-chain pending nonce and any currently reserved nonce,
// consulting the RPC only on first use or after a Reconcile.
func (m *NonceManager) Reserve(ctx context.Context, signer string) (uint64, error) {
	s := m.stateFor(signer)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		pending, err := m.reader.PendingNonceAt(ctx, signer)
		if err != nil {
			return 0, err
		}
		s.highWater = pending
		s.synced = true
	}

	n := s.highWater
	for s.reserved[n] {
		n++
	}
	s.reserved[n] = true
	if n >= s.highWater {
		s.highWater = n + 1
	}
	return n, nil
}

// Release removes n from the reserved set, whatever the outcome. It never
// lowers the high-water mark (Reserve already advanced past n), so a released
// nonce is not handed out again by Reserve; only a Reconcile that re-reads a
// lower on-chain pending nonce can make it available again.
func (m *NonceManager) Release(signer string, n uint64, outcome Outcome) {
	s := m.stateFor(signer)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, n)
}

// Reconcile is called after a "nonce too low" or "already known" submission
// failure: it re-reads the on-chain pending nonce and rebuilds the reserved
// set above it, dropping any stale reservations below the new floor.
func (m *NonceManager) Reconcile(ctx context.Context, signer string) error {
	s := m.stateFor(signer)
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := m.reader.PendingNonceAt(ctx, signer)
	if err != nil {
		return err
	}

	rebuilt := make(map[uint64]bool, len(s.reserved))
	kept := make([]uint64, 0, len(s.reserved))
	for n := range s.reserved {
		if n >= pending {
			kept = append(kept, n)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	for _, n := range kept {
		rebuilt[n] = true
	}

	s.reserved = rebuilt
	s.highWater = pending
	for n := range s.reserved {
		if n >= s.highWater {
			s.highWater = n + 1
		}
	}
	s.synced = true
	return nil
}
