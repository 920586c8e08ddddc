// Package nonce tracks per-trader order nonces. The on-chain Settlement
// contract is the source of truth for the last nonce it has seen; this ledger
// layers orders that are resting or awaiting settlement on top of that seed.
package nonce

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"context"
	"fmt"
	"sync"
	"time"
)

// ChainReader returns the on-chain nonce counter for a trader: the lowest
// nonce the contract will still accept.
type ChainReader interface {
	Nonces(ctx context.Context, trader event.Address) (uint64, error)
}

type traderState struct {
	// base is the first nonce the chain accepts at seed time.
	base     uint64
	consumed uint64
	hasUsed  bool
	pending  map[uint64]struct{}
}

func (s *traderState) expected() uint64 {
	next := s.base
	if s.hasUsed && s.consumed+1 > next {
		next = s.consumed + 1
	}
	for n := range s.pending {
		if n+1 > next {
			next = n + 1
		}
	}
	return next
}

// Ledger is safe for concurrent use by every market worker.
type Ledger struct {
	mu      sync.Mutex
	traders map[event.Address]*traderState
	chain   ChainReader
	timeout time.Duration
}

func NewLedger(chain ChainReader, seedTimeout time.Duration) *Ledger {
	if seedTimeout <= 0 {
		seedTimeout = 2 * time.Second
	}
	return &Ledger{
		traders: make(map[event.Address]*traderState),
		chain:   chain,
		timeout: seedTimeout,
	}
}

// Seed loads the trader's on-chain nonce the first time the trader is seen.
// It performs chain I/O and must not be called from a market worker.
func (l *Ledger) Seed(ctx context.Context, trader event.Address) error {
	l.mu.Lock()
	_, ok := l.traders[trader]
	l.mu.Unlock()
	if ok {
		return nil
	}

	var base uint64
	if l.chain != nil {
		cctx, cancel := context.WithTimeout(ctx, l.timeout)
		n, err := l.chain.Nonces(cctx, trader)
		cancel()
		if err != nil {
			return fmt.Errorf("seed nonce for %s: %w", trader.Hex(), err)
		}
		base = n
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.traders[trader]; !ok {
		l.traders[trader] = &traderState{base: base, pending: make(map[uint64]struct{})}
	}
	return nil
}

func (l *Ledger) state(trader event.Address) *traderState {
	s, ok := l.traders[trader]
	if !ok {
		s = &traderState{pending: make(map[uint64]struct{})}
		l.traders[trader] = s
	}
	return s
}

// Expected returns the next usable nonce for trader.
func (l *Ledger) Expected(trader event.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(trader).expected()
}

// Reserve claims nonce for a newly accepted order.
func (l *Ledger) Reserve(trader event.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(trader)
	if want := s.expected(); nonce != want {
		return apperr.New(apperr.CodeNonceMismatch, "expected nonce %d, got %d", want, nonce)
	}
	s.pending[nonce] = struct{}{}
	return nil
}

// Consume marks nonce as used by a trade queued for settlement. Consuming a
// nonce twice is a no-op so every fill of one order may call it.
func (l *Ledger) Consume(trader event.Address, nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(trader)
	delete(s.pending, nonce)
	if !s.hasUsed || nonce > s.consumed {
		s.consumed = nonce
		s.hasUsed = true
	}
}

// Release frees a reserved nonce whose order ended without a fill.
func (l *Ledger) Release(trader event.Address, nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state(trader).pending, nonce)
}

// Restore puts a consumed nonce back into the pending set after its
// settlement batch failed and the order returned to PENDING.
func (l *Ledger) Restore(trader event.Address, nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(trader)
	s.pending[nonce] = struct{}{}
	if s.hasUsed && s.consumed == nonce {
		if nonce == 0 || nonce-1 < s.base {
			s.hasUsed = false
			s.consumed = 0
		} else {
			s.consumed = nonce - 1
		}
	}
}

// Snapshot reports the per-trader view used by the nonce endpoint and tests.
type Snapshot struct {
	Base     uint64
	Consumed uint64
	HasUsed  bool
	Pending  int
	Expected uint64
}

func (l *Ledger) Snapshot(trader event.Address) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state(trader)
	return Snapshot{
		Base:     s.base,
		Consumed: s.consumed,
		HasUsed:  s.hasUsed,
		Pending:  len(s.pending),
		Expected: s.expected(),
	}
}
