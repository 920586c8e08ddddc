package chain

import (
	"MemePerp/internal/event"
	"MemePerp/internal/settlement"
	"MemePerp/internal/signing"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ErrInjected is the default error of an injected settlement failure.
var ErrInjected = errors.New("injected settlement failure")

// Simulated is an in-memory Settlement contract for dev mode and tests.
// Deposits and withdrawals are reported on Logs the way a chain listener
// would see them.
type Simulated struct {
	mu       sync.Mutex
	balances map[event.Address]*big.Int
	nonces   map[event.Address]uint64
	settled  map[string]struct{}
	calldata [][]byte
	block    int64
	txCount  uint64

	failNext int
	failErr  error
	latency  time.Duration

	logs chan event.Event
}

var _ Contract = (*Simulated)(nil)

func NewSimulated() *Simulated {
	return &Simulated{
		balances: make(map[event.Address]*big.Int),
		nonces:   make(map[event.Address]uint64),
		settled:  make(map[string]struct{}),
		logs:     make(chan event.Event, 1024),
	}
}

// Logs delivers Deposit and Withdrawal events.
func (s *Simulated) Logs() <-chan event.Event { return s.logs }

// FailNext makes the next n SettleBatch calls fail with err (ErrInjected
// when nil). Wrap settlement.ErrRejected to simulate a revert.
func (s *Simulated) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	s.failNext, s.failErr = n, err
}

// SetLatency delays every SettleBatch call by d.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetNonce overrides the on-chain nonce of trader.
func (s *Simulated) SetNonce(trader event.Address, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[trader] = n
}

func (s *Simulated) Deposit(ctx context.Context, trader event.Address, amount *big.Int) (*event.Deposit, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	s.mu.Lock()
	bal := s.balance(trader)
	bal.Add(bal, amount)
	d := &event.Deposit{
		TxHash: s.nextTx([]byte("deposit"), trader[:]),
		Trader: trader,
		Amount: new(big.Int).Set(amount),
		Block:  s.nextBlock(),
	}
	s.mu.Unlock()

	return d, s.publish(ctx, d)
}

func (s *Simulated) Withdraw(ctx context.Context, trader event.Address, amount *big.Int) (*event.Withdrawal, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive")
	}
	s.mu.Lock()
	bal := s.balance(trader)
	if bal.Cmp(amount) < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("withdraw %s from %s: %w", amount, trader.Hex(), ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	w := &event.Withdrawal{
		TxHash: s.nextTx([]byte("withdraw"), trader[:]),
		Trader: trader,
		Amount: new(big.Int).Set(amount),
		Block:  s.nextBlock(),
	}
	s.mu.Unlock()

	return w, s.publish(ctx, w)
}

func (s *Simulated) GetUserBalance(ctx context.Context, trader event.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance(trader)), nil
}

func (s *Simulated) Nonces(ctx context.Context, trader event.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[trader], nil
}

// SettleBatch accepts a batch once. Replayed items revert the whole batch.
// Settled trades advance the traders' on-chain nonces past the used ones.
func (s *Simulated) SettleBatch(ctx context.Context, b *settlement.Batch) (string, error) {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}

	calldata, err := EncodeSettleBatch(b)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, settlement.ErrRejected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return "", s.failErr
	}
	for _, it := range b.Items {
		if _, dup := s.settled[it.Key()]; dup {
			return "", fmt.Errorf("item %s already settled: %w", it.Key(), settlement.ErrRejected)
		}
	}

	for _, it := range b.Items {
		s.settled[it.Key()] = struct{}{}
		if t := it.Trade; t != nil {
			s.bumpNonce(t.LongTrader, t.LongNonce)
			s.bumpNonce(t.ShortTrader, t.ShortNonce)
		}
	}
	s.calldata = append(s.calldata, calldata)
	s.nextBlock()
	return s.nextTx(calldata), nil
}

// SettledBatches returns the calldata of every accepted batch.
func (s *Simulated) SettledBatches() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.calldata))
	copy(out, s.calldata)
	return out
}

func (s *Simulated) balance(trader event.Address) *big.Int {
	bal, ok := s.balances[trader]
	if !ok {
		bal = new(big.Int)
		s.balances[trader] = bal
	}
	return bal
}

func (s *Simulated) bumpNonce(trader event.Address, used uint64) {
	if used+1 > s.nonces[trader] {
		s.nonces[trader] = used + 1
	}
}

func (s *Simulated) nextBlock() int64 {
	s.block++
	return s.block
}

func (s *Simulated) nextTx(parts ...[]byte) string {
	s.txCount++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.txCount)
	h := signing.Keccak256(append(parts, n[:])...)
	return "0x" + hex.EncodeToString(h[:])
}

func (s *Simulated) publish(ctx context.Context, e event.Event) error {
	select {
	case s.logs <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
