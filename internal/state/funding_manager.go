package state

import (
	"MemePerp/internal/event"
	"fmt"
	"sync"
)

const defaultFundingHistory = 168 // one week of hourly epochs

// FundingManager tracks funding epochs and keeps the recent settled
// records of every market. Shared between the funding engine and the API.
type FundingManager struct {
	mu                sync.RWMutex
	history           map[event.Address][]*event.FundingRateRecord
	expectedNextEpoch map[event.Address]int64
	capacity          int
}

func NewFundingManager(capacity int) *FundingManager {
	if capacity <= 0 {
		capacity = defaultFundingHistory
	}
	return &FundingManager{
		history:           make(map[event.Address][]*event.FundingRateRecord),
		expectedNextEpoch: make(map[event.Address]int64),
		capacity:          capacity,
	}
}

// NextEpoch returns the epoch number the next settlement of token will use.
func (fm *FundingManager) NextEpoch(token event.Address) int64 {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.expectedNextEpoch[token]
}

// StoreRecord validates the epoch sequence and appends a settled record.
// Records are immutable once stored; a repeated epoch is ignored.
func (fm *FundingManager) StoreRecord(rec *event.FundingRateRecord) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	expected := fm.expectedNextEpoch[rec.Token]
	if rec.Epoch < expected {
		return nil
	}
	if rec.Epoch > expected {
		return fmt.Errorf("funding epoch gap for %s: expected=%d, got=%d",
			rec.Token.Hex(), expected, rec.Epoch)
	}

	h := append(fm.history[rec.Token], rec)
	if len(h) > fm.capacity {
		h = h[len(h)-fm.capacity:]
	}
	fm.history[rec.Token] = h
	fm.expectedNextEpoch[rec.Token] = rec.Epoch + 1
	return nil
}

// RestoreNextEpoch sets the next expected epoch after loading history from storage.
func (fm *FundingManager) RestoreNextEpoch(token event.Address, nextEpoch int64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.expectedNextEpoch[token] = nextEpoch
}

// Recent returns up to n records for token, newest first.
func (fm *FundingManager) Recent(token event.Address, n int) []*event.FundingRateRecord {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	h := fm.history[token]
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	out := make([]*event.FundingRateRecord, 0, n)
	for i := len(h) - 1; i >= len(h)-n; i-- {
		out = append(out, h[i])
	}
	return out
}
