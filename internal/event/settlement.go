package event

import (
	"github.com/google/uuid"
)

// BatchSettled is emitted when the Settlement contract accepted a batch.
type BatchSettled struct {
	BatchID      uuid.UUID
	TxHash       string
	Attempts     int
	TradeIDs     []uuid.UUID
	Liquidations []uuid.UUID
}

func (b *BatchSettled) IdempotencyKey() string {
	return b.BatchID.String()
}

func (b *BatchSettled) EventType() EventType {
	return EventTypeBatchSettled
}

func (b *BatchSettled) Market() Address {
	return ZeroAddress
}

// BatchFailed is emitted when a batch exhausted its retries. The batch is kept
// for reconciliation; its trades are rolled back.
type BatchFailed struct {
	BatchID      uuid.UUID
	Attempts     int
	LastError    string
	TradeIDs     []uuid.UUID
	Liquidations []uuid.UUID
}

func (b *BatchFailed) IdempotencyKey() string {
	return b.BatchID.String()
}

func (b *BatchFailed) EventType() EventType {
	return EventTypeBatchFailed
}

func (b *BatchFailed) Market() Address {
	return ZeroAddress
}
