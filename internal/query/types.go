package query

// Amounts are decimal strings in base units, matching the REST API.

// TradeRecord is a persisted fill, seen from one trader.
type TradeRecord struct {
	TradeID       string `json:"tradeId"`
	Token         string `json:"token"`
	Side          string `json:"side"` // the trader's side: long or short
	OrderID       string `json:"orderId"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Status        string `json:"status"` // MATCHED, SETTLED or REVERTED
	BatchID       string `json:"batchId,omitempty"`
	MatchSequence int64  `json:"matchSequence"`
	ExecutedAt    int64  `json:"executedAt"` // epoch ms
}

// LiquidationRecord is a persisted forced close.
type LiquidationRecord struct {
	LiquidationID  string `json:"liquidationId"`
	PairID         string `json:"pairId"`
	Token          string `json:"token"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	EntryPrice     string `json:"entryPrice"`
	MarkPrice      string `json:"markPrice"`
	Penalty        string `json:"penalty"`
	Returned       string `json:"returned"`
	Shortfall      string `json:"shortfall"`
	MarginRatioBps int64  `json:"marginRatioBps"`
	Urgency        string `json:"urgency"`
	AutoDeleverage bool   `json:"autoDeleverage"`
	LiquidatedAt   int64  `json:"liquidatedAt"`
}

// JournalEntry is one ledger movement touching a trader's accounts.
type JournalEntry struct {
	JournalID     string `json:"journalId"`
	BatchID       string `json:"batchId"`
	EventRef      string `json:"eventRef"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debitAccount"`
	CreditAccount string `json:"creditAccount"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journalType"`
	Timestamp     int64  `json:"timestamp"` // epoch µs
}
