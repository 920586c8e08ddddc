package persistence

import (
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Writer inserts engine records into Postgres using multi-row INSERTs.
// Every insert is idempotent on the table's primary key, so a batch that
// is retried after a partial failure does not duplicate rows.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// DB returns the underlying handle.
func (w *Writer) DB() *sql.DB { return w.db }

// Records is one flush worth of rows, grouped by table.
type Records struct {
	Trades       []*event.Trade
	Reverts      []*event.TradeReverted
	Liquidations []*event.Liquidation
	Funding      []*event.FundingRateRecord
	Batches      []BatchRow
	Journals     []ledger.Journal
}

// BatchRow is the outcome of one settlement batch.
type BatchRow struct {
	BatchID      uuid.UUID
	Status       string
	Attempts     int
	TxHash       string
	LastError    string
	TradeIDs     []uuid.UUID
	Liquidations []uuid.UUID
	RecordedAt   time.Time
}

// Add files an emitted event under its table. Events that are not
// persisted are ignored; Add reports whether e was kept.
func (r *Records) Add(env event.Envelope) bool {
	ts := env.Timestamp
	switch e := env.Event.(type) {
	case *event.Trade:
		r.Trades = append(r.Trades, e)
	case *event.TradeReverted:
		r.Reverts = append(r.Reverts, e)
	case *event.Liquidation:
		r.Liquidations = append(r.Liquidations, e)
	case *event.FundingRateRecord:
		r.Funding = append(r.Funding, e)
	case *event.BatchSettled:
		r.Batches = append(r.Batches, BatchRow{
			BatchID: e.BatchID, Status: "CONFIRMED", Attempts: e.Attempts, TxHash: e.TxHash,
			TradeIDs: e.TradeIDs, Liquidations: e.Liquidations, RecordedAt: ts,
		})
	case *event.BatchFailed:
		r.Batches = append(r.Batches, BatchRow{
			BatchID: e.BatchID, Status: "FAILED", Attempts: e.Attempts, LastError: e.LastError,
			TradeIDs: e.TradeIDs, Liquidations: e.Liquidations, RecordedAt: ts,
		})
	default:
		return false
	}
	return true
}

// Len is the number of rows in r, counting journal entries individually.
func (r *Records) Len() int {
	return len(r.Trades) + len(r.Reverts) + len(r.Liquidations) + len(r.Funding) + len(r.Batches) + len(r.Journals)
}

// Reset empties r, keeping capacity.
func (r *Records) Reset() {
	r.Trades = r.Trades[:0]
	r.Reverts = r.Reverts[:0]
	r.Liquidations = r.Liquidations[:0]
	r.Funding = r.Funding[:0]
	r.Batches = r.Batches[:0]
	r.Journals = r.Journals[:0]
}

// Write stores r in one transaction and returns the row count per table.
func (w *Writer) Write(ctx context.Context, r *Records) (map[string]int, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	written := make(map[string]int)
	steps := []struct {
		table string
		rows  [][]interface{}
		stmt  insertStmt
	}{
		{"trades", tradeRows(r.Trades), tradesStmt},
		{"liquidations", liquidationRows(r.Liquidations), liquidationsStmt},
		{"funding_records", fundingRows(r.Funding), fundingStmt},
		{"settlement_batches", batchRows(r.Batches), batchesStmt},
		{"settled_items", settledItemRows(r.Batches), settledItemsStmt},
		{"journal", journalRows(r.Journals), journalStmt},
	}
	for _, s := range steps {
		if err := s.stmt.exec(ctx, tx, s.rows); err != nil {
			return nil, fmt.Errorf("write %s: %w", s.table, err)
		}
		if len(s.rows) > 0 {
			written[s.table] = len(s.rows)
		}
	}

	// reverts update trades written in this or an earlier batch
	for _, rv := range r.Reverts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memeperp.trades SET status = 'REVERTED', batch_id = $2, revert_reason = $3 WHERE trade_id = $1`,
			rv.TradeID, rv.BatchID, rv.Reason,
		); err != nil {
			return nil, fmt.Errorf("revert trade %s: %w", rv.TradeID, err)
		}
	}
	for _, b := range r.Batches {
		if b.Status != "CONFIRMED" || len(b.TradeIDs) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memeperp.trades SET status = 'SETTLED', batch_id = $1 WHERE trade_id = ANY($2::uuid[])`,
			b.BatchID, pq.Array(uuidStrings(b.TradeIDs)),
		); err != nil {
			return nil, fmt.Errorf("mark batch %s settled: %w", b.BatchID, err)
		}
	}
	if len(r.Reverts) > 0 {
		written["trades_reverted"] = len(r.Reverts)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

// --- INSERT building ---

// Postgres caps bind parameters per statement.
const maxParams = 65535

type insertStmt struct {
	table    string
	columns  []string
	conflict string
}

func (s insertStmt) exec(ctx context.Context, tx *sql.Tx, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	per := maxParams / len(s.columns)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		query, args := s.build(rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s insertStmt) build(rows [][]interface{}) (string, []interface{}) {
	n := len(s.columns)
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*n)

	for i, row := range rows {
		ph := make([]string, n)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*n+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args, row...)
	}

	query := "INSERT INTO " + s.table + " (" + strings.Join(s.columns, ", ") + ") VALUES " +
		strings.Join(values, ", ") + " ON CONFLICT " + s.conflict
	return query, args
}

var (
	tradesStmt = insertStmt{
		table: "memeperp.trades",
		columns: []string{"trade_id", "token", "long_order_id", "short_order_id", "long_trader", "short_trader",
			"long_nonce", "short_nonce", "price", "size", "taker_side", "match_sequence", "executed_at"},
		conflict: "(trade_id) DO NOTHING",
	}
	liquidationsStmt = insertStmt{
		table: "memeperp.liquidations",
		columns: []string{"liquidation_id", "trader", "token", "side", "size", "entry_price", "mark_price",
			"collateral", "realized_pnl", "penalty", "returned", "shortfall", "insurance_covered", "deficit",
			"haircut", "margin_ratio_bps", "urgency", "auto_deleverage", "liquidated_at", "pair_id"},
		conflict: "(liquidation_id) DO NOTHING",
	}
	fundingStmt = insertStmt{
		table: "memeperp.funding_records",
		columns: []string{"token", "epoch", "rate", "long_size", "short_size", "mark_price", "total_paid",
			"total_received", "rounding_residual", "positions_settled", "positions_failed", "settled_at"},
		conflict: "(token, epoch) DO NOTHING",
	}
	batchesStmt = insertStmt{
		table:    "memeperp.settlement_batches",
		columns:  []string{"batch_id", "status", "attempts", "tx_hash", "last_error", "trades", "liquidations", "recorded_at"},
		conflict: "(batch_id) DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, tx_hash = EXCLUDED.tx_hash, last_error = EXCLUDED.last_error",
	}
	settledItemsStmt = insertStmt{
		table:    "memeperp.settled_items",
		columns:  []string{"item_key", "batch_id", "settled_at"},
		conflict: "(item_key) DO NOTHING",
	}
	journalStmt = insertStmt{
		table: "memeperp.journal",
		columns: []string{"journal_id", "batch_id", "event_ref", "sequence", "debit_account", "credit_account",
			"amount", "journal_type", "ts_us"},
		conflict: "(journal_id) DO NOTHING",
	}
)

// --- Row mapping ---

func tradeRows(trades []*event.Trade) [][]interface{} {
	rows := make([][]interface{}, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []interface{}{
			t.TradeID, t.Token.Hex(), t.LongOrderID, t.ShortOrderID, t.LongTrader.Hex(), t.ShortTrader.Hex(),
			numericU64(t.LongNonce), numericU64(t.ShortNonce), numeric(t.Price), numeric(t.Size),
			t.TakerSide.String(), t.MatchSequence, t.Timestamp,
		})
	}
	return rows
}

func liquidationRows(liqs []*event.Liquidation) [][]interface{} {
	rows := make([][]interface{}, 0, len(liqs))
	for _, l := range liqs {
		rows = append(rows, []interface{}{
			l.LiquidationID, l.Trader.Hex(), l.Token.Hex(), l.Side.String(), numeric(l.Size),
			numeric(l.EntryPrice), numeric(l.MarkPrice), numeric(l.Collateral), numeric(l.RealizedPnL),
			numeric(l.Penalty), numeric(l.Returned), numeric(l.Shortfall), numeric(l.InsuranceCovered),
			numeric(l.Deficit), numeric(l.Haircut), l.MarginRatioBps, l.Urgency.String(), l.AutoDeleverage,
			l.Timestamp, l.PairID,
		})
	}
	return rows
}

func fundingRows(recs []*event.FundingRateRecord) [][]interface{} {
	rows := make([][]interface{}, 0, len(recs))
	for _, f := range recs {
		rows = append(rows, []interface{}{
			f.Token.Hex(), f.Epoch, f.Rate, numeric(f.LongSize), numeric(f.ShortSize), numeric(f.MarkPrice),
			numeric(f.TotalPaid), numeric(f.TotalReceived), numeric(f.RoundingResidual),
			f.PositionsSettled, f.PositionsFailed, f.SettlementTimestamp,
		})
	}
	return rows
}

func batchRows(batches []BatchRow) [][]interface{} {
	rows := make([][]interface{}, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []interface{}{
			b.BatchID, b.Status, b.Attempts, nullString(b.TxHash), nullString(b.LastError),
			len(b.TradeIDs), len(b.Liquidations), b.RecordedAt,
		})
	}
	return rows
}

// settledItemRows lists the item keys of confirmed batches, in the format
// settlement.Item.Key produces.
func settledItemRows(batches []BatchRow) [][]interface{} {
	var rows [][]interface{}
	for _, b := range batches {
		if b.Status != "CONFIRMED" {
			continue
		}
		for _, id := range b.TradeIDs {
			rows = append(rows, []interface{}{"trade:" + id.String(), b.BatchID, b.RecordedAt})
		}
		for _, id := range b.Liquidations {
			rows = append(rows, []interface{}{"liquidation:" + id.String(), b.BatchID, b.RecordedAt})
		}
	}
	return rows
}

func journalRows(journals []ledger.Journal) [][]interface{} {
	rows := make([][]interface{}, 0, len(journals))
	for _, j := range journals {
		rows = append(rows, []interface{}{
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount.AccountPath(),
			j.CreditAccount.AccountPath(), numeric(j.Amount), j.JournalType.String(), j.Timestamp,
		})
	}
	return rows
}

// numeric renders a big integer for a NUMERIC column; nil is zero.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func numericU64(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
