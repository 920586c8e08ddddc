package query

import (
	"MemePerp/internal/event"
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Service serves trader history from the persisted tables. Live state
// (balances, positions, the book) is answered by the exchange instead.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// ClampLimit bounds a client-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Trades returns the trader's fills, newest first. A non-zero before
// returns only fills older than that match time.
func (s *Service) Trades(ctx context.Context, trader event.Address, before time.Time, limit int) ([]TradeRecord, error) {
	addr := trader.Hex()
	query := `
		SELECT trade_id, token,
		       CASE WHEN long_trader = $1 THEN 'long' ELSE 'short' END,
		       CASE WHEN long_trader = $1 THEN long_order_id ELSE short_order_id END,
		       price::text, size::text, status, COALESCE(batch_id::text, ''),
		       match_sequence, executed_at
		FROM memeperp.trades
		WHERE (long_trader = $1 OR short_trader = $1)
	`
	args := []interface{}{addr}
	argIdx := 2

	if !before.IsZero() {
		query += fmt.Sprintf(" AND executed_at < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}
	query += " ORDER BY executed_at DESC, match_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, ClampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			t  TradeRecord
			at time.Time
		)
		if err := rows.Scan(
			&t.TradeID, &t.Token, &t.Side, &t.OrderID, &t.Price, &t.Size,
			&t.Status, &t.BatchID, &t.MatchSequence, &at,
		); err != nil {
			return nil, err
		}
		t.ExecutedAt = at.UnixMilli()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Liquidations returns the trader's liquidations and ADL reductions,
// newest first.
func (s *Service) Liquidations(ctx context.Context, trader event.Address, limit int) ([]LiquidationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT liquidation_id, pair_id, token, side, size::text, entry_price::text, mark_price::text,
		       penalty::text, returned::text, shortfall::text, margin_ratio_bps, urgency,
		       auto_deleverage, liquidated_at
		FROM memeperp.liquidations
		WHERE trader = $1
		ORDER BY liquidated_at DESC
		LIMIT $2
	`, trader.Hex(), ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationRecord
	for rows.Next() {
		var (
			l  LiquidationRecord
			at time.Time
		)
		if err := rows.Scan(
			&l.LiquidationID, &l.PairID, &l.Token, &l.Side, &l.Size, &l.EntryPrice, &l.MarkPrice,
			&l.Penalty, &l.Returned, &l.Shortfall, &l.MarginRatioBps, &l.Urgency,
			&l.AutoDeleverage, &at,
		); err != nil {
			return nil, err
		}
		l.LiquidatedAt = at.UnixMilli()
		out = append(out, l)
	}
	return out, rows.Err()
}

// Journal returns ledger movements on the trader's accounts, newest first.
// A positive afterSequence pages backwards from that batch sequence.
func (s *Service) Journal(ctx context.Context, trader event.Address, afterSequence int64, limit int) ([]JournalEntry, error) {
	prefix := "user:" + trader.Hex() + ":%"
	query := `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       amount::text, journal_type, ts_us
		FROM memeperp.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{prefix}
	argIdx := 2

	if afterSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, afterSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, ClampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var j JournalEntry
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence, &j.DebitAccount,
			&j.CreditAccount, &j.Amount, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
