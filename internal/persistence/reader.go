package persistence

import (
	"MemePerp/internal/event"
	"context"
	"database/sql"
	"fmt"
)

// SettledItems answers settlement dedup lookups from memeperp.settled_items.
// It implements settlement.SettledLookup.
type SettledItems struct {
	db *sql.DB
}

func NewSettledItems(db *sql.DB) *SettledItems {
	return &SettledItems{db: db}
}

// IsSettled reports whether an item key was confirmed on chain.
func (s *SettledItems) IsSettled(ctx context.Context, key string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memeperp.settled_items WHERE item_key = $1 LIMIT 1`, key,
	).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Recent returns up to limit settled keys, oldest first, for warming the
// in-memory dedup cache at startup.
func (s *SettledItems) Recent(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_key FROM (
			SELECT item_key, settled_at FROM memeperp.settled_items
			ORDER BY settled_at DESC LIMIT $1
		) recent ORDER BY settled_at ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// NextFundingEpochs returns, per market, the epoch after the last one
// recorded, so funding resumes where the previous run stopped.
func NextFundingEpochs(ctx context.Context, db *sql.DB) (map[event.Address]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT token, MAX(epoch) FROM memeperp.funding_records GROUP BY token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[event.Address]int64)
	for rows.Next() {
		var (
			token string
			epoch int64
		)
		if err := rows.Scan(&token, &epoch); err != nil {
			return nil, err
		}
		addr, err := event.ParseAddress(token)
		if err != nil {
			return nil, fmt.Errorf("funding_records token %q: %w", token, err)
		}
		out[addr] = epoch + 1
	}
	return out, rows.Err()
}
