package auction

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS auctions (
  id TEXT PRIMARY KEY,
  token_address TEXT NOT NULL,
  token_symbol TEXT NOT NULL,
  total_supply TEXT NOT NULL,
  target_allocation TEXT NOT NULL,
  end_time TEXT NOT NULL,
  status TEXT NOT NULL,
  clearing_price TEXT NOT NULL DEFAULT '0',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_auctions_status_end ON auctions(status, end_time);`,
		`
CREATE TABLE IF NOT EXISTS bids (
  id TEXT PRIMARY KEY,
  auction_id TEXT NOT NULL REFERENCES auctions(id) ON DELETE CASCADE,
  bidder TEXT NOT NULL,
  bid_token TEXT NOT NULL,
  bid_amount TEXT NOT NULL,
  requested_qty TEXT NOT NULL,
  status TEXT NOT NULL,
  unit_price TEXT NOT NULL DEFAULT '0',
  fill_qty TEXT NOT NULL DEFAULT '0',
  realized_value TEXT NOT NULL DEFAULT '0',
  tx_ref TEXT,
  dist_tx_ref TEXT,
  fail_reason TEXT,
  permit_json TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bids_auction_status ON bids(auction_id, status, created_at);`,
		`
CREATE TABLE IF NOT EXISTS settlement_results (
  auction_id TEXT PRIMARY KEY REFERENCES auctions(id) ON DELETE CASCADE,
  clearing_price TEXT NOT NULL,
  total_raised TEXT NOT NULL,
  unsold_supply TEXT NOT NULL,
  total_bids INTEGER NOT NULL,
  winning_bids INTEGER NOT NULL,
  losing_bids INTEGER NOT NULL,
  executed_bids INTEGER NOT NULL,
  failed_bids INTEGER NOT NULL,
  settled_at TEXT NOT NULL
);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}
