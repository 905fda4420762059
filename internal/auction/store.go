package auction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store is the durable auction/bid record, backed by SQLite. All bid
// mutation after auction end goes through TransitionBid, which is atomic
// per bid and guarded by the expected current status.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) CreateAuction(ctx context.Context, a Auction) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auctions (id,token_address,token_symbol,total_supply,target_allocation,end_time,status,clearing_price,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, a.ID, a.TokenAddress, a.TokenSymbol, a.TotalSupply.String(), a.TargetAllocation.String(),
		a.EndTime.Format(time.RFC3339Nano), string(a.Status), a.ClearingPrice.String(),
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetAuction(ctx context.Context, auctionID string) (*Auction, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,token_address,token_symbol,total_supply,target_allocation,end_time,status,clearing_price,created_at,updated_at
FROM auctions WHERE id=?
`, auctionID)
	return scanAuction(row)
}

// ListDueAuctions returns auctions whose end time has passed and that
// still need settlement work. Settling auctions are included so a run
// that died after taking the lock is picked up again; live runs are
// fenced off by the orchestrator, not by this query.
func (s *Store) ListDueAuctions(ctx context.Context, now time.Time) ([]Auction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,token_address,token_symbol,total_supply,target_allocation,end_time,status,clearing_price,created_at,updated_at
FROM auctions WHERE status IN (?,?) AND end_time<=? ORDER BY end_time ASC
`, string(AuctionOpen), string(AuctionSettling), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Auction
	for rows.Next() {
		a, err := scanAuctionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TryBeginSettlement atomically flips an auction from open to settling.
// The returned bool reports whether this caller won the transition; a
// false return with no error means another settlement run holds the lock
// or the auction is already settled.
func (s *Store) TryBeginSettlement(ctx context.Context, auctionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE auctions SET status=?, updated_at=? WHERE id=? AND status=?
`, string(AuctionSettling), time.Now().Format(time.RFC3339Nano), auctionID, string(AuctionOpen))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetClearingPrice records the clearing price on a settling auction so a
// resumed run can recover it without re-running allocation.
func (s *Store) SetClearingPrice(ctx context.Context, auctionID string, price decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE auctions SET clearing_price=?, updated_at=? WHERE id=? AND status=?
`, price.String(), time.Now().Format(time.RFC3339Nano), auctionID, string(AuctionSettling))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("auction %s is not settling", auctionID)
	}
	return nil
}

// FinishSettlement persists the result and flips the auction to settled in
// one transaction.
func (s *Store) FinishSettlement(ctx context.Context, r SettlementResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE auctions SET status=?, clearing_price=?, updated_at=? WHERE id=? AND status=?
`, string(AuctionSettled), r.ClearingPrice.String(), time.Now().Format(time.RFC3339Nano),
		r.AuctionID, string(AuctionSettling))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("auction %s is not settling", r.AuctionID)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO settlement_results (auction_id,clearing_price,total_raised,unsold_supply,total_bids,winning_bids,losing_bids,executed_bids,failed_bids,settled_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, r.AuctionID, r.ClearingPrice.String(), r.TotalRaised.String(), r.UnsoldSupply.String(),
		r.TotalBids, r.WinningBids, r.LosingBids, r.ExecutedBids, r.FailedBids,
		r.SettledAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetSettlementResult(ctx context.Context, auctionID string) (*SettlementResult, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT auction_id,clearing_price,total_raised,unsold_supply,total_bids,winning_bids,losing_bids,executed_bids,failed_bids,settled_at
FROM settlement_results WHERE auction_id=?
`, auctionID)
	var (
		r                            SettlementResult
		clearing, raised, unsold, at string
	)
	if err := row.Scan(&r.AuctionID, &clearing, &raised, &unsold, &r.TotalBids,
		&r.WinningBids, &r.LosingBids, &r.ExecutedBids, &r.FailedBids, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.ClearingPrice = mustDecimal(clearing)
	r.TotalRaised = mustDecimal(raised)
	r.UnsoldSupply = mustDecimal(unsold)
	r.SettledAt, _ = time.Parse(time.RFC3339Nano, at)
	return &r, nil
}

func (s *Store) CreateBid(ctx context.Context, b Bid) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bids (id,auction_id,bidder,bid_token,bid_amount,requested_qty,status,unit_price,fill_qty,realized_value,tx_ref,dist_tx_ref,fail_reason,permit_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, b.ID, b.AuctionID, b.Bidder, b.BidToken, b.BidAmount.String(), b.RequestedQty.String(),
		string(b.Status), b.UnitPrice.String(), b.FillQty.String(), b.RealizedValue.String(),
		b.TxRef, b.DistTxRef, b.FailReason, b.PermitJSON,
		b.CreatedAt.Format(time.RFC3339Nano), b.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetBid(ctx context.Context, bidID string) (*Bid, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,auction_id,bidder,bid_token,bid_amount,requested_qty,status,unit_price,fill_qty,realized_value,tx_ref,dist_tx_ref,fail_reason,permit_json,created_at,updated_at
FROM bids WHERE id=?
`, bidID)
	b, err := scanBid(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// ListBids returns an auction's bids in one status, ordered by creation
// time ascending so earlier bids win price ties downstream.
func (s *Store) ListBids(ctx context.Context, auctionID string, status BidStatus) ([]Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,auction_id,bidder,bid_token,bid_amount,requested_qty,status,unit_price,fill_qty,realized_value,tx_ref,dist_tx_ref,fail_reason,permit_json,created_at,updated_at
FROM bids WHERE auction_id=? AND status=? ORDER BY created_at ASC, id ASC
`, auctionID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// BidUpdate carries the fields a status transition may set. Nil pointers
// leave the column untouched.
type BidUpdate struct {
	UnitPrice     *decimal.Decimal
	FillQty       *decimal.Decimal
	RealizedValue *decimal.Decimal
	TxRef         *string
	DistTxRef     *string
	FailReason    *string
}

// TransitionBid moves one bid from an expected status to a new one,
// atomically. A transition whose `from` no longer matches affects zero
// rows and returns false, which lets a resumed settlement run skip work
// another attempt already completed.
func (s *Store) TransitionBid(ctx context.Context, bidID string, from, to BidStatus, upd BidUpdate) (bool, error) {
	set := "status=?, updated_at=?"
	args := []any{string(to), time.Now().Format(time.RFC3339Nano)}
	if upd.UnitPrice != nil {
		set += ", unit_price=?"
		args = append(args, upd.UnitPrice.String())
	}
	if upd.FillQty != nil {
		set += ", fill_qty=?"
		args = append(args, upd.FillQty.String())
	}
	if upd.RealizedValue != nil {
		set += ", realized_value=?"
		args = append(args, upd.RealizedValue.String())
	}
	if upd.TxRef != nil {
		set += ", tx_ref=?"
		args = append(args, *upd.TxRef)
	}
	if upd.DistTxRef != nil {
		set += ", dist_tx_ref=?"
		args = append(args, *upd.DistTxRef)
	}
	if upd.FailReason != nil {
		set += ", fail_reason=?"
		args = append(args, *upd.FailReason)
	}
	args = append(args, bidID, string(from))

	res, err := s.db.ExecContext(ctx, `UPDATE bids SET `+set+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row *sql.Row) (*Auction, error) {
	a, err := scanAuctionFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func scanAuctionRows(rows *sql.Rows) (*Auction, error) {
	return scanAuctionFrom(rows)
}

func scanAuctionFrom(r rowScanner) (*Auction, error) {
	var (
		a                                        Auction
		supply, target, end, status, clearing    string
		created, updated                         string
	)
	if err := r.Scan(&a.ID, &a.TokenAddress, &a.TokenSymbol, &supply, &target,
		&end, &status, &clearing, &created, &updated); err != nil {
		return nil, err
	}
	a.TotalSupply = mustDecimal(supply)
	a.TargetAllocation = mustDecimal(target)
	a.Status = AuctionStatus(status)
	a.ClearingPrice = mustDecimal(clearing)
	a.EndTime, _ = time.Parse(time.RFC3339Nano, end)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &a, nil
}

func scanBid(r rowScanner) (*Bid, error) {
	var (
		b                                     Bid
		amount, qty, status, unit, fill, real string
		txRef, distTxRef, reason, permit      sql.NullString
		created, updated                      string
	)
	if err := r.Scan(&b.ID, &b.AuctionID, &b.Bidder, &b.BidToken, &amount, &qty,
		&status, &unit, &fill, &real, &txRef, &distTxRef, &reason, &permit, &created, &updated); err != nil {
		return nil, err
	}
	b.BidAmount = mustDecimal(amount)
	b.RequestedQty = mustDecimal(qty)
	b.Status = BidStatus(status)
	b.UnitPrice = mustDecimal(unit)
	b.FillQty = mustDecimal(fill)
	b.RealizedValue = mustDecimal(real)
	if txRef.Valid {
		b.TxRef = txRef.String
	}
	if distTxRef.Valid {
		b.DistTxRef = distTxRef.String
	}
	if reason.Valid {
		b.FailReason = reason.String
	}
	if permit.Valid {
		b.PermitJSON = permit.String
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &b, nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
