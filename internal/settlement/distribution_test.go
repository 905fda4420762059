package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

const saleToken = "0x1111111111111111111111111111111111111111"

func executedBid(id string, fill, unitPrice, realized string) auction.Bid {
	return auction.Bid{
		ID:            id,
		AuctionID:     "auc1",
		Bidder:        "0xbidder-" + id,
		BidToken:      "0xaaa",
		BidAmount:     dec("1"),
		RequestedQty:  dec(fill),
		FillQty:       dec(fill),
		UnitPrice:     dec(unitPrice),
		RealizedValue: dec(realized),
		Status:        auction.BidExecuted,
	}
}

func TestDistributor(t *testing.T) {
	ctx := context.Background()

	t.Run("pays out full fill when conversion matched expectations", func(t *testing.T) {
		bid := executedBid("b1", "100", "2", "200") // 200/2 = 100 tokens owed
		store := newMemStore(bid)
		exec := &mockExecutor{}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{bid}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exec.soloCalls != 1 {
			t.Errorf("solo calls = %d", exec.soloCalls)
		}
		if !exec.transfers[0].Qty.Equal(dec("100")) {
			t.Errorf("qty = %s, want 100", exec.transfers[0].Qty)
		}
		got := store.get("b1")
		if got.Status != auction.BidExecuted || got.DistTxRef == "" {
			t.Errorf("b1: status=%s distTx=%q", got.Status, got.DistTxRef)
		}
	})

	t.Run("slippage within tolerance distributes reduced amount", func(t *testing.T) {
		// realized 199.5 at unit price 2 -> 99.75 owed, 0.25% under fill
		bid := executedBid("b1", "100", "2", "199.5")
		store := newMemStore(bid)
		exec := &mockExecutor{}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{bid}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(exec.transfers) != 1 || !exec.transfers[0].Qty.Equal(dec("99.75")) {
			t.Fatalf("transfers = %+v", exec.transfers)
		}
	})

	t.Run("slippage beyond tolerance rejects the bid", func(t *testing.T) {
		// realized 150 at unit price 2 -> 75 owed, 25% under fill
		bid := executedBid("b1", "100", "2", "150")
		store := newMemStore(bid)
		exec := &mockExecutor{}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{bid}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exec.calls() != 0 {
			t.Error("no transfer should happen for a rejected bid")
		}
		got := store.get("b1")
		if got.Status != auction.BidFailed {
			t.Fatalf("status = %s, want failed", got.Status)
		}
		if !strings.Contains(got.FailReason, "slippage") {
			t.Errorf("reason = %q", got.FailReason)
		}
	})

	t.Run("favorable conversion never exceeds committed fill", func(t *testing.T) {
		// realized 220 at unit price 2 -> 110 owed, capped at 100
		bid := executedBid("b1", "100", "2", "220")
		store := newMemStore(bid)
		exec := &mockExecutor{}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{bid}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !exec.transfers[0].Qty.Equal(dec("100")) {
			t.Errorf("qty = %s, want capped 100", exec.transfers[0].Qty)
		}
	})

	t.Run("multiple payouts use one batch call", func(t *testing.T) {
		b1 := executedBid("b1", "100", "2", "200")
		b2 := executedBid("b2", "50", "4", "200")
		store := newMemStore(b1, b2)
		exec := &mockExecutor{}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{b1, b2}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exec.batchCalls != 1 || exec.soloCalls != 0 {
			t.Errorf("batch=%d solo=%d, want one batch call", exec.batchCalls, exec.soloCalls)
		}
		if len(exec.transfers) != 2 {
			t.Errorf("transfers = %d", len(exec.transfers))
		}
	})

	t.Run("executor failure flags bids distinctly for reconciliation", func(t *testing.T) {
		bid := executedBid("b1", "100", "2", "200")
		store := newMemStore(bid)
		exec := &mockExecutor{err: errors.New("nonce too low")}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{bid}); err != nil {
			t.Fatalf("distribution failure must not abort the run: %v", err)
		}
		got := store.get("b1")
		if got.Status != auction.BidFailed {
			t.Fatalf("status = %s", got.Status)
		}
		if !strings.Contains(got.FailReason, "distribution failed after conversion") {
			t.Errorf("reason should mark post-conversion failure, got %q", got.FailReason)
		}
	})

	t.Run("already-distributed bids are skipped", func(t *testing.T) {
		bid := executedBid("b1", "100", "2", "200")
		bid.DistTxRef = "0xdone"
		store := newMemStore(bid)
		exec := &mockExecutor{}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{bid}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exec.calls() != 0 {
			t.Error("re-run must not pay the same bid twice")
		}
	})

	t.Run("zero unit price pays the committed fill", func(t *testing.T) {
		bid := executedBid("b1", "100", "0", "0")
		store := newMemStore(bid)
		exec := &mockExecutor{}
		d := NewDistributor(exec, store, 0.01, testLog())

		if err := d.Distribute(ctx, saleToken, []auction.Bid{bid}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(exec.transfers) != 1 || !exec.transfers[0].Qty.Equal(dec("100")) {
			t.Fatalf("transfers = %+v", exec.transfers)
		}
	})
}
