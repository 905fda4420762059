package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

const stableAddr = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

func winningBid(id, token, amount string) auction.Bid {
	return auction.Bid{
		ID:           id,
		AuctionID:    "auc1",
		Bidder:       "0xbidder-" + id,
		BidToken:     token,
		BidAmount:    dec(amount),
		RequestedQty: dec("100"),
		FillQty:      dec("100"),
		UnitPrice:    dec("1"),
		Status:       auction.BidWinning,
	}
}

func TestConverter(t *testing.T) {
	ctx := context.Background()
	cfg := ConverterConfig{
		StableToken:    stableAddr,
		StableDecimals: 6,
		Concurrency:    2,
		RatePerSec:     1000,
		CallTimeout:    time.Second,
	}

	t.Run("stable-token bid skips the venue", func(t *testing.T) {
		bid := winningBid("b1", stableAddr, "250000000") // 250 USDC raw
		store := newMemStore(bid)
		venue := &mockVenue{realized: dec("1")}
		c := NewConverter(venue, store, cfg, testLog())

		executed, failed, err := c.Convert(ctx, []auction.Bid{bid})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if venue.calls() != 0 {
			t.Errorf("venue called %d times for a stable-token bid", venue.calls())
		}
		if len(executed) != 1 || len(failed) != 0 {
			t.Fatalf("executed=%d failed=%d", len(executed), len(failed))
		}
		if !executed[0].RealizedValue.Equal(dec("250")) {
			t.Errorf("realized = %s, want 250", executed[0].RealizedValue)
		}
		if got := store.get("b1"); got.Status != auction.BidExecuted {
			t.Errorf("stored status = %s", got.Status)
		}
	})

	t.Run("case-insensitive stable token match", func(t *testing.T) {
		bid := winningBid("b1", "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", "1000000")
		store := newMemStore(bid)
		venue := &mockVenue{realized: dec("1")}
		c := NewConverter(venue, store, cfg, testLog())

		_, _, err := c.Convert(ctx, []auction.Bid{bid})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if venue.calls() != 0 {
			t.Error("venue should not be called for the stable token regardless of case")
		}
	})

	t.Run("per-bid failure does not block the batch", func(t *testing.T) {
		b1 := winningBid("b1", "0xaaa", "100")
		b2 := winningBid("b2", "0xbbb", "100")
		b3 := winningBid("b3", "0xccc", "100")
		store := newMemStore(b1, b2, b3)
		venue := &mockVenue{
			realized: dec("99"),
			failBids: map[string]error{"b2": errors.New("insufficient liquidity")},
		}
		c := NewConverter(venue, store, cfg, testLog())

		executed, failed, err := c.Convert(ctx, []auction.Bid{b1, b2, b3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(executed) != 2 {
			t.Errorf("executed = %d, want 2", len(executed))
		}
		if len(failed) != 1 {
			t.Fatalf("failed = %d, want 1", len(failed))
		}
		if failed[0].ID != "b2" {
			t.Errorf("failed bid = %s", failed[0].ID)
		}
		got := store.get("b2")
		if got.Status != auction.BidFailed || got.FailReason == "" {
			t.Errorf("b2 stored as %s reason=%q", got.Status, got.FailReason)
		}
	})

	t.Run("venue timeout marks the bid failed", func(t *testing.T) {
		shortCfg := cfg
		shortCfg.CallTimeout = 20 * time.Millisecond
		bid := winningBid("b1", "0xaaa", "100")
		store := newMemStore(bid)
		venue := &mockVenue{blockCtx: true}
		c := NewConverter(venue, store, shortCfg, testLog())

		executed, failed, err := c.Convert(ctx, []auction.Bid{bid})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(executed) != 0 || len(failed) != 1 {
			t.Fatalf("executed=%d failed=%d", len(executed), len(failed))
		}
		if store.get("b1").Status != auction.BidFailed {
			t.Error("timed-out conversion should be terminal for the bid")
		}
	})

	t.Run("records swap tx ref and realized value", func(t *testing.T) {
		bid := winningBid("b1", "0xaaa", "100")
		store := newMemStore(bid)
		venue := &mockVenue{realized: dec("42.5")}
		c := NewConverter(venue, store, cfg, testLog())

		_, _, err := c.Convert(ctx, []auction.Bid{bid})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := store.get("b1")
		if !got.RealizedValue.Equal(dec("42.5")) {
			t.Errorf("realized = %s", got.RealizedValue)
		}
		if got.TxRef != "0xswap-b1" {
			t.Errorf("tx ref = %q", got.TxRef)
		}
	})

	t.Run("partial fill converts only the filled fraction", func(t *testing.T) {
		bid := winningBid("b1", "0xaaa", "1000000")
		bid.RequestedQty = dec("400")
		bid.FillQty = dec("100") // quarter fill
		store := newMemStore(bid)
		venue := &mockVenue{realized: dec("25")}
		c := NewConverter(venue, store, cfg, testLog())

		_, _, err := c.Convert(ctx, []auction.Bid{bid})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(venue.orders) != 1 {
			t.Fatalf("orders = %d", len(venue.orders))
		}
		if !venue.orders[0].Amount.Equal(dec("250000")) {
			t.Errorf("swap amount = %s, want 250000 (quarter of the bid)", venue.orders[0].Amount)
		}
	})

	t.Run("permit is forwarded to the venue", func(t *testing.T) {
		bid := winningBid("b1", "0xaaa", "100")
		bid.PermitJSON = `{"deadline":123}`
		store := newMemStore(bid)
		venue := &mockVenue{realized: dec("1")}
		c := NewConverter(venue, store, cfg, testLog())

		_, _, err := c.Convert(ctx, []auction.Bid{bid})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(venue.orders) != 1 || venue.orders[0].PermitJSON != bid.PermitJSON {
			t.Error("permit payload was not forwarded")
		}
	})

	t.Run("unrecorded outcome is reported in neither slice", func(t *testing.T) {
		bid := winningBid("b1", "0xaaa", "100")
		store := &brokenStore{
			memStore: newMemStore(bid),
			failTo:   auction.BidExecuted,
		}
		venue := &mockVenue{realized: dec("99")}
		c := NewConverter(venue, store, cfg, testLog())

		executed, failed, err := c.Convert(ctx, []auction.Bid{bid})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(executed) != 0 || len(failed) != 0 {
			t.Fatalf("executed=%d failed=%d, want neither for an unrecorded bid", len(executed), len(failed))
		}
		if store.get("b1").Status != auction.BidWinning {
			t.Error("bid must stay winning for a resumed run to pick up")
		}
	})
}

// brokenStore fails transitions into one target status.
type brokenStore struct {
	*memStore
	failTo auction.BidStatus
}

func (s *brokenStore) TransitionBid(ctx context.Context, bidID string, from, to auction.BidStatus, upd auction.BidUpdate) (bool, error) {
	if to == s.failTo {
		return false, errors.New("write failed")
	}
	return s.memStore.TransitionBid(ctx, bidID, from, to, upd)
}
