package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

// Distributor pays out executed winning bids. Pay-as-bid: a winner is owed
// realizedValue / their own effectiveUnitPrice auction tokens, which equals
// the committed fill absent conversion slippage.
type Distributor struct {
	executor Executor
	store    BidStore

	// tolerance is the max fraction tokens owed may fall below the
	// committed fill before the bid is rejected as slippage.
	tolerance decimal.Decimal
	log       *logrus.Entry
}

func NewDistributor(executor Executor, store BidStore, tolerance float64, log *logrus.Entry) *Distributor {
	return &Distributor{
		executor:  executor,
		store:     store,
		tolerance: decimal.NewFromFloat(tolerance),
		log:       log,
	}
}

type payout struct {
	bid auction.Bid
	qty decimal.Decimal
}

// Distribute transfers auction tokens to executed winners, preferring one
// batched executor call. Bids whose realized value implies a payout below
// the slippage tolerance are marked failed with a distinct reason and
// withheld for manual reconciliation.
func (d *Distributor) Distribute(ctx context.Context, tokenAddress string, executed []auction.Bid) error {
	var payouts []payout

	for _, bid := range executed {
		if bid.DistTxRef != "" {
			continue // already paid out by a previous run
		}
		owed := tokensOwed(bid)

		minOwed := bid.FillQty.Mul(decimal.NewFromInt(1).Sub(d.tolerance))
		if owed.LessThan(minOwed) {
			reason := fmt.Sprintf("slippage exceeded: owed %s of committed %s", owed, bid.FillQty)
			d.log.WithField("bid", bid.ID).Warn(reason)
			if _, err := d.store.TransitionBid(ctx, bid.ID, auction.BidExecuted, auction.BidFailed, auction.BidUpdate{
				FailReason: &reason,
			}); err != nil {
				return fmt.Errorf("record slippage failure for bid %s: %w", bid.ID, err)
			}
			continue
		}
		// Never distribute beyond the committed fill.
		if owed.GreaterThan(bid.FillQty) {
			owed = bid.FillQty
		}
		payouts = append(payouts, payout{bid: bid, qty: owed})
	}

	if len(payouts) == 0 {
		return nil
	}

	if len(payouts) > 1 {
		transfers := make([]Transfer, len(payouts))
		for i, p := range payouts {
			transfers[i] = Transfer{Bidder: p.bid.Bidder, Token: tokenAddress, Qty: p.qty}
		}
		txRef, err := d.executor.DistributeBatch(ctx, transfers)
		if err != nil {
			// Funds already left the bidders: flag distinctly from a plain
			// conversion failure so reconciliation can find these.
			d.markDistributionFailed(ctx, payouts, err)
			return nil
		}
		for _, p := range payouts {
			d.markDistributed(ctx, p.bid, txRef)
		}
		return nil
	}

	p := payouts[0]
	txRef, err := d.executor.Distribute(ctx, Transfer{Bidder: p.bid.Bidder, Token: tokenAddress, Qty: p.qty})
	if err != nil {
		d.markDistributionFailed(ctx, payouts, err)
		return nil
	}
	d.markDistributed(ctx, p.bid, txRef)
	return nil
}

func (d *Distributor) markDistributed(ctx context.Context, bid auction.Bid, txRef string) {
	if _, err := d.store.TransitionBid(ctx, bid.ID, auction.BidExecuted, auction.BidExecuted, auction.BidUpdate{
		DistTxRef: &txRef,
	}); err != nil {
		d.log.WithField("bid", bid.ID).WithError(err).Error("failed to record distribution")
	}
}

func (d *Distributor) markDistributionFailed(ctx context.Context, payouts []payout, cause error) {
	for _, p := range payouts {
		reason := "distribution failed after conversion: " + cause.Error()
		d.log.WithField("bid", p.bid.ID).Error(reason)
		if _, err := d.store.TransitionBid(ctx, p.bid.ID, auction.BidExecuted, auction.BidFailed, auction.BidUpdate{
			FailReason: &reason,
		}); err != nil {
			d.log.WithField("bid", p.bid.ID).WithError(err).Error("failed to record distribution failure")
		}
	}
}

// tokensOwed computes realizedValue / unitPrice. A zero unit price means
// the bid was valued at zero and realized zero; the committed fill stands.
func tokensOwed(bid auction.Bid) decimal.Decimal {
	if bid.UnitPrice.IsZero() {
		return bid.FillQty
	}
	return bid.RealizedValue.Div(bid.UnitPrice)
}
