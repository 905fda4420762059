package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

var (
	ErrAuctionNotFound = errors.New("auction not found")
	ErrNotEnded        = errors.New("auction has not ended")
	// ErrSettlementInProgress means another in-process run holds the lock.
	ErrSettlementInProgress = errors.New("settlement already in progress")
)

// Orchestrator drives one auction through valuation, allocation,
// conversion and distribution, persisting after each stage so a crashed
// run resumes instead of re-executing side effects.
type Orchestrator struct {
	store  Store
	valuer *Valuer
	conv   *Converter
	dist   *Distributor
	log    *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewOrchestrator(store Store, valuer *Valuer, conv *Converter, dist *Distributor, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		store:    store,
		valuer:   valuer,
		conv:     conv,
		dist:     dist,
		log:      log,
		inFlight: make(map[string]bool),
	}
}

// Settle runs settlement for one auction. Re-entry semantics:
//   - already settled: returns the stored result, touches nothing;
//   - settling and live in this process: ErrSettlementInProgress;
//   - settling with no live run (a crashed attempt): resumes from the
//     first stage with work remaining.
func (o *Orchestrator) Settle(ctx context.Context, auctionID string) (*auction.SettlementResult, error) {
	a, err := o.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAuctionNotFound
	}
	if a.Status == auction.AuctionSettled {
		return o.store.GetSettlementResult(ctx, auctionID)
	}
	if time.Now().Before(a.EndTime) {
		return nil, ErrNotEnded
	}

	o.mu.Lock()
	if o.inFlight[auctionID] {
		o.mu.Unlock()
		return nil, ErrSettlementInProgress
	}
	o.inFlight[auctionID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, auctionID)
		o.mu.Unlock()
	}()

	if a.Status == auction.AuctionOpen {
		won, err := o.store.TryBeginSettlement(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		if !won {
			// Lost the CAS: someone else settled (or is settling) between
			// our read and the update.
			fresh, err := o.store.GetAuction(ctx, auctionID)
			if err != nil {
				return nil, err
			}
			if fresh != nil && fresh.Status == auction.AuctionSettled {
				return o.store.GetSettlementResult(ctx, auctionID)
			}
			return nil, ErrSettlementInProgress
		}
	}
	// From here the auction is settling and this run owns it.

	log := o.log.WithField("auction", auctionID)
	log.Info("settlement started")

	if err := o.allocate(ctx, a, log); err != nil {
		// Fatal before any side effect: the auction stays settling so a
		// corrected retry can resume.
		return nil, err
	}

	winners, err := o.store.ListBids(ctx, auctionID, auction.BidWinning)
	if err != nil {
		return nil, err
	}
	if len(winners) > 0 {
		if _, _, err := o.conv.Convert(ctx, winners); err != nil {
			return nil, err
		}
	}

	executed, err := o.store.ListBids(ctx, auctionID, auction.BidExecuted)
	if err != nil {
		return nil, err
	}
	if len(executed) > 0 {
		if err := o.dist.Distribute(ctx, a.TokenAddress, executed); err != nil {
			return nil, err
		}
	}

	result, err := o.buildResult(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := o.store.FinishSettlement(ctx, *result); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"clearing_price": result.ClearingPrice,
		"total_raised":   result.TotalRaised,
		"winners":        result.WinningBids,
		"failed":         result.FailedBids,
	}).Info("settlement finished")
	return result, nil
}

// allocate values and partitions pending bids, persisting the partition.
// Valuation and allocation are pure, so a crash mid-persist is handled by
// reverting any partial winning/losing transitions back to pending and
// re-running both stages over the full set. No conversion has happened at
// that point, so the revert has no on-chain consequence.
func (o *Orchestrator) allocate(ctx context.Context, a *auction.Auction, log *logrus.Entry) error {
	pending, err := o.store.ListBids(ctx, a.ID, auction.BidPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil // allocation already fully persisted (or no bids at all)
	}

	for _, status := range []auction.BidStatus{auction.BidWinning, auction.BidLosing} {
		partial, err := o.store.ListBids(ctx, a.ID, status)
		if err != nil {
			return err
		}
		for _, b := range partial {
			if _, err := o.store.TransitionBid(ctx, b.ID, status, auction.BidPending, auction.BidUpdate{}); err != nil {
				return err
			}
		}
	}
	pending, err = o.store.ListBids(ctx, a.ID, auction.BidPending)
	if err != nil {
		return err
	}

	valued, err := o.valuer.Value(ctx, pending)
	if err != nil {
		return err
	}
	alloc, err := Allocate(valued, a.TargetAllocation)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"bids":           len(pending),
		"winners":        len(alloc.Winners),
		"losers":         len(alloc.Losers),
		"clearing_price": alloc.ClearingPrice,
		"unsold":         alloc.Unsold,
	}).Info("allocation computed")

	if err := o.store.SetClearingPrice(ctx, a.ID, alloc.ClearingPrice); err != nil {
		return err
	}
	for _, w := range alloc.Winners {
		unit := w.UnitPrice
		fill := w.FillQty
		if _, err := o.store.TransitionBid(ctx, w.Bid.ID, auction.BidPending, auction.BidWinning, auction.BidUpdate{
			UnitPrice: &unit,
			FillQty:   &fill,
		}); err != nil {
			return err
		}
	}
	for _, l := range alloc.Losers {
		unit := l.UnitPrice
		reason := fmt.Sprintf("outbid: clearing price %s", alloc.ClearingPrice)
		if _, err := o.store.TransitionBid(ctx, l.Bid.ID, auction.BidPending, auction.BidLosing, auction.BidUpdate{
			UnitPrice:  &unit,
			FailReason: &reason,
		}); err != nil {
			return err
		}
	}
	return nil
}

// buildResult aggregates final bid states into the immutable settlement
// result. Total raised counts only bids that stayed executed through
// distribution. Unsold supply is the allocation-time remainder: fills
// forfeited by failed conversions are not recycled and not counted as
// unsold.
func (o *Orchestrator) buildResult(ctx context.Context, a *auction.Auction) (*auction.SettlementResult, error) {
	fresh, err := o.store.GetAuction(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, ErrAuctionNotFound
	}

	counts := map[auction.BidStatus][]auction.Bid{}
	for _, status := range []auction.BidStatus{auction.BidWinning, auction.BidLosing, auction.BidExecuted, auction.BidFailed} {
		bids, err := o.store.ListBids(ctx, a.ID, status)
		if err != nil {
			return nil, err
		}
		counts[status] = bids
	}

	totalRaised := decimal.Zero
	totalFill := decimal.Zero
	for _, b := range counts[auction.BidExecuted] {
		totalRaised = totalRaised.Add(b.RealizedValue)
		totalFill = totalFill.Add(b.FillQty)
	}
	for _, b := range counts[auction.BidFailed] {
		totalFill = totalFill.Add(b.FillQty)
	}

	executed := len(counts[auction.BidExecuted])
	failed := len(counts[auction.BidFailed])
	losing := len(counts[auction.BidLosing])
	winning := executed + failed // every winner terminated as executed or failed

	return &auction.SettlementResult{
		AuctionID:     a.ID,
		ClearingPrice: fresh.ClearingPrice,
		TotalRaised:   totalRaised,
		UnsoldSupply:  fresh.TargetAllocation.Sub(totalFill),
		TotalBids:     winning + losing,
		WinningBids:   winning,
		LosingBids:    losing,
		ExecutedBids:  executed,
		FailedBids:    failed,
		SettledAt:     time.Now().UTC(),
	}, nil
}
