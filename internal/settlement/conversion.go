package settlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

// ConverterConfig bounds the conversion stage's use of the swap venue.
type ConverterConfig struct {
	StableToken    string // unit-of-account ERC-20 address
	StableDecimals int32
	Concurrency    int
	RatePerSec     float64
	CallTimeout    time.Duration
}

// Converter realizes winning bids into USDC. Bids already denominated in
// the stable token skip the venue entirely; every other bid is swapped
// under its permit. Per-bid failures are terminal for the bid and do not
// stop the batch.
type Converter struct {
	venue   SwapVenue
	store   BidStore
	cfg     ConverterConfig
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewConverter(venue SwapVenue, store BidStore, cfg ConverterConfig, log *logrus.Entry) *Converter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.StableDecimals == 0 {
		cfg.StableDecimals = 6
	}
	return &Converter{
		venue:   venue,
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log,
	}
}

// Convert processes winning bids concurrently up to the configured bound,
// transitioning each to executed or failed in the store. The returned
// slices mirror the recorded transitions; a bid whose outcome could not
// be persisted appears in neither and stays winning for a later run.
// Only context cancellation aborts the batch.
func (c *Converter) Convert(ctx context.Context, winners []auction.Bid) (executed, failed []auction.Bid, err error) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.cfg.Concurrency)
	)

	for i := range winners {
		bid := winners[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			done := c.convertOne(ctx, bid)
			mu.Lock()
			switch done.Status {
			case auction.BidExecuted:
				executed = append(executed, done)
			case auction.BidFailed:
				failed = append(failed, done)
			default:
				// Still winning: the outcome could not be recorded, so a
				// resumed run owns this bid. Reporting it failed here
				// would misstate what the store holds.
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return executed, failed, ctx.Err()
	}
	return executed, failed, nil
}

func (c *Converter) convertOne(ctx context.Context, bid auction.Bid) auction.Bid {
	log := c.log.WithFields(logrus.Fields{"bid": bid.ID, "token": bid.BidToken})

	// Only the filled fraction of the bid is realized; a partial fill
	// leaves the rest of the bidder's tokens untouched.
	amount := bid.BidAmount
	if bid.FillQty.LessThan(bid.RequestedQty) && bid.RequestedQty.IsPositive() {
		amount = bid.BidAmount.Mul(bid.FillQty).Div(bid.RequestedQty).Floor()
	}

	if c.isStable(bid.BidToken) {
		// Already the unit of account: the escrowed amount is the realized
		// value, no venue call.
		realized := amount.Shift(-c.cfg.StableDecimals)
		return c.markExecuted(ctx, bid, realized, "")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return c.markFailed(ctx, bid, "conversion aborted: "+err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	receipt, err := c.venue.QuoteAndExecute(callCtx, SwapOrder{
		BidID:      bid.ID,
		FromToken:  bid.BidToken,
		Amount:     amount,
		Bidder:     bid.Bidder,
		PermitJSON: bid.PermitJSON,
	})
	if err != nil {
		log.WithError(err).Warn("swap failed")
		return c.markFailed(ctx, bid, "swap failed: "+err.Error())
	}

	log.WithFields(logrus.Fields{"realized": receipt.Realized, "tx": receipt.TxRef}).Info("bid converted")
	return c.markExecuted(ctx, bid, receipt.Realized, receipt.TxRef)
}

func (c *Converter) markExecuted(ctx context.Context, bid auction.Bid, realized decimal.Decimal, txRef string) auction.Bid {
	ok, err := c.store.TransitionBid(ctx, bid.ID, auction.BidWinning, auction.BidExecuted, auction.BidUpdate{
		RealizedValue: &realized,
		TxRef:         &txRef,
	})
	if err != nil || !ok {
		// The swap went through but the record didn't: surface loudly, the
		// bid stays winning and a resumed run will see it again.
		c.log.WithField("bid", bid.ID).WithError(err).Error("failed to record executed bid")
		return bid
	}
	bid.Status = auction.BidExecuted
	bid.RealizedValue = realized
	bid.TxRef = txRef
	return bid
}

func (c *Converter) markFailed(ctx context.Context, bid auction.Bid, reason string) auction.Bid {
	if _, err := c.store.TransitionBid(ctx, bid.ID, auction.BidWinning, auction.BidFailed, auction.BidUpdate{
		FailReason: &reason,
	}); err != nil {
		c.log.WithField("bid", bid.ID).WithError(err).Error("failed to record failed bid")
	}
	bid.Status = auction.BidFailed
	bid.FailReason = reason
	return bid
}

func (c *Converter) isStable(token string) bool {
	return strings.EqualFold(token, c.cfg.StableToken)
}
