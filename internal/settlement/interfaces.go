package settlement

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

// TokenPrice is the oracle's answer for one bid token: USDC per whole
// token, plus the token's native decimal precision.
type TokenPrice struct {
	Price    decimal.Decimal
	Decimals int32
}

// PriceOracle answers current unit-of-account prices. Unknown tokens are
// absent from the result map rather than an error.
type PriceOracle interface {
	GetPrices(ctx context.Context, tokens []string) (map[string]TokenPrice, error)
}

// SwapOrder asks the venue to realize a winning bid's tokens into USDC,
// spending under the bidder's pre-signed permit.
type SwapOrder struct {
	BidID      string
	FromToken  string
	Amount     decimal.Decimal // raw integer, token's native precision
	Bidder     string
	PermitJSON string
}

// SwapReceipt reports a completed conversion.
type SwapReceipt struct {
	Realized decimal.Decimal // USDC, whole units
	TxRef    string
}

// SwapVenue quotes and executes a conversion in one call. Failures
// (slippage, liquidity, expired permit, revert) come back as errors whose
// message is recorded on the bid.
type SwapVenue interface {
	QuoteAndExecute(ctx context.Context, order SwapOrder) (*SwapReceipt, error)
}

// Transfer is one auction-token payout.
type Transfer struct {
	Bidder string
	Token  string
	Qty    decimal.Decimal
}

// Executor performs on-chain auction-token transfers. DistributeBatch is
// semantically one Distribute per entry; it exists for gas efficiency.
type Executor interface {
	Distribute(ctx context.Context, t Transfer) (txRef string, err error)
	DistributeBatch(ctx context.Context, ts []Transfer) (txRef string, err error)
}

// BidStore is the slice of the auction store the stages write through.
type BidStore interface {
	ListBids(ctx context.Context, auctionID string, status auction.BidStatus) ([]auction.Bid, error)
	TransitionBid(ctx context.Context, bidID string, from, to auction.BidStatus, upd auction.BidUpdate) (bool, error)
}

// Store is everything the orchestrator needs from persistence.
type Store interface {
	BidStore
	GetAuction(ctx context.Context, auctionID string) (*auction.Auction, error)
	TryBeginSettlement(ctx context.Context, auctionID string) (bool, error)
	SetClearingPrice(ctx context.Context, auctionID string, price decimal.Decimal) error
	FinishSettlement(ctx context.Context, r auction.SettlementResult) error
	GetSettlementResult(ctx context.Context, auctionID string) (*auction.SettlementResult, error)
}
