package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the settlement lifecycle of an auction.
type AuctionStatus string

const (
	AuctionOpen     AuctionStatus = "open"
	AuctionSettling AuctionStatus = "settling"
	AuctionSettled  AuctionStatus = "settled"
)

// BidStatus tracks a bid through the settlement pipeline:
// pending -> winning|losing -> executed|failed (winning only).
type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidWinning  BidStatus = "winning"
	BidLosing   BidStatus = "losing"
	BidExecuted BidStatus = "executed"
	BidFailed   BidStatus = "failed"
)

// Auction is one token sale. TargetAllocation is fixed before any bid is
// valued and never changes during settlement.
type Auction struct {
	ID               string          `json:"id"`
	TokenAddress     string          `json:"token_address"`
	TokenSymbol      string          `json:"token_symbol"`
	TotalSupply      decimal.Decimal `json:"total_supply"`
	TargetAllocation decimal.Decimal `json:"target_allocation"`
	EndTime          time.Time       `json:"end_time"`
	Status           AuctionStatus   `json:"status"`
	ClearingPrice    decimal.Decimal `json:"clearing_price"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Bid is one user's offer: BidAmount of BidToken (raw integer in the
// token's native precision) for RequestedQty auction tokens.
type Bid struct {
	ID           string          `json:"id"`
	AuctionID    string          `json:"auction_id"`
	Bidder       string          `json:"bidder"`
	BidToken     string          `json:"bid_token"`
	BidAmount    decimal.Decimal `json:"bid_amount"`
	RequestedQty decimal.Decimal `json:"requested_qty"`
	Status       BidStatus       `json:"status"`

	// Set by settlement stages.
	UnitPrice     decimal.Decimal `json:"unit_price"`     // USDC per auction token, set at allocation
	FillQty       decimal.Decimal `json:"fill_qty"`       // allocated quantity, <= RequestedQty
	RealizedValue decimal.Decimal `json:"realized_value"` // USDC realized by conversion
	TxRef         string          `json:"tx_ref,omitempty"`      // conversion transaction
	DistTxRef     string          `json:"dist_tx_ref,omitempty"` // distribution transaction
	FailReason    string          `json:"fail_reason,omitempty"`

	// PermitJSON carries the bidder's signed spending grant, produced at
	// bid time and consumed by conversion.
	PermitJSON string `json:"permit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettlementResult is the per-auction settlement aggregate, immutable once
// written.
type SettlementResult struct {
	AuctionID     string          `json:"auction_id"`
	ClearingPrice decimal.Decimal `json:"clearing_price"`
	TotalRaised   decimal.Decimal `json:"total_raised"`
	UnsoldSupply  decimal.Decimal `json:"unsold_supply"`
	TotalBids     int             `json:"total_bids"`
	WinningBids   int             `json:"winning_bids"`
	LosingBids    int             `json:"losing_bids"`
	ExecutedBids  int             `json:"executed_bids"`
	FailedBids    int             `json:"failed_bids"`
	SettledAt     time.Time       `json:"settled_at"`
}
