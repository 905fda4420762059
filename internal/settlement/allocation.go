package settlement

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// WinningBid is a valued bid with its allocated fill.
type WinningBid struct {
	ValuedBid
	FillQty decimal.Decimal
}

// Allocation is the partition produced by winner selection.
type Allocation struct {
	Winners []WinningBid
	Losers  []ValuedBid

	// ClearingPrice is the unit price of the last bid that received any
	// fill (pay-as-bid: reporting only, winners convert at their own price).
	ClearingPrice decimal.Decimal
	TotalFill     decimal.Decimal
	Unsold        decimal.Decimal
}

// Allocate selects winners from valued bids under a fixed target supply.
// Pure and deterministic: bids are ranked by unit price descending, price
// ties broken by creation time ascending (earlier bid wins), then bid id.
// Supply is filled greedily, so at most one bid is partially filled.
func Allocate(valued []ValuedBid, target decimal.Decimal) (*Allocation, error) {
	if !target.IsPositive() {
		return nil, fmt.Errorf("allocation: target allocation must be positive, got %s", target)
	}
	for _, v := range valued {
		if v.Bid.BidAmount.IsNegative() {
			return nil, fmt.Errorf("allocation: bid %s has negative amount", v.Bid.ID)
		}
		if !v.Bid.RequestedQty.IsPositive() {
			return nil, fmt.Errorf("allocation: bid %s has non-positive requested quantity", v.Bid.ID)
		}
	}

	ranked := make([]ValuedBid, len(valued))
	copy(ranked, valued)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		switch a.UnitPrice.Cmp(b.UnitPrice) {
		case 1:
			return true
		case -1:
			return false
		}
		if !a.Bid.CreatedAt.Equal(b.Bid.CreatedAt) {
			return a.Bid.CreatedAt.Before(b.Bid.CreatedAt)
		}
		return a.Bid.ID < b.Bid.ID
	})

	alloc := &Allocation{
		ClearingPrice: decimal.Zero,
		TotalFill:     decimal.Zero,
	}
	remaining := target
	for _, v := range ranked {
		if !remaining.IsPositive() {
			alloc.Losers = append(alloc.Losers, v)
			continue
		}
		fill := decimal.Min(v.Bid.RequestedQty, remaining)
		remaining = remaining.Sub(fill)
		alloc.TotalFill = alloc.TotalFill.Add(fill)
		alloc.ClearingPrice = v.UnitPrice
		alloc.Winners = append(alloc.Winners, WinningBid{ValuedBid: v, FillQty: fill})
	}
	alloc.Unsold = remaining
	return alloc, nil
}
