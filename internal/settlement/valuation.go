package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

// ValuedBid annotates a bid with live pricing. It is recomputed at every
// settlement attempt and never persisted: token prices are market data.
type ValuedBid struct {
	Bid       auction.Bid
	Value     decimal.Decimal // bid amount in USDC
	UnitPrice decimal.Decimal // USDC per requested auction token
}

// Valuer converts raw bids into comparable USDC terms.
type Valuer struct {
	oracle PriceOracle
	log    *logrus.Entry
}

func NewValuer(oracle PriceOracle, log *logrus.Entry) *Valuer {
	return &Valuer{oracle: oracle, log: log}
}

// Value annotates each bid with its effective USDC value and unit price.
// Bid status is not touched. A token the oracle does not know prices at
// zero, which ranks the bid last instead of failing the batch.
func (v *Valuer) Value(ctx context.Context, bids []auction.Bid) ([]ValuedBid, error) {
	if len(bids) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(bids))
	tokens := make([]string, 0, len(bids))
	for _, b := range bids {
		if !seen[b.BidToken] {
			seen[b.BidToken] = true
			tokens = append(tokens, b.BidToken)
		}
	}

	prices, err := v.oracle.GetPrices(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}

	out := make([]ValuedBid, 0, len(bids))
	for _, b := range bids {
		p, ok := prices[b.BidToken]
		if !ok {
			v.log.WithFields(logrus.Fields{
				"bid":   b.ID,
				"token": b.BidToken,
			}).Warn("no oracle price, valuing bid at zero")
			out = append(out, ValuedBid{Bid: b, Value: decimal.Zero, UnitPrice: decimal.Zero})
			continue
		}
		// value = amount * price / 10^decimals
		value := b.BidAmount.Mul(p.Price).Shift(-p.Decimals)
		unit := decimal.Zero
		if b.RequestedQty.IsPositive() {
			unit = value.Div(b.RequestedQty)
		}
		out = append(out, ValuedBid{Bid: b, Value: value, UnitPrice: unit})
	}
	return out, nil
}
