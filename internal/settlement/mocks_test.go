package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/auction"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// mockOracle returns fixed prices; tokens absent from the map are unknown.
type mockOracle struct {
	prices map[string]TokenPrice
	err    error
	calls  int
}

func (m *mockOracle) GetPrices(_ context.Context, tokens []string) (map[string]TokenPrice, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]TokenPrice)
	for _, t := range tokens {
		if p, ok := m.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

// mockVenue records every order and can fail specific bids.
type mockVenue struct {
	mu       sync.Mutex
	orders   []SwapOrder
	failBids map[string]error
	realized decimal.Decimal            // default realized value for successful swaps
	byBid    map[string]decimal.Decimal // per-bid override
	blockCtx bool                       // if set, block until ctx expires
}

func (m *mockVenue) QuoteAndExecute(ctx context.Context, order SwapOrder) (*SwapReceipt, error) {
	m.mu.Lock()
	m.orders = append(m.orders, order)
	m.mu.Unlock()

	if m.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := m.failBids[order.BidID]; ok {
		return nil, err
	}
	if r, ok := m.byBid[order.BidID]; ok {
		return &SwapReceipt{Realized: r, TxRef: "0xswap-" + order.BidID}, nil
	}
	return &SwapReceipt{Realized: m.realized, TxRef: "0xswap-" + order.BidID}, nil
}

func (m *mockVenue) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *mockVenue) calledFor(bidID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BidID == bidID {
			return true
		}
	}
	return false
}

// mockExecutor records transfers and can be made to fail.
type mockExecutor struct {
	mu         sync.Mutex
	transfers  []Transfer
	batchCalls int
	soloCalls  int
	err        error
}

func (m *mockExecutor) Distribute(_ context.Context, t Transfer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.soloCalls++
	m.transfers = append(m.transfers, t)
	return fmt.Sprintf("0xdist-%d", len(m.transfers)), nil
}

func (m *mockExecutor) DistributeBatch(_ context.Context, ts []Transfer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.batchCalls++
	m.transfers = append(m.transfers, ts...)
	return fmt.Sprintf("0xbatch-%d", m.batchCalls), nil
}

func (m *mockExecutor) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchCalls + m.soloCalls
}

// memStore is an in-memory BidStore for stage-level tests.
type memStore struct {
	mu   sync.Mutex
	bids map[string]*auction.Bid
}

func newMemStore(bids ...auction.Bid) *memStore {
	s := &memStore{bids: make(map[string]*auction.Bid)}
	for i := range bids {
		b := bids[i]
		s.bids[b.ID] = &b
	}
	return s
}

func (s *memStore) ListBids(_ context.Context, auctionID string, status auction.BidStatus) ([]auction.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auction.Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID && b.Status == status {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStore) TransitionBid(_ context.Context, bidID string, from, to auction.BidStatus, upd auction.BidUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[bidID]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	if upd.UnitPrice != nil {
		b.UnitPrice = *upd.UnitPrice
	}
	if upd.FillQty != nil {
		b.FillQty = *upd.FillQty
	}
	if upd.RealizedValue != nil {
		b.RealizedValue = *upd.RealizedValue
	}
	if upd.TxRef != nil {
		b.TxRef = *upd.TxRef
	}
	if upd.DistTxRef != nil {
		b.DistTxRef = *upd.DistTxRef
	}
	if upd.FailReason != nil {
		b.FailReason = *upd.FailReason
	}
	return true, nil
}

func (s *memStore) get(bidID string) auction.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.bids[bidID]
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
