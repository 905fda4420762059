package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nenkoz/1launch-sub000/internal/auction"
	"github.com/nenkoz/1launch-sub000/internal/chain"
	"github.com/nenkoz/1launch-sub000/internal/settlement"
)

type createAuctionRequest struct {
	TokenAddress     string          `json:"token_address"`
	TokenSymbol      string          `json:"token_symbol"`
	TotalSupply      decimal.Decimal `json:"total_supply"`
	TargetAllocation decimal.Decimal `json:"target_allocation"`
	EndTime          time.Time       `json:"end_time"`
}

func (s *Server) handleAuctionCreate(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json body")
		return
	}
	req.TokenAddress = strings.TrimSpace(req.TokenAddress)
	req.TokenSymbol = strings.TrimSpace(req.TokenSymbol)
	if !strings.HasPrefix(req.TokenAddress, "0x") {
		writeError(w, 400, "token_address must be a hex address")
		return
	}
	if !req.TargetAllocation.IsPositive() {
		writeError(w, 400, "target_allocation must be positive")
		return
	}
	if req.TotalSupply.LessThan(req.TargetAllocation) {
		writeError(w, 400, "total_supply must cover target_allocation")
		return
	}
	if !req.EndTime.After(time.Now()) {
		writeError(w, 400, "end_time must be in the future")
		return
	}

	now := time.Now().UTC()
	a := auction.Auction{
		ID:               uuid.NewString(),
		TokenAddress:     req.TokenAddress,
		TokenSymbol:      req.TokenSymbol,
		TotalSupply:      req.TotalSupply,
		TargetAllocation: req.TargetAllocation,
		EndTime:          req.EndTime.UTC(),
		Status:           auction.AuctionOpen,
		ClearingPrice:    decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateAuction(r.Context(), a); err != nil {
		writeError(w, 500, fmt.Sprintf("db create auction: %v", err))
		return
	}
	writeJSON(w, 201, a)
}

func (s *Server) handleAuctionGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAuction(r.Context(), pathParam(r, "auctionID"))
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get auction: %v", err))
		return
	}
	if a == nil {
		writeError(w, 404, "auction not found")
		return
	}
	writeJSON(w, 200, a)
}

type createBidRequest struct {
	Bidder       string          `json:"bidder"`
	BidToken     string          `json:"bid_token"`
	BidAmount    decimal.Decimal `json:"bid_amount"`
	RequestedQty decimal.Decimal `json:"requested_qty"`
	Permit       json.RawMessage `json:"permit"`
}

func (s *Server) handleBidCreate(w http.ResponseWriter, r *http.Request) {
	auctionID := pathParam(r, "auctionID")
	a, err := s.store.GetAuction(r.Context(), auctionID)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get auction: %v", err))
		return
	}
	if a == nil {
		writeError(w, 404, "auction not found")
		return
	}
	if a.Status != auction.AuctionOpen || time.Now().After(a.EndTime) {
		writeError(w, 409, "auction is closed to bids")
		return
	}

	var req createBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json body")
		return
	}
	req.Bidder = strings.TrimSpace(req.Bidder)
	req.BidToken = strings.TrimSpace(req.BidToken)
	if !strings.HasPrefix(req.Bidder, "0x") || !strings.HasPrefix(req.BidToken, "0x") {
		writeError(w, 400, "bidder and bid_token must be hex addresses")
		return
	}
	if !req.BidAmount.IsPositive() {
		writeError(w, 400, "bid_amount must be positive")
		return
	}
	if !req.RequestedQty.IsPositive() {
		writeError(w, 400, "requested_qty must be positive")
		return
	}
	if len(req.Permit) == 0 {
		writeError(w, 400, "permit is required")
		return
	}
	// Full signature verification happens against the token domain at
	// conversion time; here we reject permits that are structurally
	// broken or already expired.
	permit, err := chain.ParsePermit(string(req.Permit))
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if permit.Deadline.Cmp(big.NewInt(a.EndTime.Unix())) <= 0 {
		writeError(w, 400, "permit deadline must outlive the auction")
		return
	}

	now := time.Now().UTC()
	b := auction.Bid{
		ID:           uuid.NewString(),
		AuctionID:    auctionID,
		Bidder:       req.Bidder,
		BidToken:     req.BidToken,
		BidAmount:    req.BidAmount,
		RequestedQty: req.RequestedQty,
		Status:       auction.BidPending,
		PermitJSON:   string(req.Permit),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateBid(r.Context(), b); err != nil {
		writeError(w, 500, fmt.Sprintf("db create bid: %v", err))
		return
	}
	writeJSON(w, 201, b)
}

func (s *Server) handleBidsList(w http.ResponseWriter, r *http.Request) {
	auctionID := pathParam(r, "auctionID")
	a, err := s.store.GetAuction(r.Context(), auctionID)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get auction: %v", err))
		return
	}
	if a == nil {
		writeError(w, 404, "auction not found")
		return
	}

	var bids []auction.Bid
	statuses := []auction.BidStatus{
		auction.BidPending, auction.BidWinning, auction.BidLosing,
		auction.BidExecuted, auction.BidFailed,
	}
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = []auction.BidStatus{auction.BidStatus(q)}
	}
	for _, st := range statuses {
		part, err := s.store.ListBids(r.Context(), auctionID, st)
		if err != nil {
			writeError(w, 500, fmt.Sprintf("db list bids: %v", err))
			return
		}
		bids = append(bids, part...)
	}
	if bids == nil {
		bids = []auction.Bid{}
	}
	writeJSON(w, 200, bids)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.Settle(r.Context(), pathParam(r, "auctionID"))
	switch {
	case errors.Is(err, settlement.ErrAuctionNotFound):
		writeError(w, 404, err.Error())
	case errors.Is(err, settlement.ErrNotEnded):
		writeError(w, 409, err.Error())
	case errors.Is(err, settlement.ErrSettlementInProgress):
		writeError(w, 409, err.Error())
	case err != nil:
		writeError(w, 500, fmt.Sprintf("settlement failed: %v", err))
	default:
		writeJSON(w, 200, result)
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.GetSettlementResult(r.Context(), pathParam(r, "auctionID"))
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get result: %v", err))
		return
	}
	if result == nil {
		writeError(w, 404, "no settlement result")
		return
	}
	writeJSON(w, 200, result)
}
