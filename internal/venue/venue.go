// Package venue executes winning-bid conversions against a swap venue.
// The HTTP client quotes then executes under the bidder's permit; the
// strategy registry lets alternative execution paths replace the direct
// permit flow without touching the conversion stage.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/settlement"
	"github.com/nenkoz/1launch-sub000/pkg/logger"
)

// Client talks to the swap venue's REST API. Quote and execute are two
// calls so a quote rejection never spends the permit.
type Client struct {
	http *resty.Client
	log  *logrus.Entry
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		// Quotes are safe to retry on transport errors and 5xx. Execution
		// is not idempotent, so it gets exactly one attempt.
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || !strings.HasSuffix(resp.Request.URL, "/quote") {
				return false
			}
			return err != nil || resp.StatusCode() >= 500
		})
	return &Client{http: http, log: logger.For("venue")}
}

type quoteRequest struct {
	FromToken string `json:"from_token"`
	Amount    string `json:"amount"`
}

type quoteResponse struct {
	QuoteID     string          `json:"quote_id"`
	ExpectedOut decimal.Decimal `json:"expected_out"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

type executeRequest struct {
	QuoteID string          `json:"quote_id"`
	Bidder  string          `json:"bidder"`
	Permit  json.RawMessage `json:"permit"`
}

type executeResponse struct {
	Realized decimal.Decimal `json:"realized"`
	TxHash   string          `json:"tx_hash"`
}

type venueError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QuoteAndExecute implements settlement.SwapVenue.
func (c *Client) QuoteAndExecute(ctx context.Context, order settlement.SwapOrder) (*settlement.SwapReceipt, error) {
	quote, err := c.quote(ctx, order)
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{
		"bid":      order.BidID,
		"quote_id": quote.QuoteID,
	})
	log.WithField("expected_out", quote.ExpectedOut).Debug("quote obtained")

	receipt, err := c.execute(ctx, quote.QuoteID, order)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"realized": receipt.Realized,
		"tx":       receipt.TxRef,
	}).Info("swap executed")
	return receipt, nil
}

func (c *Client) quote(ctx context.Context, order settlement.SwapOrder) (*quoteResponse, error) {
	var (
		out  quoteResponse
		verr venueError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(quoteRequest{FromToken: order.FromToken, Amount: order.Amount.String()}).
		SetResult(&out).
		SetError(&verr).
		Post("/v1/quote")
	if err != nil {
		return nil, errors.Wrap(err, "venue quote")
	}
	if !resp.IsSuccess() {
		return nil, venueFailure(resp.StatusCode(), verr)
	}
	if out.QuoteID == "" {
		return nil, errors.New("venue quote: empty quote id")
	}
	return &out, nil
}

func (c *Client) execute(ctx context.Context, quoteID string, order settlement.SwapOrder) (*settlement.SwapReceipt, error) {
	var (
		out  executeResponse
		verr venueError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(executeRequest{
			QuoteID: quoteID,
			Bidder:  order.Bidder,
			Permit:  json.RawMessage(order.PermitJSON),
		}).
		SetResult(&out).
		SetError(&verr).
		Post("/v1/execute")
	if err != nil {
		return nil, errors.Wrap(err, "venue execute")
	}
	if !resp.IsSuccess() {
		return nil, venueFailure(resp.StatusCode(), verr)
	}
	if out.TxHash == "" {
		return nil, errors.New("venue execute: empty tx hash")
	}
	return &settlement.SwapReceipt{Realized: out.Realized, TxRef: out.TxHash}, nil
}

// venueFailure turns a venue error body into the reason recorded on the
// bid. Known codes map to stable phrasings so reconciliation can group
// failures.
func venueFailure(status int, verr venueError) error {
	switch verr.Code {
	case "SLIPPAGE":
		return fmt.Errorf("slippage limit hit: %s", verr.Message)
	case "INSUFFICIENT_LIQUIDITY":
		return fmt.Errorf("insufficient liquidity: %s", verr.Message)
	case "PERMIT_EXPIRED":
		return fmt.Errorf("permit expired: %s", verr.Message)
	case "PERMIT_INVALID":
		return fmt.Errorf("permit rejected: %s", verr.Message)
	case "":
		return fmt.Errorf("venue returned %d", status)
	default:
		return fmt.Errorf("venue error %s: %s", verr.Code, verr.Message)
	}
}
