// Package oracle prices bid tokens in the auction's unit of account. The
// HTTP client is the source of truth; the optional websocket feed keeps a
// cache of live ticks consulted first.
package oracle

import (
	"context"
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

// Client queries a price API over HTTP. Tokens the API does not know are
// absent from the result, which downstream treats as price zero.
type Client struct {
	http *resty.Client
	log  *logrus.Entry
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == 429 {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if d, err := time.ParseDuration(ra + "s"); err == nil {
						return d, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})
	return &Client{http: http, log: logger.For("oracle")}
}

type priceEntry struct {
	Token    string          `json:"token"`
	USDPrice decimal.Decimal `json:"usd_price"`
	Decimals int32           `json:"decimals"`
}

type pricesResponse struct {
	Prices []priceEntry `json:"prices"`
}

// GetPrices fetches spot prices for the given token addresses in one call.
func (c *Client) GetPrices(ctx context.Context, tokens []string) (map[string]settlement.TokenPrice, error) {
	if len(tokens) == 0 {
		return map[string]settlement.TokenPrice{}, nil
	}

	var out pricesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("tokens", strings.Join(tokens, ",")).
		SetResult(&out).
		Get("/v1/prices")
	if err != nil {
		return nil, errors.Wrap(err, "oracle request")
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("oracle returned %d: %s", resp.StatusCode(), resp.String())
	}

	// Key results by the caller's token spelling; addresses compare
	// case-insensitively.
	requested := make(map[string]string, len(tokens))
	for _, t := range tokens {
		requested[strings.ToLower(t)] = t
	}

	prices := make(map[string]settlement.TokenPrice, len(out.Prices))
	for _, p := range out.Prices {
		key, ok := requested[strings.ToLower(p.Token)]
		if !ok {
			continue
		}
		if p.USDPrice.IsNegative() {
			c.log.WithField("token", p.Token).Warn("oracle returned negative price, skipping")
			continue
		}
		prices[key] = settlement.TokenPrice{
			Price:    p.USDPrice,
			Decimals: p.Decimals,
		}
	}
	return prices, nil
}
