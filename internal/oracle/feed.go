package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nenkoz/1launch-sub000/internal/settlement"
	"github.com/nenkoz/1launch-sub000/pkg/logger"
)

const (
	feedHandshakeTimeout = 10 * time.Second
	feedPingInterval     = 30 * time.Second
	feedReadTimeout      = 90 * time.Second
	feedMaxBackoff       = time.Minute
	// tickMaxAge bounds how stale a cached tick may be before the feed
	// defers to the HTTP client.
	tickMaxAge = 2 * time.Minute
)

type tick struct {
	price      settlement.TokenPrice
	receivedAt time.Time
}

// Feed layers a live websocket price stream over the HTTP client. Reads
// are served from the tick cache when fresh; anything missing or stale
// falls through to one HTTP call for the whole remainder.
type Feed struct {
	url      string
	fallback *Client
	log      *logrus.Entry

	mu    sync.RWMutex
	ticks map[string]tick

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFeed(wsURL string, fallback *Client) *Feed {
	return &Feed{
		url:      wsURL,
		fallback: fallback,
		log:      logger.For("oracle.feed"),
		ticks:    make(map[string]tick),
	}
}

// Start connects and runs the read/reconnect loop until Stop or ctx
// cancellation. The initial dial failing is not fatal: the loop keeps
// retrying with backoff while reads fall back to HTTP.
func (f *Feed) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

func (f *Feed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		f.log.Warn("feed shutdown timed out")
	}
}

// GetPrices implements settlement.PriceOracle. Fresh ticks win; the rest
// of the batch goes to the HTTP client in one request.
func (f *Feed) GetPrices(ctx context.Context, tokens []string) (map[string]settlement.TokenPrice, error) {
	out := make(map[string]settlement.TokenPrice, len(tokens))
	var misses []string

	now := time.Now()
	f.mu.RLock()
	for _, t := range tokens {
		if tk, ok := f.ticks[strings.ToLower(t)]; ok && now.Sub(tk.receivedAt) <= tickMaxAge {
			out[t] = tk.price
		} else {
			misses = append(misses, t)
		}
	}
	f.mu.RUnlock()

	if len(misses) > 0 {
		fetched, err := f.fallback.GetPrices(ctx, misses)
		if err != nil {
			return nil, err
		}
		for k, v := range fetched {
			out[k] = v
		}
	}
	return out, nil
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.dial(ctx)
		if err != nil {
			attempt++
			backoff := time.Duration(attempt) * time.Second
			if backoff > feedMaxBackoff {
				backoff = feedMaxBackoff
			}
			f.log.WithError(err).WithField("backoff", backoff).Warn("feed dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0
		f.log.WithField("url", f.url).Info("price feed connected")

		f.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		f.log.Warn("price feed disconnected, reconnecting")
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: feedHandshakeTimeout}
	headers := http.Header{}
	headers.Set("User-Agent", "1launch-settlement/1.0")
	conn, _, err := dialer.DialContext(ctx, f.url, headers)
	if err != nil {
		return nil, err
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	return conn, nil
}

type tickMessage struct {
	Type     string          `json:"type"`
	Token    string          `json:"token"`
	USDPrice decimal.Decimal `json:"usd_price"`
	Decimals int32           `json:"decimals"`
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	pingTicker := time.NewTicker(feedPingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				f.connMu.Lock()
				if f.conn == conn {
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
				f.connMu.Unlock()
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.log.WithError(err).Debug("feed read ended")
			}
			return
		}
		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.WithError(err).Debug("unparseable feed message")
			continue
		}
		if msg.Type != "tick" || msg.Token == "" || msg.USDPrice.IsNegative() {
			continue
		}
		f.apply(msg)
	}
}

func (f *Feed) apply(msg tickMessage) {
	f.mu.Lock()
	f.ticks[strings.ToLower(msg.Token)] = tick{
		price:      settlement.TokenPrice{Price: msg.USDPrice, Decimals: msg.Decimals},
		receivedAt: time.Now(),
	}
	f.mu.Unlock()
}
