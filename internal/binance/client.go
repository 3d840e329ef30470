package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE MARKET SOURCE - REST klines + live trade stream
// ═══════════════════════════════════════════════════════════════════════════════
//
// Snapshot() = last N klines over REST, with the close replaced by the live
// stream price when the stream is up. Without the stream it degrades to
// REST-only data.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultRESTURL = "https://api.binance.com"
	DefaultWSURL   = "wss://stream.binance.com:9443"
)

// Client handles Binance data
type Client struct {
	rest     *resty.Client
	wsURL    string
	interval string
	limit    int

	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

// NewClient creates a new Binance client
func NewClient(restURL, wsURL, interval string, limit int) *Client {
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	rest := resty.New()
	rest.SetBaseURL(restURL)
	rest.SetTimeout(10 * time.Second)

	return &Client{
		rest:     rest,
		wsURL:    strings.TrimRight(wsURL, "/"),
		interval: interval,
		limit:    limit,
		prices:   make(map[string]decimal.Decimal),
		stopCh:   make(chan struct{}),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// REST
// ═══════════════════════════════════════════════════════════════════════════════

// Klines fetches historical candles, oldest first
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   strings.ToUpper(symbol),
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("klines %s: API error %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	var raw [][]interface{}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("klines %s: parse: %w", symbol, err)
	}
	return parseKlines(raw)
}

func parseKlines(raw [][]interface{}) ([]types.Candle, error) {
	out := make([]types.Candle, 0, len(raw))
	for i, k := range raw {
		if len(k) < 6 {
			return nil, fmt.Errorf("kline %d: %d fields", i, len(k))
		}
		openTime, ok := k[0].(float64)
		if !ok {
			return nil, fmt.Errorf("kline %d: open time", i)
		}
		var vals [5]float64
		for j := range vals {
			s, ok := k[j+1].(string)
			if !ok {
				return nil, fmt.Errorf("kline %d: field %d not a string", i, j+1)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("kline %d: %w", i, err)
			}
			vals[j] = v
		}
		out = append(out, types.Candle{
			OpenTime: time.UnixMilli(int64(openTime)).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return out, nil
}

// Snapshot returns candles plus the freshest price for symbol
func (c *Client) Snapshot(ctx context.Context, symbol string) (types.MarketSnapshot, error) {
	candles, err := c.Klines(ctx, symbol, c.interval, c.limit)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	if len(candles) == 0 {
		return types.MarketSnapshot{}, fmt.Errorf("no candles for %s", symbol)
	}

	price := decimal.NewFromFloat(candles[len(candles)-1].Close)
	ts := time.Now().UTC()
	if live, ok := c.Price(symbol); ok {
		price = live
		f := live.InexactFloat64()
		last := &candles[len(candles)-1]
		last.Close = f
		if f > last.High {
			last.High = f
		}
		if f < last.Low {
			last.Low = f
		}
	}

	return types.MarketSnapshot{
		Symbol:    strings.ToUpper(symbol),
		Price:     price,
		Candles:   candles,
		Timestamp: ts,
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET
// ═══════════════════════════════════════════════════════════════════════════════

// Price returns the last streamed price of symbol
func (c *Client) Price(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[strings.ToUpper(symbol)]
	return p, ok
}

// Start streams trades for symbols until Stop
func (c *Client) Start(symbols ...string) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	go c.runWebSocket(symbols)
	log.Info().Strs("symbols", symbols).Msg("📈 Binance stream started")
}

// Stop closes the WebSocket connection
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Client) runWebSocket(symbols []string) {
	for c.isRunning() {
		if err := c.connectWebSocket(symbols); err != nil {
			log.Error().Err(err).Msg("WebSocket connection failed")
			if !c.wait(5 * time.Second) {
				return
			}
			continue
		}

		c.readMessages()

		if c.isRunning() {
			log.Warn().Msg("WebSocket disconnected, reconnecting...")
			if !c.wait(time.Second) {
				return
			}
		}
	}
}

// wait sleeps for d unless stopped first
func (c *Client) wait(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) streamURL(symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@trade"
	}
	return fmt.Sprintf("%s/stream?streams=%s", c.wsURL, strings.Join(streams, "/"))
}

func (c *Client) connectWebSocket(symbols []string) error {
	url := c.streamURL(symbols)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	log.Info().Str("url", url).Msg("🔌 WebSocket connected to Binance")
	return nil
}

func (c *Client) readMessages() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for c.isRunning() {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.isRunning() {
				log.Error().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

type streamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

func (c *Client) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Data.Event != "trade" || msg.Data.Symbol == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Data.Price)
	if err != nil || !price.IsPositive() {
		return
	}

	c.mu.Lock()
	c.prices[strings.ToUpper(msg.Data.Symbol)] = price
	c.mu.Unlock()
}
