package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Per-endpoint timeouts
const (
	priceTimeout      = 10 * time.Second
	tickerTimeout     = 10 * time.Second
	klinesTimeout     = 15 * time.Second
	accountTimeout    = 15 * time.Second
	placeOrderTimeout = 20 * time.Second
	getOrderTimeout   = 10 * time.Second
	openOrdersTimeout = 15 * time.Second
	cancelTimeout     = 10 * time.Second
)

// Broker is the exchange surface the rest of the system depends on. *Client
// implements it; tests substitute fakes.
type Broker interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetTicker24hr(ctx context.Context, symbol string) (*Ticker24hr, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]KlineData, error)
	GetKlinesRange(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]KlineData, error)
	GetAccount(ctx context.Context) (*Account, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderStatus, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderStatus, error)
}

// Ticker24hr is the 24 hour rolling window statistics for one symbol.
type Ticker24hr struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
}

// Balance is one asset's free and locked amounts.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Account is the spot account state.
type Account struct {
	CanTrade bool      `json:"canTrade"`
	Balances []Balance `json:"balances"`
}

// KlineData is one parsed OHLCV candle.
type KlineData struct {
	OpenTime      int64
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        decimal.Decimal
	CloseTime     int64
	QuoteVolume   decimal.Decimal
	Trades        int64
	TakerBuyBase  decimal.Decimal
	TakerBuyQuote decimal.Decimal
}

// Fill is one execution against a placed order.
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol        string
	Side          string // "buy" or "sell"
	Type          string // MARKET or LIMIT
	Quantity      decimal.Decimal
	Price         *decimal.Decimal // required for LIMIT
	ClientOrderID string
}

// OrderResponse is the FULL placement response including fills.
type OrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	Fills               []Fill          `json:"fills"`
}

// OrderStatus is the state of an existing order.
type OrderStatus struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Status        string          `json:"status"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	Time          int64           `json:"time"`
	UpdateTime    int64           `json:"updateTime"`
}

// Client talks to the exchange REST API. When a proxy is configured each
// request goes through it first and falls back to the direct endpoint on
// connection failure or 401/403. The fallback is per-request and stateless.
type Client struct {
	direct      *resty.Client
	proxy       *resty.Client // nil when no proxy configured
	apiKey      string
	apiSecret   string
	proxySecret string
}

func NewClient(baseURL, apiKey, apiSecret, proxyURL, proxySecret string) *Client {
	c := &Client{
		direct:    resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")),
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
	if proxyURL != "" {
		c.proxy = resty.New().SetBaseURL(strings.TrimRight(proxyURL, "/"))
		c.proxySecret = proxySecret
	}
	return c
}

// params preserves insertion order, which the signature depends on.
type params struct {
	pairs []struct{ k, v string }
}

func (p *params) add(k, v string) *params {
	p.pairs = append(p.pairs, struct{ k, v string }{k, v})
	return p
}

func (p *params) encode() string {
	var b strings.Builder
	for i, kv := range p.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(kv.k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.v))
	}
	return b.String()
}

// sign appends timestamp and an HMAC-SHA256 signature over the encoded query.
func (c *Client) sign(p *params) string {
	p.add("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	query := p.encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// do runs one request under the routing policy. path is the bare exchange
// path (/api/v3/...); the proxy sees it prefixed with /binance.
func (c *Client) do(ctx context.Context, method, path string, p *params, signed bool, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p == nil {
		p = &params{}
	}
	var query string
	if signed {
		query = c.sign(p)
	} else {
		query = p.encode()
	}

	if c.proxy != nil {
		resp, err := c.proxy.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.proxySecret).
			SetQueryString(query).
			Execute(method, "/binance"+path)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return transportError(ctx, err)
			}
			log.Warn().Err(err).Str("path", path).Msg("⚠️ Proxy unreachable, falling back to direct")
		case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
			log.Warn().Int("status", resp.StatusCode()).Str("path", path).Msg("⚠️ Proxy rejected request, falling back to direct")
		default:
			return finish(resp, out)
		}
	}

	req := c.direct.R().SetContext(ctx).SetQueryString(query)
	if signed {
		req.SetHeader("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return transportError(ctx, err)
	}
	return finish(resp, out)
}

// finish maps the HTTP outcome onto the error taxonomy and decodes the body.
func finish(resp *resty.Response, out interface{}) error {
	status := resp.StatusCode()
	body := resp.Body()

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return authErr(status, strings.TrimSpace(string(body)))
	}
	if status >= 400 {
		var exErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(body, &exErr); err == nil && exErr.Code != 0 {
			return exchangeErr(exErr.Code, exErr.Msg)
		}
		return exchangeErr(status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return exchangeErr(0, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

// GetPrice returns the last traded price for a symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	p := (&params{}).add("symbol", symbol)
	if err := c.do(ctx, http.MethodGet, "/api/v3/ticker/price", p, false, priceTimeout, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Price, nil
}

func (c *Client) GetTicker24hr(ctx context.Context, symbol string) (*Ticker24hr, error) {
	var result Ticker24hr
	p := (&params{}).add("symbol", symbol)
	if err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", p, false, tickerTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetKlines fetches the most recent candles for (symbol, interval).
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]KlineData, error) {
	return c.GetKlinesRange(ctx, symbol, interval, limit, 0, 0)
}

// GetKlinesRange fetches candles bounded by optional start/end epoch millis.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]KlineData, error) {
	p := (&params{}).add("symbol", symbol).add("interval", interval)
	if limit > 0 {
		p.add("limit", fmt.Sprintf("%d", limit))
	}
	if startTime > 0 {
		p.add("startTime", fmt.Sprintf("%d", startTime))
	}
	if endTime > 0 {
		p.add("endTime", fmt.Sprintf("%d", endTime))
	}

	var raw [][]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/v3/klines", p, false, klinesTimeout, &raw); err != nil {
		return nil, err
	}

	klines := make([]KlineData, 0, len(raw))
	for _, row := range raw {
		if len(row) < 11 {
			continue
		}
		klines = append(klines, KlineData{
			OpenTime:      asInt64(row[0]),
			Open:          asDecimal(row[1]),
			High:          asDecimal(row[2]),
			Low:           asDecimal(row[3]),
			Close:         asDecimal(row[4]),
			Volume:        asDecimal(row[5]),
			CloseTime:     asInt64(row[6]),
			QuoteVolume:   asDecimal(row[7]),
			Trades:        asInt64(row[8]),
			TakerBuyBase:  asDecimal(row[9]),
			TakerBuyQuote: asDecimal(row[10]),
		})
	}
	return klines, nil
}

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var result Account
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", &params{}, true, accountTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PlaceOrder submits an order and returns the FULL response with fills.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	p := (&params{}).
		add("symbol", req.Symbol).
		add("side", strings.ToUpper(req.Side)).
		add("type", req.Type).
		add("quantity", req.Quantity.String())
	if req.Type == "LIMIT" {
		if req.Price == nil {
			return nil, exchangeErr(0, "limit order requires a price")
		}
		p.add("timeInForce", "GTC").add("price", req.Price.String())
	}
	if req.ClientOrderID != "" {
		p.add("newClientOrderId", req.ClientOrderID)
	}
	p.add("newOrderRespType", "FULL")

	var result OrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", p, true, placeOrderTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderStatus, error) {
	p := (&params{}).add("symbol", symbol).add("orderId", fmt.Sprintf("%d", orderID))
	var result OrderStatus
	if err := c.do(ctx, http.MethodGet, "/api/v3/order", p, true, getOrderTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOpenOrders lists open orders, for all symbols when symbol is empty.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error) {
	p := &params{}
	if symbol != "" {
		p.add("symbol", symbol)
	}
	var result []OrderStatus
	if err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", p, true, openOrdersTimeout, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderStatus, error) {
	p := (&params{}).add("symbol", symbol).add("orderId", fmt.Sprintf("%d", orderID))
	var result OrderStatus
	if err := c.do(ctx, http.MethodDelete, "/api/v3/order", p, true, cancelTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Kline rows arrive as positional arrays mixing strings and numbers.

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return 0
		}
		return d.IntPart()
	}
	return 0
}

func asDecimal(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(t)
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return decimal.Zero
}
