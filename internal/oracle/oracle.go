// Package oracle reads a Chainlink-style on-chain price feed for
// cross-checking broker prices.
package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// latestRoundData() ABI selector
const latestRoundDataSelector = "0xfeaf968c"

// USD feeds answer with 8 decimals
const feedDecimals = 8

const rpcTimeout = 5 * time.Second

// Client reads one price feed contract over JSON-RPC eth_call.
type Client struct {
	rest        *resty.Client
	feedAddress string
	symbol      string
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient targets a feed contract on the given RPC endpoint. symbol names
// the broker market the feed prices, e.g. BTCUSDT for a BTC/USD feed.
func NewClient(rpcURL, feedAddress, symbol string) *Client {
	log.Info().
		Str("feed", feedAddress).
		Str("symbol", symbol).
		Msg("⛓️ Oracle price feed configured")

	return &Client{
		rest:        resty.New().SetBaseURL(rpcURL).SetTimeout(rpcTimeout),
		feedAddress: feedAddress,
		symbol:      symbol,
	}
}

// Symbol returns the broker market this feed prices.
func (c *Client) Symbol() string { return c.symbol }

// LatestPrice calls latestRoundData() and scales the int256 answer by the
// feed's 8 decimals. The round's updatedAt is returned alongside.
func (c *Client) LatestPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params": []interface{}{
			map[string]string{"to": c.feedAddress, "data": latestRoundDataSelector},
			"latest",
		},
		"id": 1,
	}

	var result rpcResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&result).
		Post("")
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("oracle rpc request failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return decimal.Zero, time.Time{}, fmt.Errorf("oracle rpc status %d", resp.StatusCode())
	}
	if result.Error != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("oracle rpc error: %s", result.Error.Message)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(result.Result, "0x"))
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("oracle result not hex: %w", err)
	}
	// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
	if len(raw) < 160 {
		return decimal.Zero, time.Time{}, fmt.Errorf("oracle result too short: %d bytes", len(raw))
	}

	answer := new(big.Int).SetBytes(raw[32:64])
	updatedAt := new(big.Int).SetBytes(raw[96:128]).Int64()

	price := decimal.NewFromBigInt(answer, -feedDecimals)
	if !price.IsPositive() {
		return decimal.Zero, time.Time{}, fmt.Errorf("oracle answer not positive: %s", price)
	}

	return price, time.Unix(updatedAt, 0).UTC(), nil
}

// Divergence returns the relative deviation of the broker price from the
// oracle price as a positive fraction.
func Divergence(brokerPrice, oraclePrice decimal.Decimal) decimal.Decimal {
	if oraclePrice.IsZero() {
		return decimal.Zero
	}
	return brokerPrice.Sub(oraclePrice).Div(oraclePrice).Abs()
}
