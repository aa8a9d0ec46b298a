package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeed = "0xc907E116054Ad103354f2D350FD2514433D57F6f"

// roundDataHex packs latestRoundData() return values into ABI words.
func roundDataHex(answer int64, updatedAt int64) string {
	return fmt.Sprintf("0x%064x%064x%064x%064x%064x", 1, answer, updatedAt, updatedAt, 1)
}

func rpcServer(t *testing.T, respond func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eth_call", req.Method)

		var call struct {
			To   string `json:"to"`
			Data string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(req.Params[0], &call))
		assert.Equal(t, testFeed, call.To)
		assert.Equal(t, latestRoundDataSelector, call.Data)

		respond(w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLatestPriceParsesRoundData(t *testing.T) {
	// 50123.456789 scaled to the feed's 8 decimals
	srv := rpcServer(t, func(w http.ResponseWriter) {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":"%s"}`, roundDataHex(5012345678900, 1700000000))
	})

	client := NewClient(srv.URL, testFeed, "BTCUSDT")
	price, updatedAt, err := client.LatestPrice(context.Background())
	require.NoError(t, err)

	assert.True(t, price.Equal(decimal.NewFromFloat(50123.456789)), "price %s", price)
	assert.Equal(t, int64(1700000000), updatedAt.Unix())
}

func TestLatestPriceRPCError(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted"}}`)
	})

	client := NewClient(srv.URL, testFeed, "BTCUSDT")
	_, _, err := client.LatestPrice(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
}

func TestLatestPriceRejectsShortResult(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x1234"}`)
	})

	client := NewClient(srv.URL, testFeed, "BTCUSDT")
	_, _, err := client.LatestPrice(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestLatestPriceRejectsZeroAnswer(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter) {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":"%s"}`, roundDataHex(0, 1700000000))
	})

	client := NewClient(srv.URL, testFeed, "BTCUSDT")
	_, _, err := client.LatestPrice(context.Background())
	assert.Error(t, err)
}

func TestDivergence(t *testing.T) {
	oracle := decimal.NewFromInt(100)

	assert.True(t, Divergence(decimal.NewFromInt(102), oracle).Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, Divergence(decimal.NewFromInt(98), oracle).Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, Divergence(decimal.NewFromInt(100), oracle).IsZero())
	assert.True(t, Divergence(decimal.NewFromInt(100), decimal.Zero).IsZero())
}
