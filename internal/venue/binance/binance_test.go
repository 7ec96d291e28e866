package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
)

func TestDepthFrameEmitsNormalizedBook(t *testing.T) {
	c := New()
	var got *market.OrderBook
	c.SetOrderbookHandler(func(ob *market.OrderBook) { got = ob })

	c.handleMessage([]byte(`{
		"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT",
		"U":100,"u":105,"pu":0,
		"b":[["42000","1.5"],["41990","2"]],
		"a":[["42010","0.8"],["42020","1"]]
	}`))

	require.NotNil(t, got)
	assert.Equal(t, market.Binance, got.Venue)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, "BTC-USDT-PERP", got.Canonical)
	assert.Equal(t, 42000.0, got.BestBid)
	assert.Equal(t, 42010.0, got.BestAsk)
	assert.InDelta(t, (42010.0-42000.0)/42000.0*10000, got.SpreadBps, 1e-9)
	assert.EqualValues(t, 105, got.SequenceID)
	assert.True(t, got.IsSnapshot)
}

func TestDepthFrameWithBadPriceIsDropped(t *testing.T) {
	c := New()
	called := false
	c.SetOrderbookHandler(func(*market.OrderBook) { called = true })

	c.handleMessage([]byte(`{
		"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT",
		"U":1,"u":2,"pu":0,
		"b":[["not-a-price","1.5"]],"a":[["42010","1"]]
	}`))

	assert.False(t, called, "malformed frame must not reach the handler")
}

func TestAggTradeFrame(t *testing.T) {
	c := New()
	var got *market.Trade
	c.SetTradeHandler(func(tr *market.Trade) { got = tr })

	c.handleMessage([]byte(`{
		"e":"aggTrade","s":"ETHUSDT","a":7,
		"p":"3000.5","q":"0.25","T":1700000000123,"m":true
	}`))

	require.NotNil(t, got)
	assert.Equal(t, "ETH-USDT-PERP", got.Canonical)
	assert.Equal(t, 3000.5, got.Price)
	assert.Equal(t, 0.25, got.Quantity)
	assert.Equal(t, "sell", got.Side, "buyer-is-maker aggression maps to sell")
}

func TestUnknownEventIsIgnored(t *testing.T) {
	c := New()
	called := false
	c.SetOrderbookHandler(func(*market.OrderBook) { called = true })
	c.SetTradeHandler(func(*market.Trade) { called = true })

	c.handleMessage([]byte(`{"e":"markPriceUpdate","s":"BTCUSDT","p":"42000"}`))
	c.handleMessage([]byte(`{"result":null,"id":1}`))

	assert.False(t, called)
}
