package kucoin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
)

func TestDepthTopicCanonicalizesXBTAlias(t *testing.T) {
	c := New()
	var got *market.OrderBook
	c.SetOrderbookHandler(func(ob *market.OrderBook) { got = ob })

	c.handleMessage([]byte(`{
		"type":"message","topic":"/contractMarket/level2Depth50:XBTUSDTM","subject":"level2",
		"data":{"bids":[[42000,1.5]],"asks":[[42010,2]],"ts":1700000000000000000}
	}`))

	require.NotNil(t, got)
	assert.Equal(t, "XBTUSDTM", got.Symbol, "native symbol keeps the venue alias")
	assert.Equal(t, "BTC-USDT-PERP", got.Canonical, "canonical resolves XBT to BTC")
	assert.Equal(t, 42000.0, got.BestBid)
}

func TestExecutionTopic(t *testing.T) {
	c := New()
	var got *market.Trade
	c.SetTradeHandler(func(tr *market.Trade) { got = tr })

	c.handleMessage([]byte(`{
		"type":"message","topic":"/contractMarket/execution:ETHUSDTM","subject":"match",
		"data":{"tradeId":"abc","price":"3000.25","size":2,"side":"sell","ts":1700000000000000000}
	}`))

	require.NotNil(t, got)
	assert.Equal(t, "ETH-USDT-PERP", got.Canonical)
	assert.Equal(t, 3000.25, got.Price)
	assert.Equal(t, 2.0, got.Quantity)
	assert.Equal(t, "sell", got.Side)
}

func TestNonMessageFramesAreIgnored(t *testing.T) {
	c := New()
	called := false
	c.SetOrderbookHandler(func(*market.OrderBook) { called = true })

	c.handleMessage([]byte(`{"id":"x","type":"welcome"}`))
	c.handleMessage([]byte(`{"id":"y","type":"ack"}`))
	c.handleMessage([]byte(`{"id":"z","type":"pong"}`))

	assert.False(t, called)
}
