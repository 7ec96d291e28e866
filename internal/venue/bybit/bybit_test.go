package bybit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
)

func TestSnapshotThenDelta(t *testing.T) {
	c := New()
	var books []*market.OrderBook
	c.SetOrderbookHandler(func(ob *market.OrderBook) { books = append(books, ob) })

	c.handleMessage([]byte(`{
		"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,
		"data":{"s":"BTCUSDT","b":[["42000","1"],["41999","2"]],"a":[["42001","1"]],"u":10,"seq":100}
	}`))
	require.Len(t, books, 1)
	assert.True(t, books[0].IsSnapshot)
	assert.Equal(t, 42000.0, books[0].BestBid)
	assert.Equal(t, 42001.0, books[0].BestAsk)

	// Delta: delete the best bid, add a new ask level.
	c.handleMessage([]byte(`{
		"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000100,
		"data":{"s":"BTCUSDT","b":[["42000","0"]],"a":[["42002","3"]],"u":11}
	}`))
	require.Len(t, books, 2)
	ob := books[1]
	assert.False(t, ob.IsSnapshot)
	assert.Equal(t, 41999.0, ob.BestBid)
	assert.Equal(t, 42001.0, ob.BestAsk)
	require.Len(t, ob.Asks, 2)
	assert.Equal(t, 42002.0, ob.Asks[1].Price)
}

func TestDeltaWithBadQuantityIsDropped(t *testing.T) {
	c := New()
	count := 0
	c.SetOrderbookHandler(func(*market.OrderBook) { count++ })

	c.handleMessage([]byte(`{
		"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,
		"data":{"s":"BTCUSDT","b":[["42000","1"]],"a":[["42001","1"]],"u":1}
	}`))
	c.handleMessage([]byte(`{
		"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,
		"data":{"s":"BTCUSDT","b":[["42000","NaNopes"]],"a":[],"u":2}
	}`))

	assert.Equal(t, 1, count, "only the valid snapshot may be emitted")
}

func TestPublicTradeFrame(t *testing.T) {
	c := New()
	var trades []*market.Trade
	c.SetTradeHandler(func(tr *market.Trade) { trades = append(trades, tr) })

	c.handleMessage([]byte(`{
		"topic":"publicTrade.ETHUSDT","type":"snapshot","ts":1700000000000,
		"data":[
			{"T":1700000000001,"s":"ETHUSDT","S":"Buy","v":"0.5","p":"3000","i":"t1"},
			{"T":1700000000002,"s":"ETHUSDT","S":"Sell","v":"1","p":"2999.5","i":"t2"}
		]
	}`))

	require.Len(t, trades, 2)
	assert.Equal(t, "buy", trades[0].Side)
	assert.Equal(t, "sell", trades[1].Side)
	assert.Equal(t, "ETH-USDT-PERP", trades[1].Canonical)
	assert.Equal(t, 2999.5, trades[1].Price)
}
