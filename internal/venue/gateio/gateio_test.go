package gateio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
)

func seedBook(c *Connector, sym string, seq int64) {
	bk := c.books.Get(market.GateIO, sym, "BTC-USDT-PERP")
	bk.ApplySnapshot(
		[]market.PriceLevel{{Price: 42000, Quantity: 1}},
		[]market.PriceLevel{{Price: 42010, Quantity: 1}},
		seq, time.Now(),
	)
}

func TestOrderBookUpdateChainsOnSnapshot(t *testing.T) {
	c := New()
	seedBook(c, "BTC_USDT", 100)
	var got *market.OrderBook
	c.SetOrderbookHandler(func(ob *market.OrderBook) { got = ob })

	c.handleMessage([]byte(`{
		"channel":"futures.order_book_update","event":"update",
		"result":{"t":1700000000000,"s":"BTC_USDT","U":101,"u":103,
			"b":[{"p":"41999","s":2}],"a":[{"p":"42010","s":0}]}
	}`))

	require.NotNil(t, got)
	assert.False(t, got.IsSnapshot)
	assert.Equal(t, "BTC-USDT-PERP", got.Canonical)
	assert.Equal(t, 42000.0, got.BestBid)
	assert.Empty(t, got.Asks, "zero size removes the only ask level")
	assert.EqualValues(t, 103, got.SequenceID)
}

func TestOrderBookUpdateBeforeSnapshotIsDropped(t *testing.T) {
	c := New()
	called := false
	c.SetOrderbookHandler(func(*market.OrderBook) { called = true })

	c.handleMessage([]byte(`{
		"channel":"futures.order_book_update","event":"update",
		"result":{"t":1,"s":"BTC_USDT","U":5,"u":6,"b":[{"p":"42000","s":1}],"a":[]}
	}`))

	assert.False(t, called, "updates must wait for the snapshot")
}

func TestStaleOverlapIsIgnored(t *testing.T) {
	c := New()
	seedBook(c, "BTC_USDT", 100)
	called := false
	c.SetOrderbookHandler(func(*market.OrderBook) { called = true })

	// Entirely covered by the snapshot already applied.
	c.handleMessage([]byte(`{
		"channel":"futures.order_book_update","event":"update",
		"result":{"t":1,"s":"BTC_USDT","U":95,"u":100,"b":[{"p":"1","s":1}],"a":[]}
	}`))

	assert.False(t, called)
}

func TestTradesFrameSignedSize(t *testing.T) {
	c := New()
	var trades []*market.Trade
	c.SetTradeHandler(func(tr *market.Trade) { trades = append(trades, tr) })

	c.handleMessage([]byte(`{
		"channel":"futures.trades","event":"update",
		"result":[
			{"id":1,"create_time_ms":1700000000001,"price":"42000","size":3,"contract":"BTC_USDT"},
			{"id":2,"create_time_ms":1700000000002,"price":"41999","size":-2,"contract":"BTC_USDT"}
		]
	}`))

	require.Len(t, trades, 2)
	assert.Equal(t, "buy", trades[0].Side)
	assert.Equal(t, 3.0, trades[0].Quantity)
	assert.Equal(t, "sell", trades[1].Side)
	assert.Equal(t, 2.0, trades[1].Quantity, "negative size carries the sell side, quantity stays positive")
}
