package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookSnapshotOrdering(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", "BTC-USDT-PERP")
	b.ApplySnapshot(
		[]PriceLevel{{42000, 1}, {42010, 2}, {41990, 0.5}},
		[]PriceLevel{{42020, 1}, {42015, 3}, {42030, 0.25}},
		100, time.Now(),
	)

	ob := b.Snapshot(true)
	require.Len(t, ob.Bids, 3)
	require.Len(t, ob.Asks, 3)

	for i := 1; i < len(ob.Bids); i++ {
		assert.Greater(t, ob.Bids[i-1].Price, ob.Bids[i].Price, "bids must be strictly descending")
	}
	for i := 1; i < len(ob.Asks); i++ {
		assert.Less(t, ob.Asks[i-1].Price, ob.Asks[i].Price, "asks must be strictly ascending")
	}
	for _, l := range append(ob.Bids, ob.Asks...) {
		assert.Greater(t, l.Quantity, 0.0)
	}

	assert.Equal(t, 42010.0, ob.BestBid)
	assert.Equal(t, 42015.0, ob.BestAsk)
	assert.Less(t, ob.BestBid, ob.BestAsk)
	assert.InDelta(t, (42015.0-42010.0)/42010.0*10000, ob.SpreadBps, 1e-9)
}

func TestBookSnapshotThenNoDeltasIsStable(t *testing.T) {
	b := NewBook(Bybit, "ETHUSDT", "ETH-USDT-PERP")
	bids := []PriceLevel{{3000, 5}, {2999.5, 2}}
	asks := []PriceLevel{{3000.5, 1}, {3001, 4}}
	b.ApplySnapshot(bids, asks, 7, time.Now())

	first := b.Snapshot(true)
	second := b.Snapshot(false)

	assert.Equal(t, first.Bids, second.Bids)
	assert.Equal(t, first.Asks, second.Asks)
	assert.Equal(t, first.BestBid, second.BestBid)
	assert.Equal(t, first.BestAsk, second.BestAsk)
	assert.Equal(t, first.SequenceID, second.SequenceID)
}

func TestBookDeltaSetUpdateDelete(t *testing.T) {
	b := NewBook(GateIO, "BTC_USDT", "BTC-USDT-PERP")
	b.ApplySnapshot(
		[]PriceLevel{{42000, 1}},
		[]PriceLevel{{42010, 1}},
		1, time.Now(),
	)

	// Set a new bid, update the existing ask, delete the existing bid.
	err := b.ApplyDelta(
		[]PriceLevel{{41999, 2}, {42000, 0}},
		[]PriceLevel{{42010, 0.5}},
		0, 2, time.Now(),
	)
	require.NoError(t, err)

	ob := b.Snapshot(false)
	require.Len(t, ob.Bids, 1)
	assert.Equal(t, 41999.0, ob.Bids[0].Price)
	assert.Equal(t, 2.0, ob.Bids[0].Quantity)
	require.Len(t, ob.Asks, 1)
	assert.Equal(t, 0.5, ob.Asks[0].Quantity)
	assert.EqualValues(t, 2, ob.SequenceID)
}

func TestBookDeleteMissingLevelIsNoop(t *testing.T) {
	b := NewBook(OKX, "BTC-USDT-SWAP", "BTC-USDT-PERP")
	b.ApplySnapshot([]PriceLevel{{42000, 1}}, []PriceLevel{{42010, 1}}, 1, time.Now())

	before := b.Snapshot(false)
	err := b.ApplyDelta([]PriceLevel{{41000, 0}}, nil, 0, 2, time.Now())
	require.NoError(t, err)
	after := b.Snapshot(false)

	assert.Equal(t, before.Bids, after.Bids)
	assert.Equal(t, before.Asks, after.Asks)
}

func TestBookSequenceGap(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", "BTC-USDT-PERP")
	b.ApplySnapshot([]PriceLevel{{42000, 1}}, []PriceLevel{{42010, 1}}, 100, time.Now())

	// Contiguous delta: prevSeq matches the applied sequence.
	require.NoError(t, b.ApplyDelta([]PriceLevel{{41999, 1}}, nil, 100, 101, time.Now()))

	// Gap: prevSeq does not chain.
	err := b.ApplyDelta([]PriceLevel{{41998, 1}}, nil, 105, 106, time.Now())
	assert.ErrorIs(t, err, ErrSequenceGap)
}

func TestDepthUSD(t *testing.T) {
	levels := []PriceLevel{{100, 1}, {99, 2}, {98, 3}, {97, 4}, {96, 5}, {95, 100}}
	// Top 5 only: 100 + 198 + 294 + 388 + 480.
	assert.InDelta(t, 1460.0, DepthUSD(levels, 5), 1e-9)
	assert.Equal(t, 0.0, DepthUSD(nil, 5))
}
