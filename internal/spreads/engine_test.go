package spreads

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/ingest"
	"spreadscan/internal/market"
)

func leg(v market.VenueID, sym string, taker, last, bid, ask, vol float64) *ingest.VenueToken {
	return &ingest.VenueToken{
		Instrument: market.Instrument{
			Venue: v, Symbol: sym, Canonical: "BTC-USDT-PERP", TakerFee: taker,
		},
		Ticker: &market.PriceTicker{
			Venue: v, Symbol: sym, Canonical: "BTC-USDT-PERP",
			Last: last, Bid: bid, Ask: ask, Volume24h: vol,
		},
	}
}

func inventory(legs map[market.VenueID]*ingest.VenueToken) ingest.Inventory {
	return ingest.Inventory{
		"BTC-USDT-PERP": &ingest.Token{Canonical: "BTC-USDT-PERP", Venues: legs},
	}
}

func TestSinglePairSpread(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	inv := inventory(map[market.VenueID]*ingest.VenueToken{
		market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42001, 0),
		market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42010, 0, 0),
	})

	spreadsFound := e.Rebuild(inv)
	require.Len(t, spreadsFound, 1, "only the A-ask/B-bid pairing is priceable")

	s := spreadsFound[0]
	assert.Equal(t, market.Binance, s.LongVenue)
	assert.Equal(t, market.Bybit, s.ShortVenue)
	assert.Equal(t, 42001.0, s.LongPrice)
	assert.Equal(t, 42010.0, s.ShortPrice)
	assert.InDelta(t, 2.1428, s.SpreadBps, 1e-3)
	assert.InDelta(t, 2.1428-10, s.PnlBps, 1e-3)
	assert.Equal(t, s.SpreadBps, s.HighBps)
	assert.Equal(t, s.SpreadBps, s.LowBps)
}

func TestBelowThresholdIsSkipped(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 5, Weights: DefaultWeights()})
	inv := inventory(map[market.VenueID]*ingest.VenueToken{
		market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42001, 0),
		market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42010, 0, 0),
	})
	assert.Empty(t, e.Rebuild(inv), "2.14 bps is below a 5 bps floor")
}

func TestSingleVenueYieldsNoSpread(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	inv := inventory(map[market.VenueID]*ingest.VenueToken{
		market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 42000, 41999, 42001, 0),
	})
	assert.Empty(t, e.Rebuild(inv))
}

func TestStreamingUpdateSupersedesRest(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	inv := inventory(map[market.VenueID]*ingest.VenueToken{
		market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42001, 0),
		market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42010, 42021, 0),
	})
	require.Len(t, e.Rebuild(inv), 1)

	// The long leg's ask jumps above the short leg's bid.
	e.ApplyBook(&market.OrderBook{
		Venue: market.Binance, Symbol: "BTCUSDT", Canonical: "BTC-USDT-PERP",
		Bids:    []market.PriceLevel{{Price: 42020, Quantity: 1}},
		Asks:    []market.PriceLevel{{Price: 42020, Quantity: 1}},
		BestBid: 42020, BestAsk: 42020,
	})

	for _, s := range e.All() {
		assert.NotEqual(t, SpreadID("BTC-USDT-PERP", market.Binance, market.Bybit), s.ID,
			"the now-negative spread must drop out")
	}
}

func TestLiveBookRefreshesPricesAndMarks(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	inv := inventory(map[market.VenueID]*ingest.VenueToken{
		market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42001, 0),
		market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42010, 0, 0),
	})
	require.Len(t, e.Rebuild(inv), 1)

	// The short leg's bid improves: spread widens, high mark follows.
	updated := e.ApplyBook(&market.OrderBook{
		Venue: market.Bybit, Symbol: "BTCUSDT", Canonical: "BTC-USDT-PERP",
		Bids:    []market.PriceLevel{{Price: 42030, Quantity: 2}},
		Asks:    []market.PriceLevel{{Price: 42031, Quantity: 1}},
		BestBid: 42030, BestAsk: 42031,
	})
	require.Len(t, updated, 1)
	s := updated[0]
	assert.Equal(t, 42030.0, s.ShortPrice)
	assert.InDelta(t, (42030.0-42001.0)/42001.0*10000, s.SpreadBps, 1e-9)
	assert.Equal(t, s.SpreadBps, s.HighBps)
	assert.InDelta(t, 2.1428, s.LowBps, 1e-3, "low mark keeps the discovery value")
	assert.Greater(t, s.ShortDepthUSD, 0.0)
}

func TestFundingUpdateAdjustsNetFunding(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	inv := inventory(map[market.VenueID]*ingest.VenueToken{
		market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42001, 0),
		market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42010, 0, 0),
	})
	require.Len(t, e.Rebuild(inv), 1)

	updated := e.ApplyFunding(&market.FundingRate{
		Venue: market.Bybit, Symbol: "BTCUSDT", Canonical: "BTC-USDT-PERP", Rate: 0.0001,
	})
	require.Len(t, updated, 1)
	assert.Equal(t, 0.0001, updated[0].ShortFunding)
	assert.Equal(t, 0.0001, updated[0].NetFunding)
}

func TestRankingHigherPnlDominatesAtEqualDepth(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	inv := ingest.Inventory{
		"BTC-USDT-PERP": &ingest.Token{Canonical: "BTC-USDT-PERP", Venues: map[market.VenueID]*ingest.VenueToken{
			market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42000, 0),
			market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42050, 0, 0),
		}},
		"ETH-USDT-PERP": &ingest.Token{Canonical: "ETH-USDT-PERP", Venues: map[market.VenueID]*ingest.VenueToken{
			market.Binance: {
				Instrument: market.Instrument{Venue: market.Binance, Symbol: "ETHUSDT", Canonical: "ETH-USDT-PERP", TakerFee: 0.0005},
				Ticker:     &market.PriceTicker{Venue: market.Binance, Canonical: "ETH-USDT-PERP", Ask: 3000},
			},
			market.Bybit: {
				Instrument: market.Instrument{Venue: market.Bybit, Symbol: "ETHUSDT", Canonical: "ETH-USDT-PERP", TakerFee: 0.0005},
				Ticker:     &market.PriceTicker{Venue: market.Bybit, Canonical: "ETH-USDT-PERP", Bid: 3001},
			},
		}},
	}

	ranked := e.Rebuild(inv)
	require.Len(t, ranked, 2)
	// BTC: ~11.9 bps; ETH: ~3.3 bps. Same fees and depth, so the fatter
	// spread must rank first.
	assert.Equal(t, "BTC-USDT-PERP", ranked[0].Canonical)
	assert.Greater(t, ranked[0].PnlBps, ranked[1].PnlBps)
}

func TestPlanCoversBothLegs(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	inv := inventory(map[market.VenueID]*ingest.VenueToken{
		market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42001, 0),
		market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42010, 0, 0),
	})
	require.Len(t, e.Rebuild(inv), 1)

	plan := e.Plan()
	assert.Equal(t, []string{"BTCUSDT"}, plan[market.Binance])
	assert.Equal(t, []string{"BTCUSDT"}, plan[market.Bybit])
	assert.Len(t, plan, 2)
}

func TestTopCapsAtConfiguredN(t *testing.T) {
	e := NewEngine(Config{MinSpreadBps: 1, TopN: 1, Weights: DefaultWeights()})
	inv := ingest.Inventory{
		"BTC-USDT-PERP": &ingest.Token{Canonical: "BTC-USDT-PERP", Venues: map[market.VenueID]*ingest.VenueToken{
			market.Binance: leg(market.Binance, "BTCUSDT", 0.0005, 0, 0, 42000, 0),
			market.Bybit:   leg(market.Bybit, "BTCUSDT", 0.0005, 0, 42050, 0, 0),
		}},
		"ETH-USDT-PERP": &ingest.Token{Canonical: "ETH-USDT-PERP", Venues: map[market.VenueID]*ingest.VenueToken{
			market.Binance: {
				Instrument: market.Instrument{Venue: market.Binance, Symbol: "ETHUSDT", Canonical: "ETH-USDT-PERP", TakerFee: 0.0005},
				Ticker:     &market.PriceTicker{Venue: market.Binance, Canonical: "ETH-USDT-PERP", Ask: 3000},
			},
			market.Bybit: {
				Instrument: market.Instrument{Venue: market.Bybit, Symbol: "ETHUSDT", Canonical: "ETH-USDT-PERP", TakerFee: 0.0005},
				Ticker:     &market.PriceTicker{Venue: market.Bybit, Canonical: "ETH-USDT-PERP", Bid: 3001},
			},
		}},
	}

	require.Len(t, e.Rebuild(inv), 2, "both spreads stay in the inventory")
	top := e.Top()
	require.Len(t, top, 1, "the list view is capped")
	assert.Equal(t, "BTC-USDT-PERP", top[0].Canonical)
	assert.Len(t, e.All(), 2)
}

func TestTiesBreakByEarlierUpdate(t *testing.T) {
	now := time.Now()
	a := &Spread{ID: "a", Score: 1, PnlBps: 1, UpdatedAt: now.Add(-time.Second)}
	b := &Spread{ID: "b", Score: 1, PnlBps: 1, UpdatedAt: now}
	e := NewEngine(Config{MinSpreadBps: 1, Weights: DefaultWeights()})
	e.spreads["a"] = a
	e.spreads["b"] = b

	ranked := e.All()
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].ID)
}
