package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
	"spreadscan/internal/venue"
)

// stubConnector scripts REST results and records streaming calls.
type stubConnector struct {
	id market.VenueID

	mu           sync.Mutex
	instruments  []market.Instrument
	tickers      []market.PriceTicker
	funding      []market.FundingRate
	assets       []market.AssetInfo
	instErr      error
	tickerErr    error
	connected    bool
	lastMsg      time.Time
	subscribed   map[string]bool
	connects     int
	disconnects  int
	subscribes   [][]string
	unsubscribes [][]string

	onBook venue.OrderbookHandler
}

func newStub(id market.VenueID) *stubConnector {
	return &stubConnector{id: id, subscribed: make(map[string]bool)}
}

func (s *stubConnector) ID() market.VenueID { return s.id }

func (s *stubConnector) FetchInstruments(context.Context) ([]market.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruments, s.instErr
}

func (s *stubConnector) FetchPriceTickers(context.Context) ([]market.PriceTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickers, s.tickerErr
}

func (s *stubConnector) FetchFundingRates(context.Context) ([]market.FundingRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.funding, nil
}

func (s *stubConnector) FetchAssetInfo(context.Context) ([]market.AssetInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets, nil
}

func (s *stubConnector) FetchOrderbookSnapshot(context.Context, string, int) (*market.OrderBook, error) {
	return nil, errors.New("not scripted")
}

func (s *stubConnector) Connect(ctx context.Context) error {
	return s.ConnectForSymbols(ctx, nil)
}

func (s *stubConnector) ConnectForSymbols(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.connects++
	s.lastMsg = time.Now()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	return nil
}

func (s *stubConnector) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return venue.ErrNotConnected
	}
	s.subscribes = append(s.subscribes, symbols)
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	return nil
}

func (s *stubConnector) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return venue.ErrNotConnected
	}
	s.unsubscribes = append(s.unsubscribes, symbols)
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	return nil
}

func (s *stubConnector) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnects++
	s.subscribed = make(map[string]bool)
	return nil
}

func (s *stubConnector) SetOrderbookHandler(h venue.OrderbookHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBook = h
}
func (s *stubConnector) SetTradeHandler(venue.TradeHandler)     {}
func (s *stubConnector) SetFundingHandler(venue.FundingHandler) {}
func (s *stubConnector) SetErrorHandler(venue.ErrorHandler)     {}

func (s *stubConnector) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubConnector) LastMessageTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsg
}

func (s *stubConnector) setLastMessage(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMsg = t
}

func (s *stubConnector) subscribedSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.subscribed))
	for k, v := range s.subscribed {
		out[k] = v
	}
	return out
}

func instrument(v market.VenueID, sym, canonical, base string) market.Instrument {
	return market.Instrument{Venue: v, Symbol: sym, Canonical: canonical, BaseAsset: base, QuoteAsset: "USDT", Kind: "perpetual", TakerFee: 0.0005}
}

func TestLoadAllMergesAcrossVenues(t *testing.T) {
	a := newStub(market.Binance)
	a.instruments = []market.Instrument{instrument(market.Binance, "BTCUSDT", "BTC-USDT-PERP", "BTC")}
	a.tickers = []market.PriceTicker{{Venue: market.Binance, Symbol: "BTCUSDT", Canonical: "BTC-USDT-PERP", Last: 42000}}
	a.funding = []market.FundingRate{{Venue: market.Binance, Symbol: "BTCUSDT", Canonical: "BTC-USDT-PERP", Rate: 0.0001}}
	a.assets = []market.AssetInfo{{Venue: market.Binance, Asset: "BTC", DepositEnabled: true, WithdrawEnabled: true}}

	b := newStub(market.Bybit)
	b.instruments = []market.Instrument{
		instrument(market.Bybit, "BTCUSDT", "BTC-USDT-PERP", "BTC"),
		instrument(market.Bybit, "DOGEUSDT", "DOGE-USDT-PERP", "DOGE"),
	}

	l := NewLoader(map[market.VenueID]venue.Connector{market.Binance: a, market.Bybit: b})
	inv := l.LoadAll(context.Background())

	require.Len(t, inv, 2)
	btc := inv["BTC-USDT-PERP"]
	require.NotNil(t, btc)
	require.Len(t, btc.Venues, 2)

	vt := btc.Venues[market.Binance]
	require.NotNil(t, vt.Ticker)
	assert.Equal(t, 42000.0, vt.Ticker.Last)
	require.NotNil(t, vt.Funding)
	assert.Equal(t, 0.0001, vt.Funding.Rate)
	require.NotNil(t, vt.Asset)
	assert.True(t, vt.Asset.DepositEnabled)

	// Bybit scripted no tickers or assets; the token survives with nil fields.
	assert.Nil(t, btc.Venues[market.Bybit].Ticker)
	assert.Nil(t, btc.Venues[market.Bybit].Asset)

	multi := inv.MultiVenue()
	assert.Len(t, multi, 1)
	assert.Contains(t, multi, "BTC-USDT-PERP")
}

func TestLoadAllSkipsVenueOnInstrumentFailure(t *testing.T) {
	a := newStub(market.Binance)
	a.instErr = errors.New("exchange down")
	b := newStub(market.Bybit)
	b.instruments = []market.Instrument{instrument(market.Bybit, "BTCUSDT", "BTC-USDT-PERP", "BTC")}

	l := NewLoader(map[market.VenueID]venue.Connector{market.Binance: a, market.Bybit: b})
	inv := l.LoadAll(context.Background())

	require.Len(t, inv, 1)
	assert.Len(t, inv["BTC-USDT-PERP"].Venues, 1)
	assert.NotContains(t, inv["BTC-USDT-PERP"].Venues, market.Binance)
}

func TestLoadAllDegradesOnTickerFailure(t *testing.T) {
	a := newStub(market.Binance)
	a.instruments = []market.Instrument{instrument(market.Binance, "BTCUSDT", "BTC-USDT-PERP", "BTC")}
	a.tickerErr = errors.New("rate limited")

	l := NewLoader(map[market.VenueID]venue.Connector{market.Binance: a})
	inv := l.LoadAll(context.Background())

	require.Len(t, inv, 1)
	assert.Nil(t, inv["BTC-USDT-PERP"].Venues[market.Binance].Ticker)
}

func TestLoadAllWithZeroWorkingVenuesIsEmpty(t *testing.T) {
	a := newStub(market.Binance)
	a.instErr = errors.New("down")
	l := NewLoader(map[market.VenueID]venue.Connector{market.Binance: a})
	assert.Empty(t, l.LoadAll(context.Background()))
}

func TestConnectForSpreadsSkipsEmptySets(t *testing.T) {
	a := newStub(market.Binance)
	b := newStub(market.Bybit)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a, market.Bybit: b}, 0)

	m.ConnectForSpreads(context.Background(), SubscriptionPlan{
		market.Binance: {"BTCUSDT", "ETHUSDT"},
		market.Bybit:   {},
	})

	assert.True(t, a.IsConnected())
	assert.Equal(t, map[string]bool{"BTCUSDT": true, "ETHUSDT": true}, a.subscribedSet())
	assert.False(t, b.IsConnected())
	assert.Equal(t, 0, b.connects)
}

func TestUpdateSubscriptionsAppliesDiffOnly(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 0)
	m.ConnectForSpreads(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT", "ETHUSDT"}})

	m.UpdateSubscriptions(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT", "SOLUSDT"}})

	require.Len(t, a.subscribes, 1)
	assert.Equal(t, []string{"SOLUSDT"}, a.subscribes[0])
	require.Len(t, a.unsubscribes, 1)
	assert.Equal(t, []string{"ETHUSDT"}, a.unsubscribes[0])
	assert.Equal(t, 1, a.connects, "an unchanged connection is not re-dialed")
	assert.Equal(t, map[string]bool{"BTCUSDT": true, "SOLUSDT": true}, a.subscribedSet())
}

func TestUpdateSubscriptionsNoopOnIdenticalPlan(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 0)
	m.ConnectForSpreads(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT"}})

	m.UpdateSubscriptions(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT"}})

	assert.Empty(t, a.subscribes)
	assert.Empty(t, a.unsubscribes)
	assert.Equal(t, 1, a.connects)
}

func TestUpdateSubscriptionsDisconnectsEmptiedVenue(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 0)
	m.ConnectForSpreads(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT"}})

	m.UpdateSubscriptions(context.Background(), SubscriptionPlan{})

	assert.False(t, a.IsConnected())
	assert.Equal(t, 1, a.disconnects)
}

func TestUpdateSubscriptionsConnectsNewVenue(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 0)

	m.UpdateSubscriptions(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT"}})

	assert.True(t, a.IsConnected())
	assert.Equal(t, map[string]bool{"BTCUSDT": true}, a.subscribedSet())
}

func TestMonitorReconnectsDroppedVenue(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 0)
	m.ConnectForSpreads(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT", "ETHUSDT"}})

	// Simulate the socket dying out from under the connector.
	require.NoError(t, a.Disconnect())
	m.checkAndReconnect(context.Background())

	assert.True(t, a.IsConnected())
	assert.Equal(t, 2, a.connects)
	assert.Equal(t, map[string]bool{"BTCUSDT": true, "ETHUSDT": true}, a.subscribedSet())
}

func TestMonitorReconnectsStaleVenue(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 10*time.Second)
	m.ConnectForSpreads(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT"}})

	a.setLastMessage(time.Now().Add(-time.Minute))
	m.checkAndReconnect(context.Background())

	assert.Equal(t, 2, a.connects)
	assert.Equal(t, 1, a.disconnects)
}

func TestMonitorLeavesHealthyVenueAlone(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 10*time.Second)
	m.ConnectForSpreads(context.Background(), SubscriptionPlan{market.Binance: {"BTCUSDT"}})

	m.checkAndReconnect(context.Background())

	assert.Equal(t, 1, a.connects)
	assert.Equal(t, 0, a.disconnects)
}

func TestManagerFansEventsIntoChannels(t *testing.T) {
	a := newStub(market.Binance)
	m := NewManager(map[market.VenueID]venue.Connector{market.Binance: a}, 0)

	a.onBook(&market.OrderBook{
		Venue: market.Binance, Symbol: "BTCUSDT", Canonical: "BTC-USDT-PERP",
		BestBid: 42000, BestAsk: 42010,
	})

	select {
	case ob := <-m.Books():
		assert.Equal(t, "BTC-USDT-PERP", ob.Canonical)
	default:
		t.Fatal("expected a buffered order book event")
	}
}
