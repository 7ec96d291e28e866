// Package venue defines the uniform connector contract over heterogeneous
// trading venues and the shared streaming/REST plumbing the per-venue
// implementations are built on.
package venue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"spreadscan/internal/market"
)

// ErrNotConnected is returned by operations that require an open streaming
// connection.
var ErrNotConnected = errors.New("venue: not connected")

// Credentials are injected into connectors that support authenticated REST.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

type (
	OrderbookHandler func(*market.OrderBook)
	TradeHandler     func(*market.Trade)
	FundingHandler   func(*market.FundingRate)
	ErrorHandler     func(error)
)

// Connector is the uniform contract every venue implements. REST operations
// are independent of the streaming connection; streaming operations require
// Connect or ConnectForSymbols first.
type Connector interface {
	ID() market.VenueID

	FetchInstruments(ctx context.Context) ([]market.Instrument, error)
	FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error)
	FetchFundingRates(ctx context.Context) ([]market.FundingRate, error)
	FetchAssetInfo(ctx context.Context) ([]market.AssetInfo, error)
	FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error)

	// Connect opens the streaming socket and subscribes to the configured
	// default symbols (legacy all-symbol mode).
	Connect(ctx context.Context) error
	// ConnectForSymbols opens the streaming socket and subscribes to the
	// given symbols only.
	ConnectForSymbols(ctx context.Context, symbols []string) error
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	Disconnect() error

	SetOrderbookHandler(OrderbookHandler)
	SetTradeHandler(TradeHandler)
	SetFundingHandler(FundingHandler)
	SetErrorHandler(ErrorHandler)

	IsConnected() bool
	LastMessageTime() time.Time
}

// Base carries the state common to all connectors: identity, handler slots,
// connection flags and optional credentials. Handler slots are written before
// connecting and read from the read loop, so they sit behind a mutex.
type Base struct {
	id market.VenueID

	mu        sync.RWMutex
	onBook    OrderbookHandler
	onTrade   TradeHandler
	onFunding FundingHandler
	onError   ErrorHandler
	creds     *Credentials

	connected atomic.Bool
	lastMsg   atomic.Int64 // unix nanos
}

func NewBase(id market.VenueID) *Base {
	return &Base{id: id}
}

func (b *Base) ID() market.VenueID { return b.id }

func (b *Base) SetOrderbookHandler(h OrderbookHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBook = h
}

func (b *Base) SetTradeHandler(h TradeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrade = h
}

func (b *Base) SetFundingHandler(h FundingHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFunding = h
}

func (b *Base) SetErrorHandler(h ErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = h
}

// SetCredentials injects API credentials for authenticated REST endpoints.
func (b *Base) SetCredentials(c *Credentials) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = c
}

// Creds returns the injected credentials, or nil.
func (b *Base) Creds() *Credentials {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.creds
}

func (b *Base) IsConnected() bool { return b.connected.Load() }

func (b *Base) SetConnected(v bool) { b.connected.Store(v) }

func (b *Base) LastMessageTime() time.Time {
	n := b.lastMsg.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *Base) touch() { b.lastMsg.Store(time.Now().UnixNano()) }

// EmitOrderbook dispatches a normalized book to the registered handler and
// stamps the message clock.
func (b *Base) EmitOrderbook(ob *market.OrderBook) {
	b.touch()
	b.mu.RLock()
	h := b.onBook
	b.mu.RUnlock()
	if h != nil {
		h(ob)
	}
}

func (b *Base) EmitTrade(t *market.Trade) {
	b.touch()
	b.mu.RLock()
	h := b.onTrade
	b.mu.RUnlock()
	if h != nil {
		h(t)
	}
}

func (b *Base) EmitFunding(fr *market.FundingRate) {
	b.touch()
	b.mu.RLock()
	h := b.onFunding
	b.mu.RUnlock()
	if h != nil {
		h(fr)
	}
}

func (b *Base) EmitError(err error) {
	b.mu.RLock()
	h := b.onError
	b.mu.RUnlock()
	if h != nil {
		h(err)
	}
}
