// Package bybit implements the connector for Bybit linear perpetuals (v5).
package bybit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"spreadscan/internal/market"
	"spreadscan/internal/symbols"
	"spreadscan/internal/telemetry"
	"spreadscan/internal/venue"
)

const (
	restURL      = "https://api.bybit.com"
	wsURL        = "wss://stream.bybit.com/v5/public/linear"
	pingInterval = 20 * time.Second
)

type Connector struct {
	*venue.Base
	rest  *venue.RESTClient
	books *venue.Books

	mu         sync.Mutex
	sess       *venue.Session
	subscribed map[string]struct{}
}

func New() *Connector {
	return &Connector{
		Base:       venue.NewBase(market.Bybit),
		rest:       venue.NewRESTClient(string(market.Bybit), restURL, 10),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []T `json:"list"`
	} `json:"result"`
}

func (c *Connector) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.rest.Get(ctx, path, q, out); err != nil {
		return err
	}
	return nil
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var resp envelope[struct {
		Symbol       string `json:"symbol"`
		ContractType string `json:"contractType"`
		Status       string `json:"status"`
		BaseCoin     string `json:"baseCoin"`
		QuoteCoin    string `json:"quoteCoin"`
		PriceFilter  struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			QtyStep          string `json:"qtyStep"`
			MinNotionalValue string `json:"minNotionalValue"`
		} `json:"lotSizeFilter"`
	}]
	q := url.Values{"category": {"linear"}, "limit": {"1000"}}
	if err := c.get(ctx, "/v5/market/instruments-info", q, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit instruments-info: %s", resp.RetMsg)
	}
	out := make([]market.Instrument, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		if s.Status != "Trading" || s.ContractType != "LinearPerpetual" {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.Bybit, s.Symbol)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.Bybit)).Inc()
			continue
		}
		tick, _ := venue.ParseFloat(s.PriceFilter.TickSize)
		lot, _ := venue.ParseFloat(s.LotSizeFilter.QtyStep)
		minNotional, _ := venue.ParseFloat(s.LotSizeFilter.MinNotionalValue)
		out = append(out, market.Instrument{
			Venue: market.Bybit, Symbol: s.Symbol, Canonical: canonical,
			BaseAsset: s.BaseCoin, QuoteAsset: s.QuoteCoin, Kind: "perpetual",
			ContractSize: 1, TickSize: tick, LotSize: lot, MinNotional: minNotional,
			MakerFee: 0.0002, TakerFee: 0.00055,
		})
	}
	return out, nil
}

type tickerRow struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	Turnover24h     string `json:"turnover24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (c *Connector) fetchTickers(ctx context.Context) ([]tickerRow, error) {
	var resp envelope[tickerRow]
	q := url.Values{"category": {"linear"}}
	if err := c.get(ctx, "/v5/market/tickers", q, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit tickers: %s", resp.RetMsg)
	}
	return resp.Result.List, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	rows, err := c.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(rows))
	for _, t := range rows {
		canonical, ok := symbols.ToCanonical(market.Bybit, t.Symbol)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.LastPrice)
		if !ok || last <= 0 {
			continue
		}
		bid, _ := venue.ParseFloat(t.Bid1Price)
		ask, _ := venue.ParseFloat(t.Ask1Price)
		vol, _ := venue.ParseFloat(t.Turnover24h)
		out = append(out, market.PriceTicker{
			Venue: market.Bybit, Symbol: t.Symbol, Canonical: canonical,
			Last: last, Bid: bid, Ask: ask, Volume24h: vol, Timestamp: now,
		})
	}
	return out, nil
}

// FetchFundingRates reads funding off the tickers endpoint, which carries the
// live rate and next settlement time for every linear contract.
func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	rows, err := c.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(rows))
	for _, t := range rows {
		canonical, ok := symbols.ToCanonical(market.Bybit, t.Symbol)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(t.FundingRate)
		if !ok {
			continue
		}
		var next time.Time
		if ms, ok := venue.ParseFloat(t.NextFundingTime); ok && ms > 0 {
			next = time.UnixMilli(int64(ms))
		}
		out = append(out, market.FundingRate{
			Venue: market.Bybit, Symbol: t.Symbol, Canonical: canonical,
			Rate: rate, NextFundingTime: next, IntervalHours: 8, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchAssetInfo(context.Context) ([]market.AssetInfo, error) {
	// Coin info requires an authenticated account endpoint; the loader falls
	// back to enabled/zero-fee defaults.
	return nil, nil
}

type bookPayload struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp struct {
		RetCode int         `json:"retCode"`
		RetMsg  string      `json:"retMsg"`
		Result  bookPayload `json:"result"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {symbol}, "limit": {fmt.Sprint(depth)}}
	if err := c.get(ctx, "/v5/market/orderbook", q, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit orderbook %s: %s", symbol, resp.RetMsg)
	}
	bids, ok1 := venue.ParseLevels(resp.Result.Bids)
	asks, ok2 := venue.ParseLevels(resp.Result.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("bybit orderbook %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.Bybit, symbol)
	bk := c.books.Get(market.Bybit, symbol, canonical)
	bk.ApplySnapshot(bids, asks, resp.Result.Update, time.Now())
	return bk.Snapshot(true), nil
}

func (c *Connector) Connect(ctx context.Context) error {
	return c.ConnectForSymbols(ctx, nil)
}

func (c *Connector) ConnectForSymbols(ctx context.Context, syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return nil
	}
	c.books.Reset()
	sess, err := venue.Dial(ctx, string(market.Bybit), venue.SessionOpts{
		URL:          wsURL,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.Send(map[string]string{"op": "ping"})
		},
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("bybit stream closed: %w", err))
		},
	})
	if err != nil {
		return err
	}
	c.sess = sess
	c.SetConnected(true)
	c.subscribed = make(map[string]struct{})
	if len(syms) > 0 {
		return c.subscribeLocked(syms)
	}
	return nil
}

func topics(sym string) []string {
	return []string{"orderbook.50." + sym, "publicTrade." + sym}
}

func (c *Connector) Subscribe(syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeLocked(syms)
}

func (c *Connector) subscribeLocked(syms []string) error {
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	var args []string
	for _, s := range syms {
		if _, ok := c.subscribed[s]; ok {
			continue
		}
		args = append(args, topics(s)...)
		c.subscribed[s] = struct{}{}
	}
	if len(args) == 0 {
		return nil
	}
	return c.sess.Send(map[string]any{"op": "subscribe", "args": args})
}

func (c *Connector) Unsubscribe(syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	var args []string
	for _, s := range syms {
		if _, ok := c.subscribed[s]; !ok {
			continue
		}
		args = append(args, topics(s)...)
		delete(c.subscribed, s)
		c.books.Drop(s)
	}
	if len(args) == 0 {
		return nil
	}
	return c.sess.Send(map[string]any{"op": "unsubscribe", "args": args})
}

func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetConnected(false)
	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}

type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

func (c *Connector) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Bybit), "frame").Inc()
		return
	}
	switch {
	case strings.HasPrefix(msg.Topic, "orderbook."):
		c.handleBook(&msg)
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		c.handleTrades(&msg)
	}
}

func (c *Connector) handleBook(msg *wsMessage) {
	var p bookPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Bybit), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.Bybit, p.Symbol)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseLevels(p.Bids)
	asks, ok2 := venue.ParseLevels(p.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.Bybit), "orderbook").Inc()
		return
	}
	bk := c.books.Get(market.Bybit, p.Symbol, canonical)
	ts := time.UnixMilli(msg.TS)
	if msg.Type == "snapshot" {
		bk.ApplySnapshot(bids, asks, p.Update, ts)
		c.EmitOrderbook(bk.Snapshot(true))
		return
	}
	if err := bk.ApplyDelta(bids, asks, 0, p.Update, ts); err != nil {
		c.EmitError(fmt.Errorf("bybit delta %s: %w", p.Symbol, err))
		return
	}
	c.EmitOrderbook(bk.Snapshot(false))
}

func (c *Connector) handleTrades(msg *wsMessage) {
	var rows []struct {
		Time     int64  `json:"T"`
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Size     string `json:"v"`
		Price    string `json:"p"`
		TradeID  string `json:"i"`
	}
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Bybit), "trade").Inc()
		return
	}
	now := time.Now()
	for _, r := range rows {
		canonical, ok := symbols.ToCanonical(market.Bybit, r.Symbol)
		if !ok {
			continue
		}
		price, ok := venue.ParseFloat(r.Price)
		if !ok || price <= 0 {
			telemetry.ParseErrors.WithLabelValues(string(market.Bybit), "trade").Inc()
			continue
		}
		qty, _ := venue.ParseFloat(r.Size)
		side := "buy"
		if r.Side == "Sell" {
			side = "sell"
		}
		c.EmitTrade(&market.Trade{
			Venue: market.Bybit, Symbol: r.Symbol, Canonical: canonical,
			TradeID: r.TradeID, Price: price, Quantity: qty, Side: side,
			Timestamp: time.UnixMilli(r.Time), ReceivedAt: now,
		})
	}
}
