// Package lbank implements the connector for LBank USDT perpetuals.
package lbank

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"spreadscan/internal/market"
	"spreadscan/internal/symbols"
	"spreadscan/internal/telemetry"
	"spreadscan/internal/venue"
)

const (
	restURL      = "https://lbkperp.lbank.com"
	wsURL        = "wss://lbkperpws.lbank.com/ws"
	productGroup = "SwapU"
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
		Base:       venue.NewBase(market.LBank),
		rest:       venue.NewRESTClient(string(market.LBank), restURL, 8),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var resp struct {
		Data []struct {
			Symbol          string  `json:"symbol"`
			BaseCurrency    string  `json:"baseCurrency"`
			PriceCurrency   string  `json:"priceCurrency"`
			PriceTick       float64 `json:"priceTick"`
			VolumeTick      float64 `json:"volumeTick"`
			MinOrderVolume  float64 `json:"minOrderVolume"`
			VolumeMultiple  float64 `json:"volumeMultiple"`
		} `json:"data"`
	}
	q := url.Values{"productGroup": {productGroup}}
	if err := c.rest.Get(ctx, "/cfd/openApi/v1/pub/instrument", q, &resp); err != nil {
		return nil, err
	}
	out := make([]market.Instrument, 0, len(resp.Data))
	for _, s := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.LBank, s.Symbol)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.LBank)).Inc()
			continue
		}
		size := s.VolumeMultiple
		if size == 0 {
			size = 1
		}
		out = append(out, market.Instrument{
			Venue: market.LBank, Symbol: s.Symbol, Canonical: canonical,
			BaseAsset: s.BaseCurrency, QuoteAsset: s.PriceCurrency, Kind: "perpetual",
			ContractSize: size, TickSize: s.PriceTick, LotSize: s.VolumeTick,
			MakerFee: 0.0002, TakerFee: 0.0006,
		})
	}
	return out, nil
}

type marketRow struct {
	Symbol          string  `json:"symbol"`
	LastPrice       float64 `json:"lastPrice"`
	Volume          float64 `json:"volume"`
	PositionFeeRate float64 `json:"positionFeeRate"`
	PositionFeeTime int64   `json:"positionFeeTime"`
}

func (c *Connector) fetchMarketData(ctx context.Context) ([]marketRow, error) {
	var resp struct {
		Data []marketRow `json:"data"`
	}
	q := url.Values{"productGroup": {productGroup}}
	if err := c.rest.Get(ctx, "/cfd/openApi/v1/pub/marketData", q, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	rows, err := c.fetchMarketData(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(rows))
	for _, t := range rows {
		canonical, ok := symbols.ToCanonical(market.LBank, t.Symbol)
		if !ok || t.LastPrice <= 0 {
			continue
		}
		out = append(out, market.PriceTicker{
			Venue: market.LBank, Symbol: t.Symbol, Canonical: canonical,
			Last: t.LastPrice, Volume24h: t.Volume, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	rows, err := c.fetchMarketData(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(rows))
	for _, t := range rows {
		canonical, ok := symbols.ToCanonical(market.LBank, t.Symbol)
		if !ok {
			continue
		}
		out = append(out, market.FundingRate{
			Venue: market.LBank, Symbol: t.Symbol, Canonical: canonical,
			Rate:            t.PositionFeeRate,
			NextFundingTime: time.UnixMilli(t.PositionFeeTime),
			IntervalHours:   8,
			Timestamp:       now,
		})
	}
	return out, nil
}

func (c *Connector) FetchAssetInfo(context.Context) ([]market.AssetInfo, error) {
	return nil, nil
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp struct {
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"data"`
	}
	q := url.Values{"symbol": {symbol}, "size": {fmt.Sprint(depth)}}
	if err := c.rest.Get(ctx, "/cfd/openApi/v1/pub/depth", q, &resp); err != nil {
		return nil, err
	}
	bids, ok1 := venue.ParseLevels(resp.Data.Bids)
	asks, ok2 := venue.ParseLevels(resp.Data.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("lbank depth %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.LBank, symbol)
	bk := c.books.Get(market.LBank, symbol, canonical)
	bk.ApplySnapshot(bids, asks, 0, time.Now())
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
	sess, err := venue.Dial(ctx, string(market.LBank), venue.SessionOpts{
		URL:          wsURL,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.Send(map[string]string{"action": "ping"})
		},
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("lbank stream closed: %w", err))
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

func (c *Connector) Subscribe(syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeLocked(syms)
}

func (c *Connector) subscribeLocked(syms []string) error {
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	for _, s := range syms {
		if _, ok := c.subscribed[s]; ok {
			continue
		}
		if err := c.sess.Send(map[string]string{
			"action": "subscribe", "subscribe": "depth", "depth": "20", "pair": s,
		}); err != nil {
			return err
		}
		if err := c.sess.Send(map[string]string{
			"action": "subscribe", "subscribe": "trade", "pair": s,
		}); err != nil {
			return err
		}
		c.subscribed[s] = struct{}{}
	}
	return nil
}

func (c *Connector) Unsubscribe(syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	for _, s := range syms {
		if _, ok := c.subscribed[s]; !ok {
			continue
		}
		if err := c.sess.Send(map[string]string{
			"action": "unsubscribe", "subscribe": "depth", "depth": "20", "pair": s,
		}); err != nil {
			return err
		}
		if err := c.sess.Send(map[string]string{
			"action": "unsubscribe", "subscribe": "trade", "pair": s,
		}); err != nil {
			return err
		}
		delete(c.subscribed, s)
		c.books.Drop(s)
	}
	return nil
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

func (c *Connector) handleMessage(raw []byte) {
	var msg struct {
		Action string          `json:"action"`
		Ping   string          `json:"ping"`
		Type   string          `json:"type"`
		Pair   string          `json:"pair"`
		TS     string          `json:"TS"`
		Depth  json.RawMessage `json:"depth"`
		Trade  json.RawMessage `json:"trade"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.LBank), "frame").Inc()
		return
	}
	if msg.Action == "ping" && msg.Ping != "" {
		c.pong(msg.Ping)
		return
	}
	switch msg.Type {
	case "depth":
		c.handleDepth(msg.Pair, msg.Depth)
	case "trade":
		c.handleTrade(msg.Pair, msg.Trade)
	}
}

func (c *Connector) pong(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return
	}
	_ = c.sess.Send(map[string]string{"action": "pong", "pong": id})
}

func (c *Connector) handleDepth(pair string, data json.RawMessage) {
	var d struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.LBank), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.LBank, pair)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseLevels(d.Bids)
	asks, ok2 := venue.ParseLevels(d.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.LBank), "orderbook").Inc()
		return
	}
	bk := c.books.Get(market.LBank, pair, canonical)
	bk.ApplySnapshot(bids, asks, 0, time.Now())
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) handleTrade(pair string, data json.RawMessage) {
	var d struct {
		Price     float64 `json:"price"`
		Volume    float64 `json:"volume"`
		Direction string  `json:"direction"`
		TS        string  `json:"TS"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.LBank), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.LBank, pair)
	if !ok {
		return
	}
	if d.Price <= 0 {
		telemetry.ParseErrors.WithLabelValues(string(market.LBank), "trade").Inc()
		return
	}
	side := "buy"
	if d.Direction == "sell" || d.Direction == "sell_market" {
		side = "sell"
	}
	now := time.Now()
	c.EmitTrade(&market.Trade{
		Venue: market.LBank, Symbol: pair, Canonical: canonical,
		TradeID: fmt.Sprint(now.UnixNano()), Price: d.Price, Quantity: d.Volume, Side: side,
		Timestamp: now, ReceivedAt: now,
	})
}
