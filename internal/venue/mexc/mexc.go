// Package mexc implements the connector for MEXC USDT-margined contracts.
package mexc

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
	restURL      = "https://contract.mexc.com"
	wsURL        = "wss://contract.mexc.com/edge"
	pingInterval = 15 * time.Second
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
		Base:       venue.NewBase(market.MEXC),
		rest:       venue.NewRESTClient(string(market.MEXC), restURL, 8),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    []struct {
			Symbol       string  `json:"symbol"`
			State        int     `json:"state"` // 0: live
			BaseCoin     string  `json:"baseCoin"`
			QuoteCoin    string  `json:"quoteCoin"`
			ContractSize float64 `json:"contractSize"`
			PriceUnit    float64 `json:"priceUnit"`
			VolUnit      float64 `json:"volUnit"`
			MakerFeeRate float64 `json:"makerFeeRate"`
			TakerFeeRate float64 `json:"takerFeeRate"`
		} `json:"data"`
	}
	if err := c.rest.Get(ctx, "/api/v1/contract/detail", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("mexc contract detail: unsuccessful response")
	}
	out := make([]market.Instrument, 0, len(resp.Data))
	for _, s := range resp.Data {
		if s.State != 0 {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.MEXC, s.Symbol)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.MEXC)).Inc()
			continue
		}
		out = append(out, market.Instrument{
			Venue: market.MEXC, Symbol: s.Symbol, Canonical: canonical,
			BaseAsset: s.BaseCoin, QuoteAsset: s.QuoteCoin, Kind: "perpetual",
			ContractSize: s.ContractSize, TickSize: s.PriceUnit, LotSize: s.VolUnit,
			MakerFee: s.MakerFeeRate, TakerFee: s.TakerFeeRate,
		})
	}
	return out, nil
}

type tickerRow struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lastPrice"`
	Bid1        float64 `json:"bid1"`
	Ask1        float64 `json:"ask1"`
	Volume24    float64 `json:"volume24"`
	FundingRate float64 `json:"fundingRate"`
}

func (c *Connector) fetchTickers(ctx context.Context) ([]tickerRow, error) {
	var resp struct {
		Success bool        `json:"success"`
		Data    []tickerRow `json:"data"`
	}
	if err := c.rest.Get(ctx, "/api/v1/contract/ticker", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("mexc ticker: unsuccessful response")
	}
	return resp.Data, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	rows, err := c.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(rows))
	for _, t := range rows {
		canonical, ok := symbols.ToCanonical(market.MEXC, t.Symbol)
		if !ok || t.LastPrice <= 0 {
			continue
		}
		out = append(out, market.PriceTicker{
			Venue: market.MEXC, Symbol: t.Symbol, Canonical: canonical,
			Last: t.LastPrice, Bid: t.Bid1, Ask: t.Ask1, Volume24h: t.Volume24,
			Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	rows, err := c.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(rows))
	for _, t := range rows {
		canonical, ok := symbols.ToCanonical(market.MEXC, t.Symbol)
		if !ok {
			continue
		}
		out = append(out, market.FundingRate{
			Venue: market.MEXC, Symbol: t.Symbol, Canonical: canonical,
			Rate: t.FundingRate, IntervalHours: 8, Timestamp: now,
		})
	}
	return out, nil
}

// FetchAssetInfo derives transfer status from the public contract list: the
// detailed deposit/withdraw endpoints require authentication, so an active,
// API-enabled contract marks its base asset as transferable.
func (c *Connector) FetchAssetInfo(ctx context.Context) ([]market.AssetInfo, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    []struct {
			BaseCoin   string `json:"baseCoin"`
			State      int    `json:"state"`
			APIAllowed bool   `json:"apiAllowed"`
		} `json:"data"`
	}
	if err := c.rest.Get(ctx, "/api/v1/contract/detail", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("mexc contract detail: unsuccessful response")
	}
	now := time.Now()
	seen := make(map[string]bool, len(resp.Data))
	out := make([]market.AssetInfo, 0, len(resp.Data))
	for _, s := range resp.Data {
		if s.BaseCoin == "" || seen[s.BaseCoin] {
			continue
		}
		seen[s.BaseCoin] = true
		active := s.State == 0 && s.APIAllowed
		out = append(out, market.AssetInfo{
			Venue: market.MEXC, Asset: s.BaseCoin,
			DepositEnabled: active, WithdrawEnabled: active,
			Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Bids    [][]float64 `json:"bids"`
			Asks    [][]float64 `json:"asks"`
			Version int64       `json:"version"`
			TS      int64       `json:"timestamp"`
		} `json:"data"`
	}
	q := url.Values{"limit": {fmt.Sprint(depth)}}
	if err := c.rest.Get(ctx, "/api/v1/contract/depth/"+symbol, q, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("mexc depth %s: unsuccessful response", symbol)
	}
	bids, ok1 := venue.ParseNumLevels(resp.Data.Bids)
	asks, ok2 := venue.ParseNumLevels(resp.Data.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("mexc depth %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.MEXC, symbol)
	bk := c.books.Get(market.MEXC, symbol, canonical)
	bk.ApplySnapshot(bids, asks, resp.Data.Version, time.UnixMilli(resp.Data.TS))
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
	sess, err := venue.Dial(ctx, string(market.MEXC), venue.SessionOpts{
		URL:          wsURL,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.Send(map[string]string{"method": "ping"})
		},
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("mexc stream closed: %w", err))
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
		if err := c.sess.Send(map[string]any{
			"method": "sub.depth.full",
			"param":  map[string]any{"symbol": s, "limit": 20},
		}); err != nil {
			return err
		}
		if err := c.sess.Send(map[string]any{
			"method": "sub.deal",
			"param":  map[string]any{"symbol": s},
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
		if err := c.sess.Send(map[string]any{
			"method": "unsub.depth.full",
			"param":  map[string]any{"symbol": s},
		}); err != nil {
			return err
		}
		if err := c.sess.Send(map[string]any{
			"method": "unsub.deal",
			"param":  map[string]any{"symbol": s},
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
		Channel string          `json:"channel"`
		Symbol  string          `json:"symbol"`
		TS      int64           `json:"ts"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.MEXC), "frame").Inc()
		return
	}
	switch msg.Channel {
	case "push.depth.full":
		c.handleDepth(msg.Symbol, msg.TS, msg.Data)
	case "push.deal":
		c.handleDeal(msg.Symbol, msg.Data)
	}
}

func (c *Connector) handleDepth(sym string, ts int64, data json.RawMessage) {
	var d struct {
		Bids    [][]float64 `json:"bids"`
		Asks    [][]float64 `json:"asks"`
		Version int64       `json:"version"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.MEXC), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.MEXC, sym)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseNumLevels(d.Bids)
	asks, ok2 := venue.ParseNumLevels(d.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.MEXC), "orderbook").Inc()
		return
	}
	bk := c.books.Get(market.MEXC, sym, canonical)
	bk.ApplySnapshot(bids, asks, d.Version, time.UnixMilli(ts))
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) handleDeal(sym string, data json.RawMessage) {
	var d struct {
		Price float64 `json:"p"`
		Vol   float64 `json:"v"`
		Side  int     `json:"T"` // 1 buy, 2 sell
		Time  int64   `json:"t"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.MEXC), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.MEXC, sym)
	if !ok {
		return
	}
	if d.Price <= 0 {
		telemetry.ParseErrors.WithLabelValues(string(market.MEXC), "trade").Inc()
		return
	}
	side := "buy"
	if d.Side == 2 {
		side = "sell"
	}
	c.EmitTrade(&market.Trade{
		Venue: market.MEXC, Symbol: sym, Canonical: canonical,
		TradeID: fmt.Sprint(d.Time), Price: d.Price, Quantity: d.Vol, Side: side,
		Timestamp: time.UnixMilli(d.Time), ReceivedAt: time.Now(),
	})
}
