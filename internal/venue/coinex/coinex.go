// Package coinex implements the connector for CoinEx linear futures (v2).
// Stream frames arrive raw-deflate compressed.
package coinex

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
	restURL      = "https://api.coinex.com/v2"
	wsURL        = "wss://socket.coinex.com/v2/futures"
	pingInterval = 25 * time.Second
)

type Connector struct {
	*venue.Base
	rest  *venue.RESTClient
	books *venue.Books

	mu         sync.Mutex
	sess       *venue.Session
	subscribed map[string]struct{}
	reqID      int64
}

func New() *Connector {
	return &Connector{
		Base:       venue.NewBase(market.CoinEx),
		rest:       venue.NewRESTClient(string(market.CoinEx), restURL, 8),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var resp envelope[[]struct {
		Market            string `json:"market"`
		ContractType      string `json:"contract_type"`
		BaseCcy           string `json:"base_ccy"`
		QuoteCcy          string `json:"quote_ccy"`
		QuoteCcyPrecision int    `json:"quote_ccy_precision"`
		MinAmount         string `json:"min_amount"`
		MakerFeeRate      string `json:"maker_fee_rate"`
		TakerFeeRate      string `json:"taker_fee_rate"`
		IsMarketAvailable bool   `json:"is_market_available"`
	}]
	if err := c.rest.Get(ctx, "/futures/market", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("coinex market: %s", resp.Message)
	}
	out := make([]market.Instrument, 0, len(resp.Data))
	for _, s := range resp.Data {
		if !s.IsMarketAvailable || s.ContractType != "linear" {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.CoinEx, s.Market)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.CoinEx)).Inc()
			continue
		}
		lot, _ := venue.ParseFloat(s.MinAmount)
		maker, _ := venue.ParseSignedFloat(s.MakerFeeRate)
		taker, _ := venue.ParseSignedFloat(s.TakerFeeRate)
		tick := 1.0
		for i := 0; i < s.QuoteCcyPrecision; i++ {
			tick /= 10
		}
		out = append(out, market.Instrument{
			Venue: market.CoinEx, Symbol: s.Market, Canonical: canonical,
			BaseAsset: s.BaseCcy, QuoteAsset: s.QuoteCcy, Kind: "perpetual",
			ContractSize: 1, TickSize: tick, LotSize: lot,
			MakerFee: maker, TakerFee: taker,
		})
	}
	return out, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	var resp envelope[[]struct {
		Market string `json:"market"`
		Last   string `json:"last"`
		Value  string `json:"value"` // 24h quote turnover
	}]
	if err := c.rest.Get(ctx, "/futures/ticker", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("coinex ticker: %s", resp.Message)
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(resp.Data))
	for _, t := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.CoinEx, t.Market)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.Last)
		if !ok || last <= 0 {
			continue
		}
		vol, _ := venue.ParseFloat(t.Value)
		out = append(out, market.PriceTicker{
			Venue: market.CoinEx, Symbol: t.Market, Canonical: canonical,
			Last: last, Volume24h: vol, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	var resp envelope[[]struct {
		Market            string `json:"market"`
		LatestFundingRate string `json:"latest_funding_rate"`
		NextFundingTime   int64  `json:"next_funding_time"`
	}]
	if err := c.rest.Get(ctx, "/futures/funding-rate", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("coinex funding-rate: %s", resp.Message)
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(resp.Data))
	for _, f := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.CoinEx, f.Market)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(f.LatestFundingRate)
		if !ok {
			continue
		}
		out = append(out, market.FundingRate{
			Venue: market.CoinEx, Symbol: f.Market, Canonical: canonical,
			Rate:            rate,
			NextFundingTime: time.UnixMilli(f.NextFundingTime),
			IntervalHours:   8,
			Timestamp:       now,
		})
	}
	return out, nil
}

func (c *Connector) FetchAssetInfo(context.Context) ([]market.AssetInfo, error) {
	// Deposit/withdraw config is per-asset on this venue; the loader falls
	// back to enabled/zero-fee defaults.
	return nil, nil
}

type depthPayload struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Last      string     `json:"last"`
	UpdatedAt int64      `json:"updated_at"`
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp envelope[struct {
		Market string       `json:"market"`
		IsFull bool         `json:"is_full"`
		Depth  depthPayload `json:"depth"`
	}]
	q := url.Values{"market": {symbol}, "limit": {fmt.Sprint(depth)}, "interval": {"0"}}
	if err := c.rest.Get(ctx, "/futures/depth", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("coinex depth %s: %s", symbol, resp.Message)
	}
	bids, ok1 := venue.ParseLevels(resp.Data.Depth.Bids)
	asks, ok2 := venue.ParseLevels(resp.Data.Depth.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("coinex depth %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.CoinEx, symbol)
	bk := c.books.Get(market.CoinEx, symbol, canonical)
	bk.ApplySnapshot(bids, asks, 0, time.UnixMilli(resp.Data.Depth.UpdatedAt))
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
	sess, err := venue.Dial(ctx, string(market.CoinEx), venue.SessionOpts{
		URL:          wsURL,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.Send(map[string]any{"method": "server.ping", "params": map[string]any{}, "id": 0})
		},
		Inflate:   venue.InflateFrame,
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("coinex stream closed: %w", err))
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
	var depthList [][]any
	var dealList []string
	for _, s := range syms {
		if _, ok := c.subscribed[s]; ok {
			continue
		}
		depthList = append(depthList, []any{s, 20, "0", true})
		dealList = append(dealList, s)
		c.subscribed[s] = struct{}{}
	}
	if len(depthList) == 0 {
		return nil
	}
	c.reqID++
	if err := c.sess.Send(map[string]any{
		"method": "depth.subscribe",
		"params": map[string]any{"market_list": depthList},
		"id":     c.reqID,
	}); err != nil {
		return err
	}
	c.reqID++
	return c.sess.Send(map[string]any{
		"method": "deals.subscribe",
		"params": map[string]any{"market_list": dealList},
		"id":     c.reqID,
	})
}

func (c *Connector) Unsubscribe(syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	var markets []string
	for _, s := range syms {
		if _, ok := c.subscribed[s]; !ok {
			continue
		}
		markets = append(markets, s)
		delete(c.subscribed, s)
		c.books.Drop(s)
	}
	if len(markets) == 0 {
		return nil
	}
	c.reqID++
	if err := c.sess.Send(map[string]any{
		"method": "depth.unsubscribe",
		"params": map[string]any{"market_list": markets},
		"id":     c.reqID,
	}); err != nil {
		return err
	}
	c.reqID++
	return c.sess.Send(map[string]any{
		"method": "deals.unsubscribe",
		"params": map[string]any{"market_list": markets},
		"id":     c.reqID,
	})
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
		Method string          `json:"method"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.CoinEx), "frame").Inc()
		return
	}
	switch msg.Method {
	case "depth.update":
		c.handleDepth(msg.Data)
	case "deals.update":
		c.handleDeals(msg.Data)
	}
}

func (c *Connector) handleDepth(data json.RawMessage) {
	var d struct {
		Market string       `json:"market"`
		IsFull bool         `json:"is_full"`
		Depth  depthPayload `json:"depth"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.CoinEx), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.CoinEx, d.Market)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseLevels(d.Depth.Bids)
	asks, ok2 := venue.ParseLevels(d.Depth.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.CoinEx), "orderbook").Inc()
		return
	}
	ts := time.UnixMilli(d.Depth.UpdatedAt)
	bk := c.books.Get(market.CoinEx, d.Market, canonical)
	if d.IsFull {
		bk.ApplySnapshot(bids, asks, 0, ts)
		c.EmitOrderbook(bk.Snapshot(true))
		return
	}
	if err := bk.ApplyDelta(bids, asks, 0, 0, ts); err != nil {
		c.EmitError(fmt.Errorf("coinex delta %s: %w", d.Market, err))
		return
	}
	c.EmitOrderbook(bk.Snapshot(false))
}

func (c *Connector) handleDeals(data json.RawMessage) {
	var d struct {
		Market   string `json:"market"`
		DealList []struct {
			DealID    int64  `json:"deal_id"`
			CreatedAt int64  `json:"created_at"`
			Side      string `json:"side"`
			Price     string `json:"price"`
			Amount    string `json:"amount"`
		} `json:"deal_list"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.CoinEx), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.CoinEx, d.Market)
	if !ok {
		return
	}
	now := time.Now()
	for _, r := range d.DealList {
		price, ok := venue.ParseFloat(r.Price)
		if !ok || price <= 0 {
			telemetry.ParseErrors.WithLabelValues(string(market.CoinEx), "trade").Inc()
			continue
		}
		qty, _ := venue.ParseFloat(r.Amount)
		c.EmitTrade(&market.Trade{
			Venue: market.CoinEx, Symbol: d.Market, Canonical: canonical,
			TradeID: fmt.Sprint(r.DealID), Price: price, Quantity: qty, Side: r.Side,
			Timestamp: time.UnixMilli(r.CreatedAt), ReceivedAt: now,
		})
	}
}
