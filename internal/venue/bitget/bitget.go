// Package bitget implements the connector for Bitget USDT-futures (v2).
package bitget

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
	restURL      = "https://api.bitget.com"
	wsURL        = "wss://ws.bitget.com/v2/ws/public"
	productType  = "usdt-futures"
	instType     = "USDT-FUTURES"
	pingInterval = 25 * time.Second
	okCode       = "00000"
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
		Base:       venue.NewBase(market.Bitget),
		rest:       venue.NewRESTClient(string(market.Bitget), restURL, 10),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var resp envelope[struct {
		Symbol         string `json:"symbol"`
		BaseCoin       string `json:"baseCoin"`
		QuoteCoin      string `json:"quoteCoin"`
		SymbolStatus   string `json:"symbolStatus"`
		PricePlace     string `json:"pricePlace"`
		SizeMultiplier string `json:"sizeMultiplier"`
		MinTradeUSDT   string `json:"minTradeUSDT"`
		MakerFeeRate   string `json:"makerFeeRate"`
		TakerFeeRate   string `json:"takerFeeRate"`
	}]
	q := url.Values{"productType": {productType}}
	if err := c.rest.Get(ctx, "/api/v2/mix/market/contracts", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != okCode {
		return nil, fmt.Errorf("bitget contracts: %s", resp.Msg)
	}
	out := make([]market.Instrument, 0, len(resp.Data))
	for _, s := range resp.Data {
		if s.SymbolStatus != "normal" {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.Bitget, s.Symbol)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.Bitget)).Inc()
			continue
		}
		lot, _ := venue.ParseFloat(s.SizeMultiplier)
		minNotional, _ := venue.ParseFloat(s.MinTradeUSDT)
		maker, _ := venue.ParseSignedFloat(s.MakerFeeRate)
		taker, _ := venue.ParseSignedFloat(s.TakerFeeRate)
		var tick float64
		if places, ok := venue.ParseFloat(s.PricePlace); ok {
			tick = 1
			for i := 0; i < int(places); i++ {
				tick /= 10
			}
		}
		out = append(out, market.Instrument{
			Venue: market.Bitget, Symbol: s.Symbol, Canonical: canonical,
			BaseAsset: s.BaseCoin, QuoteAsset: s.QuoteCoin, Kind: "perpetual",
			ContractSize: 1, TickSize: tick, LotSize: lot, MinNotional: minNotional,
			MakerFee: maker, TakerFee: taker,
		})
	}
	return out, nil
}

type tickerRow struct {
	Symbol      string `json:"symbol"`
	LastPr      string `json:"lastPr"`
	BidPr       string `json:"bidPr"`
	AskPr       string `json:"askPr"`
	BaseVolume  string `json:"baseVolume"`
	QuoteVolume string `json:"quoteVolume"`
	FundingRate string `json:"fundingRate"`
}

func (c *Connector) fetchTickers(ctx context.Context) ([]tickerRow, error) {
	var resp envelope[tickerRow]
	q := url.Values{"productType": {productType}}
	if err := c.rest.Get(ctx, "/api/v2/mix/market/tickers", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != okCode {
		return nil, fmt.Errorf("bitget tickers: %s", resp.Msg)
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
		canonical, ok := symbols.ToCanonical(market.Bitget, t.Symbol)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.LastPr)
		if !ok || last <= 0 {
			continue
		}
		bid, _ := venue.ParseFloat(t.BidPr)
		ask, _ := venue.ParseFloat(t.AskPr)
		vol, _ := venue.ParseFloat(t.QuoteVolume)
		out = append(out, market.PriceTicker{
			Venue: market.Bitget, Symbol: t.Symbol, Canonical: canonical,
			Last: last, Bid: bid, Ask: ask, Volume24h: vol, Timestamp: now,
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
		canonical, ok := symbols.ToCanonical(market.Bitget, t.Symbol)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(t.FundingRate)
		if !ok {
			continue
		}
		out = append(out, market.FundingRate{
			Venue: market.Bitget, Symbol: t.Symbol, Canonical: canonical,
			Rate: rate, IntervalHours: 8, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchAssetInfo(context.Context) ([]market.AssetInfo, error) {
	return nil, nil
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			TS   string     `json:"ts"`
		} `json:"data"`
	}
	q := url.Values{
		"productType": {productType},
		"symbol":      {symbol},
		"limit":       {fmt.Sprint(depth)},
		"precision":   {"scale0"},
	}
	if err := c.rest.Get(ctx, "/api/v2/mix/market/merge-depth", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != okCode {
		return nil, fmt.Errorf("bitget merge-depth %s: %s", symbol, resp.Msg)
	}
	bids, ok1 := venue.ParseLevels(resp.Data.Bids)
	asks, ok2 := venue.ParseLevels(resp.Data.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("bitget merge-depth %s: malformed levels", symbol)
	}
	ts := time.Now()
	if ms, ok := venue.ParseFloat(resp.Data.TS); ok && ms > 0 {
		ts = time.UnixMilli(int64(ms))
	}
	canonical, _ := symbols.ToCanonical(market.Bitget, symbol)
	bk := c.books.Get(market.Bitget, symbol, canonical)
	bk.ApplySnapshot(bids, asks, 0, ts)
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
	sess, err := venue.Dial(ctx, string(market.Bitget), venue.SessionOpts{
		URL:          wsURL,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.SendText([]byte("ping"))
		},
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("bitget stream closed: %w", err))
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

type wsArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

func argsFor(sym string) []wsArg {
	return []wsArg{
		{InstType: instType, Channel: "books15", InstID: sym},
		{InstType: instType, Channel: "trade", InstID: sym},
	}
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
	var args []wsArg
	for _, s := range syms {
		if _, ok := c.subscribed[s]; ok {
			continue
		}
		args = append(args, argsFor(s)...)
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
	var args []wsArg
	for _, s := range syms {
		if _, ok := c.subscribed[s]; !ok {
			continue
		}
		args = append(args, argsFor(s)...)
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

func (c *Connector) handleMessage(raw []byte) {
	if string(raw) == "pong" {
		return
	}
	var msg struct {
		Action string          `json:"action"`
		Arg    wsArg           `json:"arg"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Bitget), "frame").Inc()
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	switch msg.Arg.Channel {
	case "books15":
		c.handleBook(msg.Arg.InstID, msg.Action, msg.Data)
	case "trade":
		c.handleTrades(msg.Arg.InstID, msg.Data)
	}
}

func (c *Connector) handleBook(sym, action string, data json.RawMessage) {
	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		TS   string     `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		telemetry.ParseErrors.WithLabelValues(string(market.Bitget), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.Bitget, sym)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseLevels(rows[0].Bids)
	asks, ok2 := venue.ParseLevels(rows[0].Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.Bitget), "orderbook").Inc()
		return
	}
	ts := time.Now()
	if ms, ok := venue.ParseFloat(rows[0].TS); ok && ms > 0 {
		ts = time.UnixMilli(int64(ms))
	}
	bk := c.books.Get(market.Bitget, sym, canonical)
	if action == "update" {
		if err := bk.ApplyDelta(bids, asks, 0, 0, ts); err != nil {
			c.EmitError(fmt.Errorf("bitget delta %s: %w", sym, err))
			return
		}
		c.EmitOrderbook(bk.Snapshot(false))
		return
	}
	bk.ApplySnapshot(bids, asks, 0, ts)
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) handleTrades(sym string, data json.RawMessage) {
	var rows []struct {
		TS      string `json:"ts"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
		TradeID string `json:"tradeId"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Bitget), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.Bitget, sym)
	if !ok {
		return
	}
	now := time.Now()
	for _, r := range rows {
		price, ok := venue.ParseFloat(r.Price)
		if !ok || price <= 0 {
			telemetry.ParseErrors.WithLabelValues(string(market.Bitget), "trade").Inc()
			continue
		}
		qty, _ := venue.ParseFloat(r.Size)
		ts := now
		if ms, ok := venue.ParseFloat(r.TS); ok && ms > 0 {
			ts = time.UnixMilli(int64(ms))
		}
		c.EmitTrade(&market.Trade{
			Venue: market.Bitget, Symbol: sym, Canonical: canonical,
			TradeID: r.TradeID, Price: price, Quantity: qty, Side: r.Side,
			Timestamp: ts, ReceivedAt: now,
		})
	}
}
