// Package okx implements the connector for OKX linear perpetual swaps (v5).
package okx

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
	restURL      = "https://www.okx.com"
	wsURL        = "wss://ws.okx.com:8443/ws/v5/public"
	pingInterval = 25 * time.Second
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
		Base:       venue.NewBase(market.OKX),
		rest:       venue.NewRESTClient(string(market.OKX), restURL, 10),
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
		InstID    string `json:"instId"`
		State     string `json:"state"`
		CtType    string `json:"ctType"`
		CtVal     string `json:"ctVal"`
		TickSz    string `json:"tickSz"`
		LotSz     string `json:"lotSz"`
		SettleCcy string `json:"settleCcy"`
	}]
	q := url.Values{"instType": {"SWAP"}}
	if err := c.rest.Get(ctx, "/api/v5/public/instruments", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx instruments: %s", resp.Msg)
	}
	out := make([]market.Instrument, 0, len(resp.Data))
	for _, s := range resp.Data {
		if s.State != "live" || s.CtType != "linear" {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.OKX, s.InstID)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.OKX)).Inc()
			continue
		}
		base, quote, _ := symbols.SplitCanonical(canonical)
		ctVal, _ := venue.ParseFloat(s.CtVal)
		tick, _ := venue.ParseFloat(s.TickSz)
		lot, _ := venue.ParseFloat(s.LotSz)
		out = append(out, market.Instrument{
			Venue: market.OKX, Symbol: s.InstID, Canonical: canonical,
			BaseAsset: base, QuoteAsset: quote, Kind: "perpetual",
			ContractSize: ctVal, TickSize: tick, LotSize: lot,
			MakerFee: 0.0002, TakerFee: 0.0005,
		})
	}
	return out, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	var resp envelope[struct {
		InstID    string `json:"instId"`
		Last      string `json:"last"`
		BidPx     string `json:"bidPx"`
		AskPx     string `json:"askPx"`
		VolCcy24h string `json:"volCcy24h"`
	}]
	q := url.Values{"instType": {"SWAP"}}
	if err := c.rest.Get(ctx, "/api/v5/market/tickers", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx tickers: %s", resp.Msg)
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(resp.Data))
	for _, t := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.OKX, t.InstID)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.Last)
		if !ok || last <= 0 {
			continue
		}
		bid, _ := venue.ParseFloat(t.BidPx)
		ask, _ := venue.ParseFloat(t.AskPx)
		vol, _ := venue.ParseFloat(t.VolCcy24h)
		out = append(out, market.PriceTicker{
			Venue: market.OKX, Symbol: t.InstID, Canonical: canonical,
			Last: last, Bid: bid, Ask: ask, Volume24h: vol, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	var resp envelope[struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	}]
	// instId=ANY returns the full swap universe in one call.
	q := url.Values{"instId": {"ANY"}}
	if err := c.rest.Get(ctx, "/api/v5/public/funding-rate", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx funding-rate: %s", resp.Msg)
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(resp.Data))
	for _, f := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.OKX, f.InstID)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(f.FundingRate)
		if !ok {
			continue
		}
		var next time.Time
		if ms, ok := venue.ParseFloat(f.NextFundingTime); ok && ms > 0 {
			next = time.UnixMilli(int64(ms))
		}
		out = append(out, market.FundingRate{
			Venue: market.OKX, Symbol: f.InstID, Canonical: canonical,
			Rate: rate, NextFundingTime: next, IntervalHours: 8, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchAssetInfo(context.Context) ([]market.AssetInfo, error) {
	// Currency status requires an authenticated funding endpoint.
	return nil, nil
}

type bookData struct {
	Bids  [][]string `json:"bids"`
	Asks  [][]string `json:"asks"`
	TS    string     `json:"ts"`
	SeqID int64      `json:"seqId"`
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp envelope[bookData]
	q := url.Values{"instId": {symbol}, "sz": {fmt.Sprint(depth)}}
	if err := c.rest.Get(ctx, "/api/v5/market/books", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx books %s: %s", symbol, resp.Msg)
	}
	bids, asks, ts, ok := parseBook(&resp.Data[0])
	if !ok {
		return nil, fmt.Errorf("okx books %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.OKX, symbol)
	bk := c.books.Get(market.OKX, symbol, canonical)
	bk.ApplySnapshot(bids, asks, resp.Data[0].SeqID, ts)
	return bk.Snapshot(true), nil
}

// parseBook handles OKX levels, which carry two trailing count columns.
func parseBook(d *bookData) (bids, asks []market.PriceLevel, ts time.Time, ok bool) {
	bids, ok1 := venue.ParseLevels(d.Bids)
	asks, ok2 := venue.ParseLevels(d.Asks)
	if !ok1 || !ok2 {
		return nil, nil, time.Time{}, false
	}
	ts = time.Now()
	if ms, ok := venue.ParseFloat(d.TS); ok && ms > 0 {
		ts = time.UnixMilli(int64(ms))
	}
	return bids, asks, ts, true
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
	sess, err := venue.Dial(ctx, string(market.OKX), venue.SessionOpts{
		URL:          wsURL,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.SendText([]byte("ping"))
		},
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("okx stream closed: %w", err))
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
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
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
		args = append(args,
			wsArg{Channel: "books5", InstID: s},
			wsArg{Channel: "trades", InstID: s},
			wsArg{Channel: "funding-rate", InstID: s},
		)
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
		args = append(args,
			wsArg{Channel: "books5", InstID: s},
			wsArg{Channel: "trades", InstID: s},
			wsArg{Channel: "funding-rate", InstID: s},
		)
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
		Arg  wsArg           `json:"arg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.OKX), "frame").Inc()
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	switch msg.Arg.Channel {
	case "books5":
		c.handleBook(msg.Arg.InstID, msg.Data)
	case "trades":
		c.handleTrades(msg.Data)
	case "funding-rate":
		c.handleFunding(msg.Data)
	}
}

func (c *Connector) handleBook(instID string, data json.RawMessage) {
	var rows []bookData
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		telemetry.ParseErrors.WithLabelValues(string(market.OKX), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.OKX, instID)
	if !ok {
		return
	}
	bids, asks, ts, ok := parseBook(&rows[0])
	if !ok {
		telemetry.ParseErrors.WithLabelValues(string(market.OKX), "orderbook").Inc()
		return
	}
	// books5 is a full five-level refresh on every push.
	bk := c.books.Get(market.OKX, instID, canonical)
	bk.ApplySnapshot(bids, asks, rows[0].SeqID, ts)
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) handleTrades(data json.RawMessage) {
	var rows []struct {
		InstID  string `json:"instId"`
		TradeID string `json:"tradeId"`
		Px      string `json:"px"`
		Sz      string `json:"sz"`
		Side    string `json:"side"`
		TS      string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.OKX), "trade").Inc()
		return
	}
	now := time.Now()
	for _, r := range rows {
		canonical, ok := symbols.ToCanonical(market.OKX, r.InstID)
		if !ok {
			continue
		}
		price, ok := venue.ParseFloat(r.Px)
		if !ok || price <= 0 {
			telemetry.ParseErrors.WithLabelValues(string(market.OKX), "trade").Inc()
			continue
		}
		qty, _ := venue.ParseFloat(r.Sz)
		ts := now
		if ms, ok := venue.ParseFloat(r.TS); ok && ms > 0 {
			ts = time.UnixMilli(int64(ms))
		}
		c.EmitTrade(&market.Trade{
			Venue: market.OKX, Symbol: r.InstID, Canonical: canonical,
			TradeID: r.TradeID, Price: price, Quantity: qty, Side: r.Side,
			Timestamp: ts, ReceivedAt: now,
		})
	}
}

func (c *Connector) handleFunding(data json.RawMessage) {
	var rows []struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.OKX), "funding").Inc()
		return
	}
	now := time.Now()
	for _, r := range rows {
		canonical, ok := symbols.ToCanonical(market.OKX, r.InstID)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(r.FundingRate)
		if !ok {
			continue
		}
		var next time.Time
		if ms, ok := venue.ParseFloat(r.NextFundingTime); ok && ms > 0 {
			next = time.UnixMilli(int64(ms))
		}
		c.EmitFunding(&market.FundingRate{
			Venue: market.OKX, Symbol: r.InstID, Canonical: canonical,
			Rate: rate, NextFundingTime: next, IntervalHours: 8, Timestamp: now,
		})
	}
}
