// Package htx implements the connector for HTX USDT-margined linear swaps.
// Stream frames arrive gzip-compressed; the server drives the keepalive with
// {"ping": ts} frames.
package htx

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"spreadscan/internal/market"
	"spreadscan/internal/symbols"
	"spreadscan/internal/telemetry"
	"spreadscan/internal/venue"
)

const (
	restURL = "https://api.hbdm.com"
	wsURL   = "wss://api.hbdm.com/linear-swap-ws"
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
		Base:       venue.NewBase(market.HTX),
		rest:       venue.NewRESTClient(string(market.HTX), restURL, 8),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var resp struct {
		Status string `json:"status"`
		Data   []struct {
			Symbol         string  `json:"symbol"`
			ContractCode   string  `json:"contract_code"`
			ContractSize   float64 `json:"contract_size"`
			PriceTick      float64 `json:"price_tick"`
			ContractStatus int     `json:"contract_status"` // 1: trading
		} `json:"data"`
	}
	q := url.Values{"contract_type": {"swap"}}
	if err := c.rest.Get(ctx, "/linear-swap-api/v1/swap_contract_info", q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("htx contract info: status %s", resp.Status)
	}
	out := make([]market.Instrument, 0, len(resp.Data))
	for _, s := range resp.Data {
		if s.ContractStatus != 1 {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.HTX, s.ContractCode)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.HTX)).Inc()
			continue
		}
		base, quote, _ := symbols.SplitCanonical(canonical)
		out = append(out, market.Instrument{
			Venue: market.HTX, Symbol: s.ContractCode, Canonical: canonical,
			BaseAsset: base, QuoteAsset: quote, Kind: "perpetual",
			ContractSize: s.ContractSize, TickSize: s.PriceTick, LotSize: 1,
			MakerFee: 0.0002, TakerFee: 0.0005,
		})
	}
	return out, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	var resp struct {
		Status string `json:"status"`
		Ticks  []struct {
			ContractCode string    `json:"contract_code"`
			Close        string    `json:"close"`
			Bid          []float64 `json:"bid"`
			Ask          []float64 `json:"ask"`
			TradeValue   string    `json:"trade_turnover"`
		} `json:"ticks"`
	}
	q := url.Values{"business_type": {"swap"}}
	if err := c.rest.Get(ctx, "/linear-swap-ex/market/detail/batch_merged", q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("htx batch merged: status %s", resp.Status)
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(resp.Ticks))
	for _, t := range resp.Ticks {
		canonical, ok := symbols.ToCanonical(market.HTX, t.ContractCode)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.Close)
		if !ok || last <= 0 {
			continue
		}
		tk := market.PriceTicker{
			Venue: market.HTX, Symbol: t.ContractCode, Canonical: canonical,
			Last: last, Timestamp: now,
		}
		if len(t.Bid) > 0 {
			tk.Bid = t.Bid[0]
		}
		if len(t.Ask) > 0 {
			tk.Ask = t.Ask[0]
		}
		tk.Volume24h, _ = venue.ParseFloat(t.TradeValue)
		out = append(out, tk)
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	var resp struct {
		Status string `json:"status"`
		Data   []struct {
			ContractCode string `json:"contract_code"`
			FundingRate  string `json:"funding_rate"`
			FundingTime  string `json:"funding_time"`
		} `json:"data"`
	}
	if err := c.rest.Get(ctx, "/linear-swap-api/v1/swap_batch_funding_rate", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("htx funding rate: status %s", resp.Status)
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(resp.Data))
	for _, f := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.HTX, f.ContractCode)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(f.FundingRate)
		if !ok {
			continue
		}
		var next time.Time
		if ms, ok := venue.ParseFloat(f.FundingTime); ok && ms > 0 {
			next = time.UnixMilli(int64(ms))
		}
		out = append(out, market.FundingRate{
			Venue: market.HTX, Symbol: f.ContractCode, Canonical: canonical,
			Rate: rate, NextFundingTime: next, IntervalHours: 8, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchAssetInfo(context.Context) ([]market.AssetInfo, error) {
	return nil, nil
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp struct {
		Status string `json:"status"`
		Tick   struct {
			Bids    [][]float64 `json:"bids"`
			Asks    [][]float64 `json:"asks"`
			Version int64       `json:"version"`
			TS      int64       `json:"ts"`
		} `json:"tick"`
	}
	q := url.Values{"contract_code": {symbol}, "type": {"step6"}}
	if err := c.rest.Get(ctx, "/linear-swap-ex/market/depth", q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("htx depth %s: status %s", symbol, resp.Status)
	}
	bids, ok1 := venue.ParseNumLevels(resp.Tick.Bids)
	asks, ok2 := venue.ParseNumLevels(resp.Tick.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("htx depth %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.HTX, symbol)
	bk := c.books.Get(market.HTX, symbol, canonical)
	bk.ApplySnapshot(bids, asks, resp.Tick.Version, time.UnixMilli(resp.Tick.TS))
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
	sess, err := venue.Dial(ctx, string(market.HTX), venue.SessionOpts{
		URL:       wsURL,
		Inflate:   venue.GunzipFrame,
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("htx stream closed: %w", err))
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
		for _, ch := range []string{
			fmt.Sprintf("market.%s.depth.step6", s),
			fmt.Sprintf("market.%s.trade.detail", s),
		} {
			if err := c.sess.Send(map[string]string{"sub": ch, "id": uuid.NewString()}); err != nil {
				return err
			}
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
		for _, ch := range []string{
			fmt.Sprintf("market.%s.depth.step6", s),
			fmt.Sprintf("market.%s.trade.detail", s),
		} {
			if err := c.sess.Send(map[string]string{"unsub": ch, "id": uuid.NewString()}); err != nil {
				return err
			}
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
		Ping int64           `json:"ping"`
		Ch   string          `json:"ch"`
		TS   int64           `json:"ts"`
		Tick json.RawMessage `json:"tick"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.HTX), "frame").Inc()
		return
	}
	if msg.Ping != 0 {
		c.pong(msg.Ping)
		return
	}
	if msg.Ch == "" || len(msg.Tick) == 0 {
		return
	}
	sym, kind, ok := parseChannel(msg.Ch)
	if !ok {
		return
	}
	switch kind {
	case "depth":
		c.handleDepth(sym, msg.TS, msg.Tick)
	case "trade":
		c.handleTrades(sym, msg.Tick)
	}
}

// parseChannel splits "market.<code>.depth.step6" / "market.<code>.trade.detail".
func parseChannel(ch string) (sym, kind string, ok bool) {
	parts := strings.Split(ch, ".")
	if len(parts) < 3 || parts[0] != "market" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (c *Connector) pong(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return
	}
	_ = c.sess.Send(map[string]int64{"pong": ts})
}

func (c *Connector) handleDepth(sym string, ts int64, tick json.RawMessage) {
	var d struct {
		Bids    [][]float64 `json:"bids"`
		Asks    [][]float64 `json:"asks"`
		Version int64       `json:"version"`
	}
	if err := json.Unmarshal(tick, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.HTX), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.HTX, sym)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseNumLevels(d.Bids)
	asks, ok2 := venue.ParseNumLevels(d.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.HTX), "orderbook").Inc()
		return
	}
	bk := c.books.Get(market.HTX, sym, canonical)
	bk.ApplySnapshot(bids, asks, d.Version, time.UnixMilli(ts))
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) handleTrades(sym string, tick json.RawMessage) {
	var d struct {
		Data []struct {
			ID        int64   `json:"id"`
			Price     float64 `json:"price"`
			Amount    float64 `json:"amount"`
			Direction string  `json:"direction"`
			TS        int64   `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(tick, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.HTX), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.HTX, sym)
	if !ok {
		return
	}
	now := time.Now()
	for _, r := range d.Data {
		if r.Price <= 0 {
			telemetry.ParseErrors.WithLabelValues(string(market.HTX), "trade").Inc()
			continue
		}
		c.EmitTrade(&market.Trade{
			Venue: market.HTX, Symbol: sym, Canonical: canonical,
			TradeID: fmt.Sprint(r.ID), Price: r.Price, Quantity: r.Amount, Side: r.Direction,
			Timestamp: time.UnixMilli(r.TS), ReceivedAt: now,
		})
	}
}
