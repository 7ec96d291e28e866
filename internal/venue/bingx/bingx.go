// Package bingx implements the connector for BingX perpetual swaps. Stream
// frames arrive gzip-compressed and the server drives the keepalive with a
// plain "Ping" frame.
package bingx

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
	restURL = "https://open-api.bingx.com"
	wsURL   = "wss://open-api-swap.bingx.com/swap-market"
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
		Base:       venue.NewBase(market.BingX),
		rest:       venue.NewRESTClient(string(market.BingX), restURL, 8),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var resp envelope[[]struct {
		Symbol            string  `json:"symbol"`
		Asset             string  `json:"asset"`
		Currency          string  `json:"currency"`
		Status            int     `json:"status"` // 1: online
		Size              string  `json:"size"`
		TradeMinQuantity  float64 `json:"tradeMinQuantity"`
		TradeMinUSDT      float64 `json:"tradeMinUSDT"`
		FeeRate           float64 `json:"feeRate"`
		MakerFeeRate      float64 `json:"makerFeeRate"`
		PricePrecision    int     `json:"pricePrecision"`
	}]
	if err := c.rest.Get(ctx, "/openApi/swap/v2/quote/contracts", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("bingx contracts: %s", resp.Msg)
	}
	out := make([]market.Instrument, 0, len(resp.Data))
	for _, s := range resp.Data {
		if s.Status != 1 {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.BingX, s.Symbol)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.BingX)).Inc()
			continue
		}
		size, _ := venue.ParseFloat(s.Size)
		if size == 0 {
			size = 1
		}
		tick := 1.0
		for i := 0; i < s.PricePrecision; i++ {
			tick /= 10
		}
		out = append(out, market.Instrument{
			Venue: market.BingX, Symbol: s.Symbol, Canonical: canonical,
			BaseAsset: s.Asset, QuoteAsset: s.Currency, Kind: "perpetual",
			ContractSize: size, TickSize: tick, LotSize: s.TradeMinQuantity,
			MinNotional: s.TradeMinUSDT, MakerFee: s.MakerFeeRate, TakerFee: s.FeeRate,
		})
	}
	return out, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	var resp envelope[[]struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
	}]
	if err := c.rest.Get(ctx, "/openApi/swap/v2/quote/ticker", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("bingx ticker: %s", resp.Msg)
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(resp.Data))
	for _, t := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.BingX, t.Symbol)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.LastPrice)
		if !ok || last <= 0 {
			continue
		}
		vol, _ := venue.ParseFloat(t.QuoteVolume)
		out = append(out, market.PriceTicker{
			Venue: market.BingX, Symbol: t.Symbol, Canonical: canonical,
			Last: last, Volume24h: vol, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	var resp envelope[[]struct {
		Symbol          string `json:"symbol"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}]
	if err := c.rest.Get(ctx, "/openApi/swap/v2/quote/premiumIndex", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("bingx premiumIndex: %s", resp.Msg)
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(resp.Data))
	for _, f := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.BingX, f.Symbol)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(f.LastFundingRate)
		if !ok {
			continue
		}
		out = append(out, market.FundingRate{
			Venue: market.BingX, Symbol: f.Symbol, Canonical: canonical,
			Rate:            rate,
			NextFundingTime: time.UnixMilli(f.NextFundingTime),
			IntervalHours:   8,
			Timestamp:       now,
		})
	}
	return out, nil
}

// FetchAssetInfo reads the authenticated wallet capital config when
// credentials are present. An asset counts as transferable when any of its
// networks allows the direction.
func (c *Connector) FetchAssetInfo(ctx context.Context) ([]market.AssetInfo, error) {
	creds := c.Creds()
	if creds == nil {
		return nil, nil
	}
	var resp envelope[[]struct {
		Coin        string `json:"coin"`
		NetworkList []struct {
			DepositEnable  bool   `json:"depositEnable"`
			WithdrawEnable bool   `json:"withdrawEnable"`
			WithdrawFee    string `json:"withdrawFee"`
			WithdrawMin    string `json:"withdrawMin"`
			IsDefault      bool   `json:"isDefault"`
		} `json:"networkList"`
	}]
	if err := c.rest.SignedGet(ctx, "/openApi/wallets/v1/capital/config/getall", nil, creds, "X-BX-APIKEY", &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("bingx capital config: code %d: %s", resp.Code, resp.Msg)
	}
	now := time.Now()
	out := make([]market.AssetInfo, 0, len(resp.Data))
	for _, a := range resp.Data {
		info := market.AssetInfo{Venue: market.BingX, Asset: a.Coin, Timestamp: now}
		for _, n := range a.NetworkList {
			if n.DepositEnable {
				info.DepositEnabled = true
			}
			if n.WithdrawEnable {
				info.WithdrawEnabled = true
			}
			if n.IsDefault {
				info.WithdrawFee, _ = venue.ParseFloat(n.WithdrawFee)
				info.MinWithdraw, _ = venue.ParseFloat(n.WithdrawMin)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var resp envelope[struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		TS   int64      `json:"T"`
	}]
	q := url.Values{"symbol": {symbol}, "limit": {fmt.Sprint(depth)}}
	if err := c.rest.Get(ctx, "/openApi/swap/v2/quote/depth", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("bingx depth %s: %s", symbol, resp.Msg)
	}
	bids, ok1 := venue.ParseLevels(resp.Data.Bids)
	asks, ok2 := venue.ParseLevels(resp.Data.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("bingx depth %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.BingX, symbol)
	bk := c.books.Get(market.BingX, symbol, canonical)
	bk.ApplySnapshot(bids, asks, 0, time.UnixMilli(resp.Data.TS))
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
	sess, err := venue.Dial(ctx, string(market.BingX), venue.SessionOpts{
		URL:       wsURL,
		Inflate:   venue.GunzipFrame,
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("bingx stream closed: %w", err))
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

func dataTypes(sym string) []string {
	return []string{sym + "@depth20@100ms", sym + "@trade"}
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
		for _, dt := range dataTypes(s) {
			if err := c.sess.Send(map[string]string{
				"id": uuid.NewString(), "reqType": "sub", "dataType": dt,
			}); err != nil {
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
		for _, dt := range dataTypes(s) {
			if err := c.sess.Send(map[string]string{
				"id": uuid.NewString(), "reqType": "unsub", "dataType": dt,
			}); err != nil {
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
	if string(raw) == "Ping" {
		_ = c.pong()
		return
	}
	var msg struct {
		Code     int             `json:"code"`
		DataType string          `json:"dataType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.BingX), "frame").Inc()
		return
	}
	if msg.DataType == "" || len(msg.Data) == 0 {
		return
	}
	sym, kind, ok := strings.Cut(msg.DataType, "@")
	if !ok {
		return
	}
	switch {
	case strings.HasPrefix(kind, "depth"):
		c.handleDepth(sym, msg.Data)
	case kind == "trade":
		c.handleTrades(sym, msg.Data)
	}
}

func (c *Connector) pong() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	return c.sess.SendText([]byte("Pong"))
}

func (c *Connector) handleDepth(sym string, data json.RawMessage) {
	var d struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		TS   int64      `json:"T"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.BingX), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.BingX, sym)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseLevels(d.Bids)
	asks, ok2 := venue.ParseLevels(d.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.BingX), "orderbook").Inc()
		return
	}
	ts := time.Now()
	if d.TS > 0 {
		ts = time.UnixMilli(d.TS)
	}
	bk := c.books.Get(market.BingX, sym, canonical)
	bk.ApplySnapshot(bids, asks, 0, ts)
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) handleTrades(sym string, data json.RawMessage) {
	var rows []struct {
		Price string `json:"p"`
		Qty   string `json:"q"`
		Time  int64  `json:"T"`
		Maker bool   `json:"m"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.BingX), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.BingX, sym)
	if !ok {
		return
	}
	now := time.Now()
	for _, r := range rows {
		price, ok := venue.ParseFloat(r.Price)
		if !ok || price <= 0 {
			telemetry.ParseErrors.WithLabelValues(string(market.BingX), "trade").Inc()
			continue
		}
		qty, _ := venue.ParseFloat(r.Qty)
		side := "buy"
		if r.Maker {
			side = "sell"
		}
		c.EmitTrade(&market.Trade{
			Venue: market.BingX, Symbol: sym, Canonical: canonical,
			TradeID: fmt.Sprint(r.Time), Price: price, Quantity: qty, Side: side,
			Timestamp: time.UnixMilli(r.Time), ReceivedAt: now,
		})
	}
}
