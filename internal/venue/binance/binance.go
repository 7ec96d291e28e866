// Package binance implements the connector for Binance USD-M perpetual
// futures.
package binance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"spreadscan/internal/market"
	"spreadscan/internal/symbols"
	"spreadscan/internal/telemetry"
	"spreadscan/internal/venue"
)

const (
	restURL = "https://fapi.binance.com"
	sapiURL = "https://api.binance.com"
	wsURL   = "wss://fstream.binance.com/ws"
)

type Connector struct {
	*venue.Base
	rest  *venue.RESTClient
	sapi  *venue.RESTClient
	books *venue.Books

	mu         sync.Mutex
	sess       *venue.Session
	subscribed map[string]struct{} // native symbols
	reqID      int64
}

func New() *Connector {
	return &Connector{
		Base:       venue.NewBase(market.Binance),
		rest:       venue.NewRESTClient(string(market.Binance), restURL, 10),
		sapi:       venue.NewRESTClient(string(market.Binance)+"_sapi", sapiURL, 5),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		BaseAsset    string `json:"baseAsset"`
		QuoteAsset   string `json:"quoteAsset"`
		Filters      []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	var info exchangeInfo
	if err := c.rest.Get(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	out := make([]market.Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.Binance, s.Symbol)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.Binance)).Inc()
			continue
		}
		inst := market.Instrument{
			Venue:        market.Binance,
			Symbol:       s.Symbol,
			Canonical:    canonical,
			BaseAsset:    s.BaseAsset,
			QuoteAsset:   s.QuoteAsset,
			Kind:         "perpetual",
			ContractSize: 1,
			MakerFee:     0.0002,
			TakerFee:     0.0005,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize, _ = venue.ParseFloat(f.TickSize)
			case "LOT_SIZE":
				inst.LotSize, _ = venue.ParseFloat(f.StepSize)
			case "MIN_NOTIONAL":
				inst.MinNotional, _ = venue.ParseFloat(f.Notional)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	var raw []struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := c.rest.Get(ctx, "/fapi/v1/ticker/24hr", nil, &raw); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(raw))
	for _, t := range raw {
		canonical, ok := symbols.ToCanonical(market.Binance, t.Symbol)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.LastPrice)
		if !ok || last <= 0 {
			continue
		}
		vol, _ := venue.ParseFloat(t.QuoteVolume)
		out = append(out, market.PriceTicker{
			Venue: market.Binance, Symbol: t.Symbol, Canonical: canonical,
			Last: last, Volume24h: vol, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	var raw []struct {
		Symbol          string `json:"symbol"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := c.rest.Get(ctx, "/fapi/v1/premiumIndex", nil, &raw); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(raw))
	for _, f := range raw {
		canonical, ok := symbols.ToCanonical(market.Binance, f.Symbol)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(f.LastFundingRate)
		if !ok {
			continue
		}
		out = append(out, market.FundingRate{
			Venue: market.Binance, Symbol: f.Symbol, Canonical: canonical,
			Rate:            rate,
			NextFundingTime: time.UnixMilli(f.NextFundingTime),
			IntervalHours:   8,
			Timestamp:       now,
		})
	}
	return out, nil
}

// FetchAssetInfo uses the authenticated capital config endpoint when
// credentials are present, and the public fallback otherwise.
func (c *Connector) FetchAssetInfo(ctx context.Context) ([]market.AssetInfo, error) {
	creds := c.Creds()
	if creds == nil {
		return nil, nil
	}
	var raw []struct {
		Coin        string `json:"coin"`
		DepositAll  bool   `json:"depositAllEnable"`
		WithdrawAll bool   `json:"withdrawAllEnable"`
		NetworkList []struct {
			WithdrawFee string `json:"withdrawFee"`
			WithdrawMin string `json:"withdrawMin"`
			IsDefault   bool   `json:"isDefault"`
		} `json:"networkList"`
	}
	if err := c.sapi.SignedGet(ctx, "/sapi/v1/capital/config/getall", nil, creds, "X-MBX-APIKEY", &raw); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.AssetInfo, 0, len(raw))
	for _, a := range raw {
		info := market.AssetInfo{
			Venue: market.Binance, Asset: a.Coin,
			DepositEnabled: a.DepositAll, WithdrawEnabled: a.WithdrawAll,
			Timestamp: now,
		}
		for _, n := range a.NetworkList {
			if n.IsDefault {
				info.WithdrawFee, _ = venue.ParseFloat(n.WithdrawFee)
				info.MinWithdraw, _ = venue.ParseFloat(n.WithdrawMin)
				break
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	q := url.Values{"symbol": {symbol}, "limit": {fmt.Sprint(depth)}}
	if err := c.rest.Get(ctx, "/fapi/v1/depth", q, &raw); err != nil {
		return nil, err
	}
	bids, ok1 := venue.ParseLevels(raw.Bids)
	asks, ok2 := venue.ParseLevels(raw.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("binance depth %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.Binance, symbol)
	bk := c.books.Get(market.Binance, symbol, canonical)
	bk.ApplySnapshot(bids, asks, raw.LastUpdateID, time.Now())
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
	sess, err := venue.Dial(ctx, string(market.Binance), venue.SessionOpts{
		URL:       wsURL,
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("binance stream closed: %w", err))
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
	params := make([]string, 0, 2*len(syms))
	for _, s := range syms {
		if _, ok := c.subscribed[s]; ok {
			continue
		}
		lc := strings.ToLower(s)
		params = append(params, lc+"@depth20@100ms", lc+"@aggTrade")
		c.subscribed[s] = struct{}{}
	}
	if len(params) == 0 {
		return nil
	}
	c.reqID++
	return c.sess.Send(map[string]any{"method": "SUBSCRIBE", "params": params, "id": c.reqID})
}

func (c *Connector) Unsubscribe(syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	params := make([]string, 0, 2*len(syms))
	for _, s := range syms {
		if _, ok := c.subscribed[s]; !ok {
			continue
		}
		lc := strings.ToLower(s)
		params = append(params, lc+"@depth20@100ms", lc+"@aggTrade")
		delete(c.subscribed, s)
		c.books.Drop(s)
	}
	if len(params) == 0 {
		return nil
	}
	c.reqID++
	return c.sess.Send(map[string]any{"method": "UNSUBSCRIBE", "params": params, "id": c.reqID})
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

type depthEvent struct {
	Event     string     `json:"e"`
	Symbol    string     `json:"s"`
	EventTime int64      `json:"E"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	PrevID    int64      `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type aggTradeEvent struct {
	Event    string `json:"e"`
	Symbol   string `json:"s"`
	TradeID  int64  `json:"a"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
	Maker    bool   `json:"m"` // true: buyer is maker, i.e. a sell
}

func (c *Connector) handleMessage(raw []byte) {
	var head struct {
		Event string `json:"e"`
		// EventTime absorbs the uppercase "E" key so it cannot fall back to
		// the case-insensitive match against the "e" tag and fail to decode.
		EventTime int64 `json:"E"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Binance), "frame").Inc()
		return
	}
	switch head.Event {
	case "depthUpdate":
		c.handleDepth(raw)
	case "aggTrade":
		c.handleTrade(raw)
	}
}

func (c *Connector) handleDepth(raw []byte) {
	var ev depthEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Binance), "depth").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.Binance, ev.Symbol)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseLevels(ev.Bids)
	asks, ok2 := venue.ParseLevels(ev.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.Binance), "depth").Inc()
		return
	}
	bk := c.books.Get(market.Binance, ev.Symbol, canonical)
	// depth20 pushes the full top of book; the pu chain still exposes missed
	// frames, which we repair with a REST snapshot.
	if prev := bk.Seq(); prev > 0 && ev.PrevID > 0 && ev.PrevID != prev {
		log.Warn().Str("venue", "binance").Str("symbol", ev.Symbol).
			Int64("have", prev).Int64("prev", ev.PrevID).Msg("depth sequence gap, resyncing")
		go c.resync(ev.Symbol)
		return
	}
	bk.ApplySnapshot(bids, asks, ev.FinalID, time.UnixMilli(ev.EventTime))
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) resync(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ob, err := c.FetchOrderbookSnapshot(ctx, symbol, 20)
	if err != nil {
		c.EmitError(fmt.Errorf("binance resync %s: %w", symbol, err))
		return
	}
	c.EmitOrderbook(ob)
}

func (c *Connector) handleTrade(raw []byte) {
	var ev aggTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.Binance), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.Binance, ev.Symbol)
	if !ok {
		return
	}
	price, ok := venue.ParseFloat(ev.Price)
	if !ok || price <= 0 {
		telemetry.ParseErrors.WithLabelValues(string(market.Binance), "trade").Inc()
		return
	}
	qty, _ := venue.ParseFloat(ev.Quantity)
	side := "buy"
	if ev.Maker {
		side = "sell"
	}
	c.EmitTrade(&market.Trade{
		Venue: market.Binance, Symbol: ev.Symbol, Canonical: canonical,
		TradeID: fmt.Sprint(ev.TradeID), Price: price, Quantity: qty, Side: side,
		Timestamp: time.UnixMilli(ev.Time), ReceivedAt: time.Now(),
	})
}
