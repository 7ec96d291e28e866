// Package gateio implements the connector for Gate.io USDT perpetual futures.
// The order-book stream is incremental: updates chain on (U, u) ids against a
// REST snapshot, and a broken chain forces a snapshot re-fetch.
package gateio

import (
	"context"
	"fmt"
	"net/url"
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
	restURL      = "https://api.gateio.ws"
	wsURL        = "wss://fx-ws.gateio.ws/v4/ws/usdt"
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
		Base:       venue.NewBase(market.GateIO),
		rest:       venue.NewRESTClient(string(market.GateIO), restURL, 10),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

type contractRow struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	InDelisting      bool   `json:"in_delisting"`
	OrderPriceRound  string `json:"order_price_round"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	MakerFeeRate     string `json:"maker_fee_rate"`
	TakerFeeRate     string `json:"taker_fee_rate"`
	FundingRate      string `json:"funding_rate"`
	FundingNextApply int64  `json:"funding_next_apply"`
	FundingInterval  int    `json:"funding_interval"`
}

func (c *Connector) fetchContracts(ctx context.Context) ([]contractRow, error) {
	var rows []contractRow
	if err := c.rest.Get(ctx, "/api/v4/futures/usdt/contracts", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	rows, err := c.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Instrument, 0, len(rows))
	for _, s := range rows {
		if s.InDelisting || s.Type != "direct" {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.GateIO, s.Name)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.GateIO)).Inc()
			continue
		}
		base, quote, _ := symbols.SplitCanonical(canonical)
		tick, _ := venue.ParseFloat(s.OrderPriceRound)
		size, _ := venue.ParseFloat(s.QuantoMultiplier)
		maker, _ := venue.ParseSignedFloat(s.MakerFeeRate)
		taker, _ := venue.ParseSignedFloat(s.TakerFeeRate)
		out = append(out, market.Instrument{
			Venue: market.GateIO, Symbol: s.Name, Canonical: canonical,
			BaseAsset: base, QuoteAsset: quote, Kind: "perpetual",
			ContractSize: size, TickSize: tick, LotSize: 1,
			MakerFee: maker, TakerFee: taker,
		})
	}
	return out, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	var rows []struct {
		Contract   string `json:"contract"`
		Last       string `json:"last"`
		Volume24hQ string `json:"volume_24h_quote"`
	}
	if err := c.rest.Get(ctx, "/api/v4/futures/usdt/tickers", nil, &rows); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(rows))
	for _, t := range rows {
		canonical, ok := symbols.ToCanonical(market.GateIO, t.Contract)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.Last)
		if !ok || last <= 0 {
			continue
		}
		vol, _ := venue.ParseFloat(t.Volume24hQ)
		out = append(out, market.PriceTicker{
			Venue: market.GateIO, Symbol: t.Contract, Canonical: canonical,
			Last: last, Volume24h: vol, Timestamp: now,
		})
	}
	return out, nil
}

func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	rows, err := c.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(rows))
	for _, s := range rows {
		canonical, ok := symbols.ToCanonical(market.GateIO, s.Name)
		if !ok {
			continue
		}
		rate, ok := venue.ParseSignedFloat(s.FundingRate)
		if !ok {
			continue
		}
		interval := s.FundingInterval / 3600
		if interval == 0 {
			interval = 8
		}
		out = append(out, market.FundingRate{
			Venue: market.GateIO, Symbol: s.Name, Canonical: canonical,
			Rate:            rate,
			NextFundingTime: time.Unix(s.FundingNextApply, 0),
			IntervalHours:   interval,
			Timestamp:       now,
		})
	}
	return out, nil
}

func (c *Connector) FetchAssetInfo(ctx context.Context) ([]market.AssetInfo, error) {
	var rows []struct {
		Currency         string `json:"currency"`
		Delisted         bool   `json:"delisted"`
		DepositDisabled  bool   `json:"deposit_disabled"`
		WithdrawDisabled bool   `json:"withdraw_disabled"`
	}
	if err := c.rest.Get(ctx, "/api/v4/spot/currencies", nil, &rows); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.AssetInfo, 0, len(rows))
	for _, a := range rows {
		if a.Delisted {
			continue
		}
		out = append(out, market.AssetInfo{
			Venue: market.GateIO, Asset: a.Currency,
			DepositEnabled:  !a.DepositDisabled,
			WithdrawEnabled: !a.WithdrawDisabled,
			Timestamp:       now,
		})
	}
	return out, nil
}

type restBook struct {
	ID      int64       `json:"id"`
	Current float64     `json:"current"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

type bookLevel struct {
	Price string  `json:"p"`
	Size  float64 `json:"s"`
}

func parseGateLevels(rows []bookLevel) ([]market.PriceLevel, bool) {
	out := make([]market.PriceLevel, 0, len(rows))
	for _, r := range rows {
		p, ok := venue.ParseFloat(r.Price)
		if !ok || p <= 0 || r.Size < 0 {
			return nil, false
		}
		out = append(out, market.PriceLevel{Price: p, Quantity: r.Size})
	}
	return out, true
}

func (c *Connector) FetchOrderbookSnapshot(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	var raw restBook
	q := url.Values{"contract": {symbol}, "limit": {fmt.Sprint(depth)}, "with_id": {"true"}}
	if err := c.rest.Get(ctx, "/api/v4/futures/usdt/order_book", q, &raw); err != nil {
		return nil, err
	}
	bids, ok1 := parseGateLevels(raw.Bids)
	asks, ok2 := parseGateLevels(raw.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("gateio order_book %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.GateIO, symbol)
	bk := c.books.Get(market.GateIO, symbol, canonical)
	bk.ApplySnapshot(bids, asks, raw.ID, time.Now())
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
	sess, err := venue.Dial(ctx, string(market.GateIO), venue.SessionOpts{
		URL:          wsURL,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.Send(map[string]any{"time": time.Now().Unix(), "channel": "futures.ping"})
		},
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("gateio stream closed: %w", err))
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
	now := time.Now().Unix()
	for _, s := range syms {
		if _, ok := c.subscribed[s]; ok {
			continue
		}
		if err := c.sess.Send(map[string]any{
			"time": now, "channel": "futures.order_book_update",
			"event": "subscribe", "payload": []string{s, "100ms", "20"},
		}); err != nil {
			return err
		}
		if err := c.sess.Send(map[string]any{
			"time": now, "channel": "futures.trades",
			"event": "subscribe", "payload": []string{s},
		}); err != nil {
			return err
		}
		c.subscribed[s] = struct{}{}
		// Updates only apply on top of a REST snapshot with a matching id.
		go c.resync(s)
	}
	return nil
}

func (c *Connector) Unsubscribe(syms []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return venue.ErrNotConnected
	}
	now := time.Now().Unix()
	for _, s := range syms {
		if _, ok := c.subscribed[s]; !ok {
			continue
		}
		if err := c.sess.Send(map[string]any{
			"time": now, "channel": "futures.order_book_update",
			"event": "unsubscribe", "payload": []string{s, "100ms", "20"},
		}); err != nil {
			return err
		}
		if err := c.sess.Send(map[string]any{
			"time": now, "channel": "futures.trades",
			"event": "unsubscribe", "payload": []string{s},
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

func (c *Connector) resync(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ob, err := c.FetchOrderbookSnapshot(ctx, symbol, 20)
	if err != nil {
		c.EmitError(fmt.Errorf("gateio resync %s: %w", symbol, err))
		return
	}
	c.EmitOrderbook(ob)
}

type updateResult struct {
	TimeMS   int64       `json:"t"`
	Contract string      `json:"s"`
	FirstID  int64       `json:"U"`
	LastID   int64       `json:"u"`
	Bids     []bookLevel `json:"b"`
	Asks     []bookLevel `json:"a"`
}

func (c *Connector) handleMessage(raw []byte) {
	var msg struct {
		Channel string          `json:"channel"`
		Event   string          `json:"event"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.GateIO), "frame").Inc()
		return
	}
	if msg.Event != "update" && msg.Event != "all" {
		return
	}
	switch msg.Channel {
	case "futures.order_book_update":
		c.handleBookUpdate(msg.Result)
	case "futures.trades":
		c.handleTrades(msg.Result)
	}
}

func (c *Connector) handleBookUpdate(result json.RawMessage) {
	var u updateResult
	if err := json.Unmarshal(result, &u); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.GateIO), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.GateIO, u.Contract)
	if !ok {
		return
	}
	bids, ok1 := parseGateLevels(u.Bids)
	asks, ok2 := parseGateLevels(u.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.GateIO), "orderbook").Inc()
		return
	}
	bk := c.books.Get(market.GateIO, u.Contract, canonical)
	prev := bk.Seq()
	if prev == 0 {
		// Snapshot fetch still in flight; drop updates until it lands.
		return
	}
	if u.FirstID > prev+1 {
		log.Warn().Str("venue", "gateio").Str("symbol", u.Contract).
			Int64("have", prev).Int64("first", u.FirstID).Msg("order book update gap, resyncing")
		go c.resync(u.Contract)
		return
	}
	if u.LastID <= prev {
		return // stale overlap from before the snapshot
	}
	if err := bk.ApplyDelta(bids, asks, 0, u.LastID, time.UnixMilli(u.TimeMS)); err != nil {
		c.EmitError(fmt.Errorf("gateio delta %s: %w", u.Contract, err))
		return
	}
	c.EmitOrderbook(bk.Snapshot(false))
}

func (c *Connector) handleTrades(result json.RawMessage) {
	var rows []struct {
		ID           int64   `json:"id"`
		CreateTimeMS int64   `json:"create_time_ms"`
		Price        string  `json:"price"`
		Size         float64 `json:"size"` // negative size is a sell
		Contract     string  `json:"contract"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.GateIO), "trade").Inc()
		return
	}
	now := time.Now()
	for _, r := range rows {
		canonical, ok := symbols.ToCanonical(market.GateIO, r.Contract)
		if !ok {
			continue
		}
		price, ok := venue.ParseFloat(r.Price)
		if !ok || price <= 0 {
			telemetry.ParseErrors.WithLabelValues(string(market.GateIO), "trade").Inc()
			continue
		}
		side, size := "buy", r.Size
		if size < 0 {
			side, size = "sell", -size
		}
		c.EmitTrade(&market.Trade{
			Venue: market.GateIO, Symbol: r.Contract, Canonical: canonical,
			TradeID: fmt.Sprint(r.ID), Price: price, Quantity: size, Side: side,
			Timestamp: time.UnixMilli(r.CreateTimeMS), ReceivedAt: now,
		})
	}
}
