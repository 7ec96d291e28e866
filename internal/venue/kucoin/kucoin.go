// Package kucoin implements the connector for KuCoin USDT-margined futures.
// Streaming requires a short-lived token from the bullet-public endpoint;
// bitcoin contracts trade under the XBT alias.
package kucoin

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
	restURL      = "https://api-futures.kucoin.com"
	pingInterval = 18 * time.Second
	okCode       = "200000"
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
		Base:       venue.NewBase(market.KuCoin),
		rest:       venue.NewRESTClient(string(market.KuCoin), restURL, 8),
		books:      venue.NewBooks(),
		subscribed: make(map[string]struct{}),
	}
}

type contractRow struct {
	Symbol            string  `json:"symbol"`
	Status            string  `json:"status"`
	BaseCurrency      string  `json:"baseCurrency"`
	QuoteCurrency     string  `json:"quoteCurrency"`
	TickSize          float64 `json:"tickSize"`
	LotSize           float64 `json:"lotSize"`
	Multiplier        float64 `json:"multiplier"`
	MakerFeeRate      float64 `json:"makerFeeRate"`
	TakerFeeRate      float64 `json:"takerFeeRate"`
	FundingFeeRate    float64 `json:"fundingFeeRate"`
	NextFundingRateTS int64   `json:"nextFundingRateTime"`
}

func (c *Connector) fetchContracts(ctx context.Context) ([]contractRow, error) {
	var resp struct {
		Code string        `json:"code"`
		Data []contractRow `json:"data"`
	}
	if err := c.rest.Get(ctx, "/api/v1/contracts/active", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != okCode {
		return nil, fmt.Errorf("kucoin contracts: code %s", resp.Code)
	}
	return resp.Data, nil
}

func (c *Connector) FetchInstruments(ctx context.Context) ([]market.Instrument, error) {
	rows, err := c.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Instrument, 0, len(rows))
	for _, s := range rows {
		if s.Status != "Open" {
			continue
		}
		canonical, ok := symbols.ToCanonical(market.KuCoin, s.Symbol)
		if !ok {
			telemetry.SymbolDropped.WithLabelValues(string(market.KuCoin)).Inc()
			continue
		}
		out = append(out, market.Instrument{
			Venue: market.KuCoin, Symbol: s.Symbol, Canonical: canonical,
			BaseAsset: s.BaseCurrency, QuoteAsset: s.QuoteCurrency, Kind: "perpetual",
			ContractSize: s.Multiplier, TickSize: s.TickSize, LotSize: s.LotSize,
			MakerFee: s.MakerFeeRate, TakerFee: s.TakerFeeRate,
		})
	}
	return out, nil
}

func (c *Connector) FetchPriceTickers(ctx context.Context) ([]market.PriceTicker, error) {
	var resp struct {
		Code string `json:"code"`
		Data []struct {
			Symbol       string `json:"symbol"`
			Price        string `json:"price"`
			BestBidPrice string `json:"bestBidPrice"`
			BestAskPrice string `json:"bestAskPrice"`
		} `json:"data"`
	}
	if err := c.rest.Get(ctx, "/api/v1/allTickers", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != okCode {
		return nil, fmt.Errorf("kucoin tickers: code %s", resp.Code)
	}
	now := time.Now()
	out := make([]market.PriceTicker, 0, len(resp.Data))
	for _, t := range resp.Data {
		canonical, ok := symbols.ToCanonical(market.KuCoin, t.Symbol)
		if !ok {
			continue
		}
		last, ok := venue.ParseFloat(t.Price)
		if !ok || last <= 0 {
			continue
		}
		bid, _ := venue.ParseFloat(t.BestBidPrice)
		ask, _ := venue.ParseFloat(t.BestAskPrice)
		out = append(out, market.PriceTicker{
			Venue: market.KuCoin, Symbol: t.Symbol, Canonical: canonical,
			Last: last, Bid: bid, Ask: ask, Timestamp: now,
		})
	}
	return out, nil
}

// FetchFundingRates reads the current rate off the contracts listing, which
// carries it per active contract.
func (c *Connector) FetchFundingRates(ctx context.Context) ([]market.FundingRate, error) {
	rows, err := c.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]market.FundingRate, 0, len(rows))
	for _, s := range rows {
		canonical, ok := symbols.ToCanonical(market.KuCoin, s.Symbol)
		if !ok {
			continue
		}
		out = append(out, market.FundingRate{
			Venue: market.KuCoin, Symbol: s.Symbol, Canonical: canonical,
			Rate:            s.FundingFeeRate,
			NextFundingTime: time.UnixMilli(s.NextFundingRateTS),
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
	path := "/api/v1/level2/depth20"
	if depth > 20 {
		path = "/api/v1/level2/depth100"
	}
	var resp struct {
		Code string `json:"code"`
		Data struct {
			Bids     [][]float64 `json:"bids"`
			Asks     [][]float64 `json:"asks"`
			Sequence int64       `json:"sequence"`
			TS       int64       `json:"ts"`
		} `json:"data"`
	}
	q := url.Values{"symbol": {symbol}}
	if err := c.rest.Get(ctx, path, q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != okCode {
		return nil, fmt.Errorf("kucoin depth %s: code %s", symbol, resp.Code)
	}
	bids, ok1 := venue.ParseNumLevels(resp.Data.Bids)
	asks, ok2 := venue.ParseNumLevels(resp.Data.Asks)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("kucoin depth %s: malformed levels", symbol)
	}
	canonical, _ := symbols.ToCanonical(market.KuCoin, symbol)
	bk := c.books.Get(market.KuCoin, symbol, canonical)
	bk.ApplySnapshot(bids, asks, resp.Data.Sequence, time.Unix(0, resp.Data.TS))
	return bk.Snapshot(true), nil
}

// bulletEndpoint obtains the public streaming endpoint and token.
func (c *Connector) bulletEndpoint(ctx context.Context) (string, error) {
	var resp struct {
		Code string `json:"code"`
		Data struct {
			Token           string `json:"token"`
			InstanceServers []struct {
				Endpoint string `json:"endpoint"`
			} `json:"instanceServers"`
		} `json:"data"`
	}
	if err := c.rest.Post(ctx, "/api/v1/bullet-public", nil, &resp); err != nil {
		return "", err
	}
	if resp.Code != okCode || len(resp.Data.InstanceServers) == 0 {
		return "", fmt.Errorf("kucoin bullet-public: code %s", resp.Code)
	}
	connectID := uuid.NewString()
	return fmt.Sprintf("%s?token=%s&connectId=%s",
		resp.Data.InstanceServers[0].Endpoint, resp.Data.Token, connectID), nil
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
	endpoint, err := c.bulletEndpoint(ctx)
	if err != nil {
		return err
	}
	c.books.Reset()
	sess, err := venue.Dial(ctx, string(market.KuCoin), venue.SessionOpts{
		URL:          endpoint,
		PingInterval: pingInterval,
		Ping: func(s *venue.Session) error {
			return s.Send(map[string]string{"id": uuid.NewString(), "type": "ping"})
		},
		OnMessage: c.handleMessage,
		OnClose: func(err error) {
			c.SetConnected(false)
			c.EmitError(fmt.Errorf("kucoin stream closed: %w", err))
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
		for _, topic := range []string{
			"/contractMarket/level2Depth50:" + s,
			"/contractMarket/execution:" + s,
		} {
			if err := c.sess.Send(map[string]any{
				"id": uuid.NewString(), "type": "subscribe",
				"topic": topic, "response": true,
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
		for _, topic := range []string{
			"/contractMarket/level2Depth50:" + s,
			"/contractMarket/execution:" + s,
		} {
			if err := c.sess.Send(map[string]any{
				"id": uuid.NewString(), "type": "unsubscribe", "topic": topic,
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
	var msg struct {
		Type    string          `json:"type"`
		Topic   string          `json:"topic"`
		Subject string          `json:"subject"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.KuCoin), "frame").Inc()
		return
	}
	if msg.Type != "message" {
		return
	}
	switch {
	case strings.HasPrefix(msg.Topic, "/contractMarket/level2Depth50:"):
		sym := strings.TrimPrefix(msg.Topic, "/contractMarket/level2Depth50:")
		c.handleDepth(sym, msg.Data)
	case strings.HasPrefix(msg.Topic, "/contractMarket/execution:"):
		sym := strings.TrimPrefix(msg.Topic, "/contractMarket/execution:")
		c.handleExecution(sym, msg.Data)
	}
}

func (c *Connector) handleDepth(sym string, data json.RawMessage) {
	var d struct {
		Bids [][]float64 `json:"bids"`
		Asks [][]float64 `json:"asks"`
		TS   int64       `json:"ts"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.KuCoin), "orderbook").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.KuCoin, sym)
	if !ok {
		return
	}
	bids, ok1 := venue.ParseNumLevels(d.Bids)
	asks, ok2 := venue.ParseNumLevels(d.Asks)
	if !ok1 || !ok2 {
		telemetry.ParseErrors.WithLabelValues(string(market.KuCoin), "orderbook").Inc()
		return
	}
	// level2Depth50 pushes the full top fifty levels each time.
	bk := c.books.Get(market.KuCoin, sym, canonical)
	bk.ApplySnapshot(bids, asks, 0, time.Unix(0, d.TS))
	c.EmitOrderbook(bk.Snapshot(true))
}

func (c *Connector) handleExecution(sym string, data json.RawMessage) {
	var d struct {
		TradeID string  `json:"tradeId"`
		Price   string  `json:"price"`
		Size    float64 `json:"size"`
		Side    string  `json:"side"`
		TS      int64   `json:"ts"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		telemetry.ParseErrors.WithLabelValues(string(market.KuCoin), "trade").Inc()
		return
	}
	canonical, ok := symbols.ToCanonical(market.KuCoin, sym)
	if !ok {
		return
	}
	price, ok := venue.ParseFloat(d.Price)
	if !ok || price <= 0 {
		telemetry.ParseErrors.WithLabelValues(string(market.KuCoin), "trade").Inc()
		return
	}
	c.EmitTrade(&market.Trade{
		Venue: market.KuCoin, Symbol: sym, Canonical: canonical,
		TradeID: d.TradeID, Price: price, Quantity: d.Size, Side: d.Side,
		Timestamp: time.Unix(0, d.TS), ReceivedAt: time.Now(),
	})
}
