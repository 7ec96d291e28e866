package market

import (
	"fmt"
	"strings"
	"time"
)

// VenueID identifies a supported derivatives venue.
type VenueID string

const (
	Binance VenueID = "binance"
	Bybit   VenueID = "bybit"
	OKX     VenueID = "okx"
	KuCoin  VenueID = "kucoin"
	MEXC    VenueID = "mexc"
	Bitget  VenueID = "bitget"
	GateIO  VenueID = "gateio"
	BingX   VenueID = "bingx"
	CoinEx  VenueID = "coinex"
	LBank   VenueID = "lbank"
	HTX     VenueID = "htx"
)

// AllVenues returns every supported venue in a stable order.
func AllVenues() []VenueID {
	return []VenueID{Binance, Bybit, OKX, KuCoin, MEXC, Bitget, GateIO, BingX, CoinEx, LBank, HTX}
}

// ParseVenueID validates a venue name from configuration.
func ParseVenueID(s string) (VenueID, error) {
	v := VenueID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllVenues() {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown venue %q", s)
}

// PriceLevel is a single order-book level. Quantity is in base units.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a normalized L2 book. Bids are sorted descending, asks
// ascending; every level has Quantity > 0.
type OrderBook struct {
	Venue      VenueID      `json:"exchange_id"`
	Symbol     string       `json:"symbol"`
	Canonical  string       `json:"canonical"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	BestBid    float64      `json:"best_bid"`
	BestAsk    float64      `json:"best_ask"`
	SpreadBps  float64      `json:"spread_bps"`
	SequenceID int64        `json:"sequence_id,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	ReceivedAt time.Time    `json:"received_at"`
	IsSnapshot bool         `json:"is_snapshot"`
}

// Trade is a normalized public trade.
type Trade struct {
	Venue      VenueID   `json:"exchange_id"`
	Symbol     string    `json:"symbol"`
	Canonical  string    `json:"canonical"`
	TradeID    string    `json:"trade_id"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Side       string    `json:"side"` // "buy" or "sell"
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// FundingRate is the periodic funding payment on a perpetual.
type FundingRate struct {
	Venue           VenueID   `json:"exchange_id"`
	Symbol          string    `json:"symbol"`
	Canonical       string    `json:"canonical"`
	Rate            float64   `json:"funding_rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
	IntervalHours   int       `json:"funding_interval_hours"`
	Timestamp       time.Time `json:"timestamp"`
}

// Instrument describes an active perpetual contract on a venue.
type Instrument struct {
	Venue        VenueID `json:"exchange_id"`
	Symbol       string  `json:"symbol"`
	Canonical    string  `json:"canonical"`
	BaseAsset    string  `json:"base_asset"`
	QuoteAsset   string  `json:"quote_asset"`
	Kind         string  `json:"instrument_type"` // always "perpetual"
	ContractSize float64 `json:"contract_size"`
	TickSize     float64 `json:"tick_size"`
	LotSize      float64 `json:"lot_size"`
	MinNotional  float64 `json:"min_notional"`
	MakerFee     float64 `json:"maker_fee"`
	TakerFee     float64 `json:"taker_fee"`
}

// PriceTicker is a REST ticker sample for one symbol.
type PriceTicker struct {
	Venue     VenueID   `json:"exchange_id"`
	Symbol    string    `json:"symbol"`
	Canonical string    `json:"canonical"`
	Last      float64   `json:"price"`
	Bid       float64   `json:"bid_price,omitempty"`
	Ask       float64   `json:"ask_price,omitempty"`
	Volume24h float64   `json:"volume_24h,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AssetInfo is the deposit/withdraw status of a base asset on a venue.
// Venues without a public endpoint report enabled with zero fees.
type AssetInfo struct {
	Venue           VenueID   `json:"exchange_id"`
	Asset           string    `json:"asset"`
	DepositEnabled  bool      `json:"deposit_enabled"`
	WithdrawEnabled bool      `json:"withdraw_enabled"`
	WithdrawFee     float64   `json:"withdraw_fee,omitempty"`
	MinWithdraw     float64   `json:"min_withdraw,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
