package ingest

import (
	"fmt"

	"spreadscan/internal/market"
	"spreadscan/internal/venue"
	"spreadscan/internal/venue/binance"
	"spreadscan/internal/venue/bingx"
	"spreadscan/internal/venue/bitget"
	"spreadscan/internal/venue/bybit"
	"spreadscan/internal/venue/coinex"
	"spreadscan/internal/venue/gateio"
	"spreadscan/internal/venue/htx"
	"spreadscan/internal/venue/kucoin"
	"spreadscan/internal/venue/lbank"
	"spreadscan/internal/venue/mexc"
	"spreadscan/internal/venue/okx"
)

// NewConnector constructs the connector for one venue.
func NewConnector(v market.VenueID) (venue.Connector, error) {
	switch v {
	case market.Binance:
		return binance.New(), nil
	case market.Bybit:
		return bybit.New(), nil
	case market.OKX:
		return okx.New(), nil
	case market.KuCoin:
		return kucoin.New(), nil
	case market.MEXC:
		return mexc.New(), nil
	case market.Bitget:
		return bitget.New(), nil
	case market.GateIO:
		return gateio.New(), nil
	case market.BingX:
		return bingx.New(), nil
	case market.CoinEx:
		return coinex.New(), nil
	case market.LBank:
		return lbank.New(), nil
	case market.HTX:
		return htx.New(), nil
	}
	return nil, fmt.Errorf("no connector for venue %q", v)
}

// NewConnectors builds connectors for every requested venue.
func NewConnectors(venues []market.VenueID) (map[market.VenueID]venue.Connector, error) {
	out := make(map[market.VenueID]venue.Connector, len(venues))
	for _, v := range venues {
		c, err := NewConnector(v)
		if err != nil {
			return nil, err
		}
		out[v] = c
	}
	return out, nil
}
