package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
)

func TestToCanonicalShapes(t *testing.T) {
	cases := []struct {
		venue  market.VenueID
		native string
		want   string
	}{
		{market.Binance, "BTCUSDT", "BTC-USDT-PERP"},
		{market.Bybit, "ETHUSDT", "ETH-USDT-PERP"},
		{market.Bitget, "SOLUSDC", "SOL-USDC-PERP"},
		{market.CoinEx, "DOGEUSDT", "DOGE-USDT-PERP"},
		{market.OKX, "BTC-USDT-SWAP", "BTC-USDT-PERP"},
		{market.KuCoin, "ETHUSDTM", "ETH-USDT-PERP"},
		{market.MEXC, "BTC_USDT", "BTC-USDT-PERP"},
		{market.GateIO, "AVAX_USDT", "AVAX-USDT-PERP"},
		{market.LBank, "LINK_USDT", "LINK-USDT-PERP"},
		{market.BingX, "BTC-USDT", "BTC-USDT-PERP"},
		{market.HTX, "XRP-USDT", "XRP-USDT-PERP"},
		{market.Binance, "1000PEPEUSDT", "1000PEPE-USDT-PERP"},
	}
	for _, tc := range cases {
		got, ok := ToCanonical(tc.venue, tc.native)
		require.True(t, ok, "%s %s", tc.venue, tc.native)
		assert.Equal(t, tc.want, got)
	}
}

func TestToCanonicalRejectsMalformed(t *testing.T) {
	cases := []struct {
		venue  market.VenueID
		native string
	}{
		{market.Binance, ""},
		{market.Binance, "USDT"},           // no base
		{market.Binance, "BTCEUR"},         // unknown quote
		{market.OKX, "BTC-USDT"},           // missing -SWAP: not a perpetual
		{market.OKX, "BTC-USD-240628"},     // dated future
		{market.KuCoin, "XBTUSDT"},         // missing futures M suffix
		{market.GateIO, "BTC-USDT"},        // wrong delimiter
		{market.MEXC, "BTC_USDT_SOMETHING"},
		{market.HTX, "BTCUSDT"},
	}
	for _, tc := range cases {
		_, ok := ToCanonical(tc.venue, tc.native)
		assert.False(t, ok, "%s %q should be rejected", tc.venue, tc.native)
	}
}

func TestRoundTripIsIdentity(t *testing.T) {
	canonicals := []string{
		"BTC-USDT-PERP", "ETH-USDT-PERP", "SOL-USDC-PERP",
		"DOGE-USDT-PERP", "1000PEPE-USDT-PERP",
	}
	for _, v := range market.AllVenues() {
		for _, c := range canonicals {
			native := FromCanonical(v, c)
			back, ok := ToCanonical(v, native)
			require.True(t, ok, "%s %s -> %q", v, c, native)
			assert.Equal(t, c, back, "round trip on %s", v)
		}
	}
}

func TestKuCoinBitcoinAlias(t *testing.T) {
	assert.Equal(t, "XBTUSDTM", FromCanonical(market.KuCoin, "BTC-USDT-PERP"))

	got, ok := ToCanonical(market.KuCoin, "XBTUSDTM")
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT-PERP", got)
}

func TestSplitCanonical(t *testing.T) {
	base, quote, ok := SplitCanonical("BTC-USDT-PERP")
	require.True(t, ok)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	for _, bad := range []string{"BTC-USDT", "BTCUSDT", "-USDT-PERP", "BTC--PERP", ""} {
		_, _, ok := SplitCanonical(bad)
		assert.False(t, ok, "%q", bad)
	}
}
