// Package symbols maps venue-native contract symbols to the canonical
// <BASE>-<QUOTE>-PERP form and back. All functions are pure; per-venue
// mappings are bijective so a canonical round trip is the identity.
package symbols

import (
	"fmt"
	"strings"

	"spreadscan/internal/market"
)

// quotes lists recognised quote assets, most specific first so that "USD"
// never shadows "USDT"/"USDC" on concatenated symbols.
var quotes = []string{"USDT", "USDC", "USD"}

// aliases holds per-venue base-asset renames. KuCoin futures list bitcoin
// contracts under XBT.
var aliases = map[market.VenueID]map[string]string{
	market.KuCoin: {"BTC": "XBT"},
}

func aliasToNative(v market.VenueID, base string) string {
	if m, ok := aliases[v]; ok {
		if n, ok := m[base]; ok {
			return n
		}
	}
	return base
}

func aliasToCanonical(v market.VenueID, base string) string {
	if m, ok := aliases[v]; ok {
		for canonical, native := range m {
			if native == base {
				return canonical
			}
		}
	}
	return base
}

// Canonical builds the canonical key for a base/quote pair.
func Canonical(base, quote string) string {
	return fmt.Sprintf("%s-%s-PERP", strings.ToUpper(base), strings.ToUpper(quote))
}

// SplitCanonical breaks a canonical key into base and quote. ok is false if
// the key is not of the form BASE-QUOTE-PERP.
func SplitCanonical(canonical string) (base, quote string, ok bool) {
	parts := strings.Split(canonical, "-")
	if len(parts) != 3 || parts[2] != "PERP" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ToCanonical converts a venue-native perpetual symbol to its canonical key.
// ok is false when the symbol is not a recognised perpetual on that venue;
// callers drop such symbols and count them.
func ToCanonical(v market.VenueID, native string) (string, bool) {
	native = strings.TrimSpace(native)
	if native == "" {
		return "", false
	}

	var base, quote string
	var ok bool
	switch v {
	case market.Binance, market.Bybit, market.Bitget, market.CoinEx:
		base, quote, ok = splitConcat(native)
	case market.OKX:
		trimmed, found := strings.CutSuffix(native, "-SWAP")
		if !found {
			return "", false
		}
		base, quote, ok = splitDelimited(trimmed, "-")
	case market.KuCoin:
		trimmed, found := strings.CutSuffix(native, "M")
		if !found {
			return "", false
		}
		base, quote, ok = splitConcat(trimmed)
	case market.MEXC, market.GateIO, market.LBank:
		base, quote, ok = splitDelimited(native, "_")
	case market.BingX, market.HTX:
		base, quote, ok = splitDelimited(native, "-")
	default:
		return "", false
	}
	if !ok {
		return "", false
	}
	return Canonical(aliasToCanonical(v, base), quote), true
}

// FromCanonical constructs the venue-native symbol for a canonical key. It is
// total on keys produced by ToCanonical; unknown keys fall through with the
// canonical base/quote unchanged.
func FromCanonical(v market.VenueID, canonical string) string {
	base, quote, ok := SplitCanonical(canonical)
	if !ok {
		return canonical
	}
	base = aliasToNative(v, base)

	switch v {
	case market.Binance, market.Bybit, market.Bitget, market.CoinEx:
		return base + quote
	case market.OKX:
		return base + "-" + quote + "-SWAP"
	case market.KuCoin:
		return base + quote + "M"
	case market.MEXC, market.GateIO, market.LBank:
		return base + "_" + quote
	case market.BingX, market.HTX:
		return base + "-" + quote
	}
	return base + quote
}

func splitConcat(s string) (base, quote string, ok bool) {
	for _, q := range quotes {
		if b, found := strings.CutSuffix(s, q); found && b != "" {
			return strings.ToUpper(b), q, true
		}
	}
	return "", "", false
}

func splitDelimited(s, sep string) (base, quote string, ok bool) {
	parts := strings.Split(s, sep)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	q := strings.ToUpper(parts[1])
	for _, known := range quotes {
		if q == known {
			return strings.ToUpper(parts[0]), q, true
		}
	}
	return "", "", false
}
