package venue

import (
	"strconv"
	"sync"

	"spreadscan/internal/market"
)

// ParseFloat parses a venue price/quantity string. ok is false for anything
// that is not a finite decimal; callers drop the enclosing frame.
func ParseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

// ParseSignedFloat parses a value that may legitimately be negative, such as
// a funding rate.
func ParseSignedFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ParseLevels converts [["price","qty"], ...] pairs into levels. Extra
// columns (order counts etc.) are ignored.
func ParseLevels(raw [][]string) ([]market.PriceLevel, bool) {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, false
		}
		p, ok := ParseFloat(pair[0])
		if !ok || p <= 0 {
			return nil, false
		}
		q, ok := ParseFloat(pair[1])
		if !ok {
			return nil, false
		}
		out = append(out, market.PriceLevel{Price: p, Quantity: q})
	}
	return out, true
}

// ParseNumLevels is ParseLevels for venues that ship levels as JSON numbers.
func ParseNumLevels(raw [][]float64) ([]market.PriceLevel, bool) {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 || pair[0] <= 0 || pair[1] < 0 {
			return nil, false
		}
		out = append(out, market.PriceLevel{Price: pair[0], Quantity: pair[1]})
	}
	return out, true
}

// Books tracks the per-symbol order books one connector maintains.
type Books struct {
	mu sync.Mutex
	m  map[string]*market.Book
}

func NewBooks() *Books {
	return &Books{m: make(map[string]*market.Book)}
}

// Get returns the book for a native symbol, creating it on first use.
func (b *Books) Get(venue market.VenueID, symbol, canonical string) *market.Book {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.m[symbol]
	if !ok {
		bk = market.NewBook(venue, symbol, canonical)
		b.m[symbol] = bk
	}
	return bk
}

// Drop forgets the book for a symbol after an unsubscribe.
func (b *Books) Drop(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, symbol)
}

// Reset forgets every book, for a fresh connection.
func (b *Books) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m = make(map[string]*market.Book)
}
