package market

import (
	"errors"
	"sort"
	"time"
)

// ErrSequenceGap is returned by ApplyDelta when the venue sequence chain is
// broken. The caller recovers with a REST snapshot re-fetch.
var ErrSequenceGap = errors.New("order book sequence gap")

// Book maintains one venue order book from snapshots and deltas. It is owned
// by a single connector read loop and is not safe for concurrent use.
type Book struct {
	venue     VenueID
	symbol    string
	canonical string

	bids map[float64]float64
	asks map[float64]float64

	seq       int64
	timestamp time.Time
}

// NewBook creates an empty book for one (venue, symbol).
func NewBook(venue VenueID, symbol, canonical string) *Book {
	return &Book{
		venue:     venue,
		symbol:    symbol,
		canonical: canonical,
		bids:      make(map[float64]float64),
		asks:      make(map[float64]float64),
	}
}

// ApplySnapshot replaces the book contents. Levels with zero quantity are
// ignored.
func (b *Book) ApplySnapshot(bids, asks []PriceLevel, seq int64, ts time.Time) {
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	for _, l := range bids {
		if l.Quantity > 0 {
			b.bids[l.Price] = l.Quantity
		}
	}
	for _, l := range asks {
		if l.Quantity > 0 {
			b.asks[l.Price] = l.Quantity
		}
	}
	b.seq = seq
	b.timestamp = ts
}

// ApplyDelta applies incremental level changes: positive quantity sets the
// level, zero quantity deletes it. prevSeq is the venue's "previous update id"
// when the protocol provides one; pass 0 for venues without sequencing.
// Deleting a level that is not present is a no-op.
func (b *Book) ApplyDelta(bids, asks []PriceLevel, prevSeq, seq int64, ts time.Time) error {
	if prevSeq > 0 && b.seq > 0 && prevSeq != b.seq {
		return ErrSequenceGap
	}
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	if seq > 0 {
		b.seq = seq
	}
	b.timestamp = ts
	return nil
}

func applyLevels(side map[float64]float64, levels []PriceLevel) {
	for _, l := range levels {
		if l.Quantity == 0 {
			delete(side, l.Price)
			continue
		}
		side[l.Price] = l.Quantity
	}
}

// Seq returns the last applied sequence id.
func (b *Book) Seq() int64 { return b.seq }

// Depth returns the number of levels per side.
func (b *Book) Depth() (bids, asks int) { return len(b.bids), len(b.asks) }

// Snapshot materializes the current book as a normalized OrderBook with bids
// descending, asks ascending, and top-of-book derived fields.
func (b *Book) Snapshot(isSnapshot bool) *OrderBook {
	ob := &OrderBook{
		Venue:      b.venue,
		Symbol:     b.symbol,
		Canonical:  b.canonical,
		Bids:       sortedLevels(b.bids, true),
		Asks:       sortedLevels(b.asks, false),
		SequenceID: b.seq,
		Timestamp:  b.timestamp,
		ReceivedAt: time.Now(),
		IsSnapshot: isSnapshot,
	}
	if len(ob.Bids) > 0 {
		ob.BestBid = ob.Bids[0].Price
	}
	if len(ob.Asks) > 0 {
		ob.BestAsk = ob.Asks[0].Price
	}
	if ob.BestBid > 0 && ob.BestAsk > 0 {
		ob.SpreadBps = (ob.BestAsk - ob.BestBid) / ob.BestBid * 10000
	}
	return ob
}

func sortedLevels(side map[float64]float64, descending bool) []PriceLevel {
	levels := make([]PriceLevel, 0, len(side))
	for p, q := range side {
		levels = append(levels, PriceLevel{Price: p, Quantity: q})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// DepthUSD sums price*quantity over the top n levels of one side of a
// normalized book. Used for depth-aware spread scoring.
func DepthUSD(levels []PriceLevel, n int) float64 {
	var total float64
	for i, l := range levels {
		if i >= n {
			break
		}
		total += l.Price * l.Quantity
	}
	return total
}
