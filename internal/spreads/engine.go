// Package spreads discovers and ranks cross-venue spreads on the canonical
// token index, and keeps them current against live order-book and funding
// events.
package spreads

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"spreadscan/internal/ingest"
	"spreadscan/internal/market"
	"spreadscan/internal/telemetry"
)

// Weights are the score components. Score is
// w_spread*spread_bps + w_depth*log10(min_depth+1) + w_volume*log10(vol+1)
// + w_funding*net_funding*1e4.
type Weights struct {
	Spread  float64 `yaml:"spread"`
	Depth   float64 `yaml:"depth"`
	Volume  float64 `yaml:"volume"`
	Funding float64 `yaml:"funding"`
}

func DefaultWeights() Weights {
	return Weights{Spread: 1.0, Depth: 0.5, Volume: 0.25, Funding: 0.1}
}

type Config struct {
	MinSpreadBps float64
	TopN         int
	Weights      Weights
}

// Spread is one long/short opportunity between two venues on a canonical
// symbol.
type Spread struct {
	ID            string          `json:"id"`
	Canonical     string          `json:"canonical"`
	LongVenue     market.VenueID  `json:"long_exchange"`
	ShortVenue    market.VenueID  `json:"short_exchange"`
	LongSymbol    string          `json:"long_symbol"`
	ShortSymbol   string          `json:"short_symbol"`
	LongPrice     float64         `json:"long_price"`
	ShortPrice    float64         `json:"short_price"`
	SpreadPercent float64         `json:"spread_percent"`
	SpreadBps     float64         `json:"spread_bps"`
	LongFunding   float64         `json:"long_funding"`
	ShortFunding  float64         `json:"short_funding"`
	NetFunding    float64         `json:"net_funding"`
	LongDeposit   bool            `json:"long_deposit_enabled"`
	ShortWithdraw bool            `json:"short_withdraw_enabled"`
	PnlBps        float64         `json:"estimated_pnl_bps"`
	LongDepthUSD  float64         `json:"long_depth_usd"`
	ShortDepthUSD float64         `json:"short_depth_usd"`
	MinDepthUSD   float64         `json:"min_depth_usd"`
	Volume24h     float64         `json:"volume_24h"`
	Score         float64         `json:"score"`
	HighBps       float64         `json:"high_bps"`
	LowBps        float64         `json:"low_bps"`
	UpdatedAt     time.Time       `json:"updated_at"`

	longTaker, shortTaker float64
}

// SpreadID builds the stable identifier for a (canonical, long, short) pair.
func SpreadID(canonical string, long, short market.VenueID) string {
	return fmt.Sprintf("%s:%s:%s", canonical, long, short)
}

// quote is the latest streamed top of book for one leg. It overrides the
// REST ticker once present.
type quote struct {
	bid, ask           float64
	bidDepth, askDepth float64
}

// Engine holds the current spread set. All methods are safe for concurrent
// use.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	inv     ingest.Inventory
	live    map[string]map[market.VenueID]quote
	funding map[string]map[market.VenueID]float64
	spreads map[string]*Spread
}

func NewEngine(cfg Config) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = 50
	}
	return &Engine{
		cfg:     cfg,
		inv:     make(ingest.Inventory),
		live:    make(map[string]map[market.VenueID]quote),
		funding: make(map[string]map[market.VenueID]float64),
		spreads: make(map[string]*Spread),
	}
}

// Rebuild runs a full discovery cycle over a fresh inventory. Session
// high/low marks survive for spreads that persist across cycles.
func (e *Engine) Rebuild(inv ingest.Inventory) []*Spread {
	timer := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inv = inv.MultiVenue()
	next := make(map[string]*Spread)
	for _, tok := range e.inv {
		for _, s := range e.discoverLocked(tok) {
			next[s.ID] = s
		}
	}
	e.carryMarks(next)
	e.spreads = next

	telemetry.SpreadsFound.Set(float64(len(next)))
	telemetry.DiscoveryDuration.Observe(time.Since(timer).Seconds())
	log.Info().Int("spreads", len(next)).Int("tokens", len(e.inv)).Msg("spread discovery cycle complete")
	return e.sortedLocked()
}

// carryMarks moves high/low water marks from the old set onto spreads that
// survived, and exports the per-spread gauge.
func (e *Engine) carryMarks(next map[string]*Spread) {
	for id, s := range next {
		if old, ok := e.spreads[id]; ok {
			s.HighBps = math.Max(old.HighBps, s.SpreadBps)
			s.LowBps = math.Min(old.LowBps, s.SpreadBps)
		}
		telemetry.SpreadValueBps.WithLabelValues(s.Canonical, string(s.LongVenue), string(s.ShortVenue)).Set(s.SpreadBps)
	}
}

// discoverLocked enumerates every ordered venue pair for one token.
func (e *Engine) discoverLocked(tok *ingest.Token) []*Spread {
	var out []*Spread
	now := time.Now()
	for longID, long := range tok.Venues {
		for shortID, short := range tok.Venues {
			if longID == shortID {
				continue
			}
			s := e.buildLocked(tok.Canonical, longID, long, shortID, short, now)
			if s != nil {
				out = append(out, s)
			}
		}
	}
	return out
}

func (e *Engine) buildLocked(canonical string, longID market.VenueID, long *ingest.VenueToken, shortID market.VenueID, short *ingest.VenueToken, now time.Time) *Spread {
	longPrice := e.askLocked(canonical, longID, long)
	shortPrice := e.bidLocked(canonical, shortID, short)
	if longPrice <= 0 || shortPrice <= 0 {
		return nil
	}
	spreadPercent := (shortPrice - longPrice) / longPrice * 100
	spreadBps := spreadPercent * 100
	if spreadBps < e.cfg.MinSpreadBps {
		return nil
	}

	longFunding := e.fundingLocked(canonical, longID, long)
	shortFunding := e.fundingLocked(canonical, shortID, short)
	s := &Spread{
		ID:            SpreadID(canonical, longID, shortID),
		Canonical:     canonical,
		LongVenue:     longID,
		ShortVenue:    shortID,
		LongSymbol:    long.Instrument.Symbol,
		ShortSymbol:   short.Instrument.Symbol,
		LongPrice:     longPrice,
		ShortPrice:    shortPrice,
		SpreadPercent: spreadPercent,
		SpreadBps:     spreadBps,
		LongFunding:   longFunding,
		ShortFunding:  shortFunding,
		NetFunding:    shortFunding - longFunding,
		LongDeposit:   depositEnabled(long),
		ShortWithdraw: withdrawEnabled(short),
		PnlBps:        spreadBps - (long.Instrument.TakerFee+short.Instrument.TakerFee)*10000,
		Volume24h:     minVolume(long, short),
		HighBps:       spreadBps,
		LowBps:        spreadBps,
		UpdatedAt:     now,
		longTaker:     long.Instrument.TakerFee,
		shortTaker:    short.Instrument.TakerFee,
	}
	if q, ok := e.live[canonical][longID]; ok {
		s.LongDepthUSD = q.askDepth
	}
	if q, ok := e.live[canonical][shortID]; ok {
		s.ShortDepthUSD = q.bidDepth
	}
	s.MinDepthUSD = math.Min(s.LongDepthUSD, s.ShortDepthUSD)
	s.Score = e.score(s)
	return s
}

func (e *Engine) score(s *Spread) float64 {
	w := e.cfg.Weights
	return w.Spread*s.SpreadBps +
		w.Depth*math.Log10(s.MinDepthUSD+1) +
		w.Volume*math.Log10(s.Volume24h+1) +
		w.Funding*s.NetFunding*10000
}

// askLocked resolves the long-leg entry price: live ask, then REST ask, then
// last trade.
func (e *Engine) askLocked(canonical string, id market.VenueID, vt *ingest.VenueToken) float64 {
	if q, ok := e.live[canonical][id]; ok && q.ask > 0 {
		return q.ask
	}
	if vt.Ticker == nil {
		return 0
	}
	if vt.Ticker.Ask > 0 {
		return vt.Ticker.Ask
	}
	return vt.Ticker.Last
}

func (e *Engine) bidLocked(canonical string, id market.VenueID, vt *ingest.VenueToken) float64 {
	if q, ok := e.live[canonical][id]; ok && q.bid > 0 {
		return q.bid
	}
	if vt.Ticker == nil {
		return 0
	}
	if vt.Ticker.Bid > 0 {
		return vt.Ticker.Bid
	}
	return vt.Ticker.Last
}

func (e *Engine) fundingLocked(canonical string, id market.VenueID, vt *ingest.VenueToken) float64 {
	if f, ok := e.funding[canonical][id]; ok {
		return f
	}
	if vt.Funding != nil {
		return vt.Funding.Rate
	}
	return 0
}

func depositEnabled(vt *ingest.VenueToken) bool {
	return vt.Asset == nil || vt.Asset.DepositEnabled
}

func withdrawEnabled(vt *ingest.VenueToken) bool {
	return vt.Asset == nil || vt.Asset.WithdrawEnabled
}

// minVolume is the conservative pair volume: the thinner leg bounds how much
// flow the spread can absorb.
func minVolume(a, b *ingest.VenueToken) float64 {
	var va, vb float64
	if a.Ticker != nil {
		va = a.Ticker.Volume24h
	}
	if b.Ticker != nil {
		vb = b.Ticker.Volume24h
	}
	if va == 0 || vb == 0 {
		return math.Max(va, vb)
	}
	return math.Min(va, vb)
}

// ApplyBook folds a streamed order book into the live quote table and
// re-evaluates every pair on that canonical. Returns the refreshed spreads
// for the canonical; spreads that fell below threshold are gone from the
// returned set and the engine.
func (e *Engine) ApplyBook(ob *market.OrderBook) []*Spread {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inv[ob.Canonical]; !ok {
		return nil
	}
	if e.live[ob.Canonical] == nil {
		e.live[ob.Canonical] = make(map[market.VenueID]quote)
	}
	e.live[ob.Canonical][ob.Venue] = quote{
		bid:      ob.BestBid,
		ask:      ob.BestAsk,
		bidDepth: market.DepthUSD(ob.Bids, 5),
		askDepth: market.DepthUSD(ob.Asks, 5),
	}
	return e.reevaluateLocked(ob.Canonical)
}

// ApplyFunding folds a streamed funding tick in, analogously.
func (e *Engine) ApplyFunding(fr *market.FundingRate) []*Spread {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inv[fr.Canonical]; !ok {
		return nil
	}
	if e.funding[fr.Canonical] == nil {
		e.funding[fr.Canonical] = make(map[market.VenueID]float64)
	}
	e.funding[fr.Canonical][fr.Venue] = fr.Rate
	return e.reevaluateLocked(fr.Canonical)
}

func (e *Engine) reevaluateLocked(canonical string) []*Spread {
	tok, ok := e.inv[canonical]
	if !ok {
		return nil
	}
	fresh := e.discoverLocked(tok)
	next := make(map[string]*Spread, len(fresh))
	for _, s := range fresh {
		next[s.ID] = s
	}
	// Replace this canonical's slice of the spread set.
	for id, s := range e.spreads {
		if s.Canonical == canonical {
			if n, ok := next[id]; ok {
				n.HighBps = math.Max(s.HighBps, n.SpreadBps)
				n.LowBps = math.Min(s.LowBps, n.SpreadBps)
			}
			delete(e.spreads, id)
		}
	}
	out := make([]*Spread, 0, len(next))
	for id, s := range next {
		e.spreads[id] = s
		telemetry.SpreadValueBps.WithLabelValues(s.Canonical, string(s.LongVenue), string(s.ShortVenue)).Set(s.SpreadBps)
		out = append(out, s)
	}
	telemetry.SpreadsFound.Set(float64(len(e.spreads)))
	return out
}

// Top returns the ranked spread inventory: score descending, ties broken by
// higher estimated pnl, then by earlier update time.
func (e *Engine) Top() []*Spread {
	e.mu.RLock()
	defer e.mu.RUnlock()
	all := e.sortedLocked()
	if len(all) > e.cfg.TopN {
		all = all[:e.cfg.TopN]
	}
	return all
}

// All returns every current spread, ranked.
func (e *Engine) All() []*Spread {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked()
}

func (e *Engine) sortedLocked() []*Spread {
	out := make([]*Spread, 0, len(e.spreads))
	for _, s := range e.spreads {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].PnlBps != out[j].PnlBps {
			return out[i].PnlBps > out[j].PnlBps
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// Plan derives the venue to native-symbol subscription sets implied by the
// current spread inventory.
func (e *Engine) Plan() ingest.SubscriptionPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sets := make(map[market.VenueID]map[string]struct{})
	add := func(v market.VenueID, sym string) {
		if sets[v] == nil {
			sets[v] = make(map[string]struct{})
		}
		sets[v][sym] = struct{}{}
	}
	for _, s := range e.spreads {
		add(s.LongVenue, s.LongSymbol)
		add(s.ShortVenue, s.ShortSymbol)
	}
	plan := make(ingest.SubscriptionPlan, len(sets))
	for v, set := range sets {
		syms := make([]string, 0, len(set))
		for sym := range set {
			syms = append(syms, sym)
		}
		sort.Strings(syms)
		plan[v] = syms
	}
	return plan
}
