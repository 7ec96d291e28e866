// Package ingest drives the two ingestion phases: a parallel REST bootstrap
// across all venues, and the selective streaming layer fed by spread
// discovery.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"spreadscan/internal/market"
	"spreadscan/internal/telemetry"
	"spreadscan/internal/venue"
)

// VenueToken is everything the bootstrap learned about one canonical symbol
// on one venue. Ticker, Funding and Asset may be nil when the venue endpoint
// failed or does not exist; consumers treat a nil Asset as transfer-enabled
// with zero fees.
type VenueToken struct {
	Instrument market.Instrument
	Ticker     *market.PriceTicker
	Funding    *market.FundingRate
	Asset      *market.AssetInfo
}

// Token aggregates one canonical symbol across venues.
type Token struct {
	Canonical string
	Venues    map[market.VenueID]*VenueToken
}

// Inventory is the bootstrap result keyed by canonical symbol.
type Inventory map[string]*Token

// MultiVenue filters the inventory to tokens listed on at least two venues,
// the only ones that can form a spread.
func (inv Inventory) MultiVenue() Inventory {
	out := make(Inventory)
	for canonical, tok := range inv {
		if len(tok.Venues) >= 2 {
			out[canonical] = tok
		}
	}
	return out
}

// Loader runs the REST bootstrap across all configured connectors.
type Loader struct {
	connectors map[market.VenueID]venue.Connector

	mu        sync.RWMutex
	inventory Inventory
}

func NewLoader(connectors map[market.VenueID]venue.Connector) *Loader {
	return &Loader{connectors: connectors, inventory: make(Inventory)}
}

// venueSnapshot is the raw result of one venue's bootstrap fetches.
type venueSnapshot struct {
	id          market.VenueID
	instruments []market.Instrument
	tickers     []market.PriceTicker
	funding     []market.FundingRate
	assets      []market.AssetInfo
}

// LoadAll fetches instruments, tickers, funding and asset status from every
// venue in parallel and swaps in the aggregated inventory. A failing venue is
// logged and skipped; with zero working venues the inventory is empty, which
// is not an error.
func (l *Loader) LoadAll(ctx context.Context) Inventory {
	var wg sync.WaitGroup
	results := make(chan *venueSnapshot, len(l.connectors))
	for id, conn := range l.connectors {
		wg.Add(1)
		go func(id market.VenueID, conn venue.Connector) {
			defer wg.Done()
			if snap := l.loadVenue(ctx, id, conn); snap != nil {
				results <- snap
			}
		}(id, conn)
	}
	wg.Wait()
	close(results)

	inv := make(Inventory)
	for snap := range results {
		merge(inv, snap)
	}
	l.mu.Lock()
	l.inventory = inv
	l.mu.Unlock()
	log.Info().Int("tokens", len(inv)).Int("venues", len(l.connectors)).Msg("rest bootstrap complete")
	return inv
}

func (l *Loader) loadVenue(ctx context.Context, id market.VenueID, conn venue.Connector) *venueSnapshot {
	snap := &venueSnapshot{id: id}

	instruments, err := conn.FetchInstruments(ctx)
	if err != nil {
		log.Warn().Err(err).Str("venue", string(id)).Msg("instrument fetch failed, skipping venue")
		return nil
	}
	snap.instruments = instruments
	telemetry.InstrumentsLoaded.WithLabelValues(string(id)).Set(float64(len(instruments)))

	// The remaining endpoints degrade: a failure leaves the field empty.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		var err error
		if snap.tickers, err = conn.FetchPriceTickers(ctx); err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("ticker fetch failed")
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if snap.funding, err = conn.FetchFundingRates(ctx); err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("funding fetch failed")
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if snap.assets, err = conn.FetchAssetInfo(ctx); err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("asset info fetch failed")
		}
	}()
	wg.Wait()
	return snap
}

func merge(inv Inventory, snap *venueSnapshot) {
	assetByName := make(map[string]*market.AssetInfo, len(snap.assets))
	for i := range snap.assets {
		assetByName[snap.assets[i].Asset] = &snap.assets[i]
	}
	tickerByCanonical := make(map[string]*market.PriceTicker, len(snap.tickers))
	for i := range snap.tickers {
		tickerByCanonical[snap.tickers[i].Canonical] = &snap.tickers[i]
	}
	fundingByCanonical := make(map[string]*market.FundingRate, len(snap.funding))
	for i := range snap.funding {
		fundingByCanonical[snap.funding[i].Canonical] = &snap.funding[i]
	}

	for _, inst := range snap.instruments {
		tok, ok := inv[inst.Canonical]
		if !ok {
			tok = &Token{Canonical: inst.Canonical, Venues: make(map[market.VenueID]*VenueToken)}
			inv[inst.Canonical] = tok
		}
		tok.Venues[snap.id] = &VenueToken{
			Instrument: inst,
			Ticker:     tickerByCanonical[inst.Canonical],
			Funding:    fundingByCanonical[inst.Canonical],
			Asset:      assetByName[inst.BaseAsset],
		}
	}
}

// Inventory returns the last loaded inventory.
func (l *Loader) Inventory() Inventory {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inventory
}

// StartPeriodicRefresh re-runs the bootstrap on a fixed interval and hands
// the fresh inventory to onRefresh, until ctx is cancelled.
func (l *Loader) StartPeriodicRefresh(ctx context.Context, interval time.Duration, onRefresh func(Inventory)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			inv := l.LoadAll(ctx)
			if onRefresh != nil {
				onRefresh(inv)
			}
		}
	}
}
