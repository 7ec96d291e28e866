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

const (
	defaultStaleAfter = 30 * time.Second
	eventBuffer       = 4096
)

// SubscriptionPlan maps each venue to the native symbols it should stream.
type SubscriptionPlan map[market.VenueID][]string

// Manager owns phase two: the selective streaming connections. Connector
// callbacks fan into bounded channels; a slow consumer drops events rather
// than stalling a read loop. Connectors never reconnect themselves; the
// monitor loop here is the only place that decision is made.
type Manager struct {
	connectors map[market.VenueID]venue.Connector
	staleAfter time.Duration

	mu     sync.Mutex
	active map[market.VenueID]map[string]struct{}

	books   chan *market.OrderBook
	trades  chan *market.Trade
	funding chan *market.FundingRate
}

func NewManager(connectors map[market.VenueID]venue.Connector, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	m := &Manager{
		connectors: connectors,
		staleAfter: staleAfter,
		active:     make(map[market.VenueID]map[string]struct{}),
		books:      make(chan *market.OrderBook, eventBuffer),
		trades:     make(chan *market.Trade, eventBuffer),
		funding:    make(chan *market.FundingRate, eventBuffer),
	}
	for id, conn := range connectors {
		id := id
		conn.SetOrderbookHandler(m.onBook)
		conn.SetTradeHandler(m.onTrade)
		conn.SetFundingHandler(m.onFunding)
		conn.SetErrorHandler(func(err error) {
			log.Warn().Err(err).Str("venue", string(id)).Msg("connector error")
		})
	}
	return m
}

func (m *Manager) Books() <-chan *market.OrderBook     { return m.books }
func (m *Manager) Trades() <-chan *market.Trade        { return m.trades }
func (m *Manager) Funding() <-chan *market.FundingRate { return m.funding }

func (m *Manager) onBook(ob *market.OrderBook) {
	telemetry.RecordOrderbook(string(ob.Venue), ob.Symbol,
		len(ob.Bids), len(ob.Asks), ob.BestBid, ob.BestAsk, ob.SpreadBps)
	select {
	case m.books <- ob:
	default:
		telemetry.EventsDropped.WithLabelValues("orderbook").Inc()
	}
}

func (m *Manager) onTrade(t *market.Trade) {
	telemetry.Trades.WithLabelValues(string(t.Venue), t.Symbol, t.Side).Inc()
	select {
	case m.trades <- t:
	default:
		telemetry.EventsDropped.WithLabelValues("trade").Inc()
	}
}

func (m *Manager) onFunding(fr *market.FundingRate) {
	telemetry.FundingRate.WithLabelValues(string(fr.Venue), fr.Symbol).Set(fr.Rate)
	select {
	case m.funding <- fr:
	default:
		telemetry.EventsDropped.WithLabelValues("funding").Inc()
	}
}

// ConnectForSpreads opens streaming connections for every venue the plan
// names, in parallel. Venues with an empty symbol set are left untouched. A
// venue that fails to connect is logged; the monitor loop retries it.
func (m *Manager) ConnectForSpreads(ctx context.Context, plan SubscriptionPlan) {
	var wg sync.WaitGroup
	for id, syms := range plan {
		if len(syms) == 0 {
			continue
		}
		conn, ok := m.connectors[id]
		if !ok {
			continue
		}
		m.setActive(id, syms)
		wg.Add(1)
		go func(id market.VenueID, conn venue.Connector, syms []string) {
			defer wg.Done()
			if err := conn.ConnectForSymbols(ctx, syms); err != nil {
				log.Warn().Err(err).Str("venue", string(id)).Msg("streaming connect failed")
				telemetry.RecordConnection(string(id), false)
				return
			}
			telemetry.RecordConnection(string(id), true)
			telemetry.SubscribedSymbols.WithLabelValues(string(id)).Set(float64(len(syms)))
			log.Info().Str("venue", string(id)).Int("symbols", len(syms)).Msg("streaming connected")
		}(id, conn, syms)
	}
	wg.Wait()
}

// UpdateSubscriptions reconciles live subscriptions with a new plan: it
// subscribes the additions, unsubscribes the removals, and is a no-op for a
// venue whose set is unchanged. A venue newly appearing in the plan is
// connected; one whose set empties is disconnected.
func (m *Manager) UpdateSubscriptions(ctx context.Context, plan SubscriptionPlan) {
	for id, conn := range m.connectors {
		want := make(map[string]struct{})
		for _, s := range plan[id] {
			want[s] = struct{}{}
		}
		have := m.activeSet(id)

		var add, remove []string
		for s := range want {
			if _, ok := have[s]; !ok {
				add = append(add, s)
			}
		}
		for s := range have {
			if _, ok := want[s]; !ok {
				remove = append(remove, s)
			}
		}
		if len(add) == 0 && len(remove) == 0 {
			continue
		}

		if len(want) == 0 {
			if err := conn.Disconnect(); err != nil {
				log.Warn().Err(err).Str("venue", string(id)).Msg("disconnect failed")
			}
			m.setActive(id, nil)
			telemetry.RecordConnection(string(id), false)
			telemetry.SubscribedSymbols.WithLabelValues(string(id)).Set(0)
			continue
		}
		if !conn.IsConnected() {
			m.setActive(id, plan[id])
			if err := conn.ConnectForSymbols(ctx, plan[id]); err != nil {
				log.Warn().Err(err).Str("venue", string(id)).Msg("streaming connect failed")
				continue
			}
			telemetry.RecordConnection(string(id), true)
			telemetry.SubscribedSymbols.WithLabelValues(string(id)).Set(float64(len(want)))
			continue
		}
		if len(remove) > 0 {
			if err := conn.Unsubscribe(remove); err != nil {
				log.Warn().Err(err).Str("venue", string(id)).Strs("symbols", remove).Msg("unsubscribe failed")
			}
		}
		if len(add) > 0 {
			if err := conn.Subscribe(add); err != nil {
				log.Warn().Err(err).Str("venue", string(id)).Strs("symbols", add).Msg("subscribe failed")
			}
		}
		m.setActive(id, plan[id])
		telemetry.SubscribedSymbols.WithLabelValues(string(id)).Set(float64(len(want)))
		log.Info().Str("venue", string(id)).Int("added", len(add)).Int("removed", len(remove)).
			Msg("subscriptions reconciled")
	}
}

// MonitorConnections watches venue health on a fixed interval until ctx is
// cancelled.
func (m *Manager) MonitorConnections(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.checkAndReconnect(ctx)
		}
	}
}

func (m *Manager) checkAndReconnect(ctx context.Context) {
	for id, conn := range m.connectors {
		have := m.activeSet(id)
		if len(have) == 0 {
			continue
		}
		stale := false
		if conn.IsConnected() {
			last := conn.LastMessageTime()
			if !last.IsZero() && time.Since(last) > m.staleAfter {
				stale = true
				telemetry.StaleConnections.WithLabelValues(string(id)).Inc()
				log.Warn().Str("venue", string(id)).Time("last_message", last).Msg("connection stale")
			}
		}
		if conn.IsConnected() && !stale {
			continue
		}

		syms := make([]string, 0, len(have))
		for s := range have {
			syms = append(syms, s)
		}
		telemetry.Reconnects.WithLabelValues(string(id)).Inc()
		if err := conn.Disconnect(); err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("disconnect before re-dial failed")
		}
		if err := conn.ConnectForSymbols(ctx, syms); err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("re-dial failed")
			telemetry.RecordConnection(string(id), false)
			continue
		}
		telemetry.RecordConnection(string(id), true)
		log.Info().Str("venue", string(id)).Int("symbols", len(syms)).Msg("reconnected")
	}
}

// DisconnectAll tears down every streaming connection.
func (m *Manager) DisconnectAll() {
	for id, conn := range m.connectors {
		if err := conn.Disconnect(); err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("disconnect failed")
		}
		telemetry.RecordConnection(string(id), false)
	}
}

func (m *Manager) setActive(id market.VenueID, syms []string) {
	set := make(map[string]struct{}, len(syms))
	for _, s := range syms {
		set[s] = struct{}{}
	}
	m.mu.Lock()
	m.active[id] = set
	m.mu.Unlock()
}

func (m *Manager) activeSet(id market.VenueID) map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{}, len(m.active[id]))
	for s := range m.active[id] {
		set[s] = struct{}{}
	}
	return set
}
