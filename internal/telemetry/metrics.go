// Package telemetry registers the Prometheus metric inventory for the ingest
// engine and serves it over HTTP together with a liveness check.
package telemetry

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	OrderbookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_orderbook_updates_total",
			Help: "Order book updates received per venue and symbol",
		},
		[]string{"venue", "symbol"},
	)

	OrderbookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_orderbook_depth",
			Help: "Current order book depth in levels",
		},
		[]string{"venue", "symbol", "side"},
	)

	OrderbookBestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_orderbook_best_bid",
			Help: "Current best bid price",
		},
		[]string{"venue", "symbol"},
	)

	OrderbookBestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_orderbook_best_ask",
			Help: "Current best ask price",
		},
		[]string{"venue", "symbol"},
	)

	OrderbookSpreadBps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_orderbook_spread_bps",
			Help: "Current bid-ask spread in basis points",
		},
		[]string{"venue", "symbol"},
	)

	Trades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_trades_total",
			Help: "Public trades received",
		},
		[]string{"venue", "symbol", "side"},
	)

	FundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_funding_rate",
			Help: "Latest funding rate per venue and symbol",
		},
		[]string{"venue", "symbol"},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_parse_errors_total",
			Help: "Messages dropped because they could not be parsed",
		},
		[]string{"venue", "message_type"},
	)

	SymbolDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_symbols_dropped_total",
			Help: "Venue symbols dropped during canonicalization",
		},
		[]string{"venue"},
	)

	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_connection_status",
			Help: "Streaming connection status (1=connected)",
		},
		[]string{"venue"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_reconnects_total",
			Help: "Reconnection attempts per venue",
		},
		[]string{"venue"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_connection_errors_total",
			Help: "Connection errors per venue",
		},
		[]string{"venue", "error_type"},
	)

	StaleConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_stale_connections_total",
			Help: "Staleness detections on streaming connections",
		},
		[]string{"venue"},
	)

	SubscribedSymbols = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_subscribed_symbols",
			Help: "Symbols currently subscribed per venue",
		},
		[]string{"venue"},
	)

	InstrumentsLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_instruments_loaded",
			Help: "Active perpetual instruments loaded per venue",
		},
		[]string{"venue"},
	)

	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreadscan_rest_fetch_duration_seconds",
			Help:    "Venue REST endpoint fetch duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"venue", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_rest_fetch_errors_total",
			Help: "Venue REST endpoint failures",
		},
		[]string{"venue", "endpoint"},
	)

	MessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreadscan_message_latency_seconds",
			Help:    "Venue-reported timestamp to local receive time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"venue", "message_type"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreadscan_processing_duration_seconds",
			Help:    "Time to normalize and dispatch a message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"venue", "message_type"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreadscan_redis_publish_duration_seconds",
			Help:    "Time to publish one message to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"kind"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_redis_publish_errors_total",
			Help: "Failed Redis writes",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadscan_events_dropped_total",
			Help: "Events dropped because a consumer channel was full",
		},
		[]string{"kind"},
	)

	SpreadValueBps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadscan_spread_value_bps",
			Help: "Current spread value per pair in basis points",
		},
		[]string{"canonical", "long_venue", "short_venue"},
	)

	SpreadsFound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spreadscan_preliminary_spreads_found",
			Help: "Preliminary spreads in the current inventory",
		},
	)

	DiscoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spreadscan_spread_discovery_duration_seconds",
			Help:    "Time of one spread discovery cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// Timer measures one operation for a histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Observe(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordOrderbook updates the per-book gauges from a normalized snapshot.
func RecordOrderbook(venue, symbol string, bidDepth, askDepth int, bestBid, bestAsk, spreadBps float64) {
	OrderbookUpdates.WithLabelValues(venue, symbol).Inc()
	OrderbookDepth.WithLabelValues(venue, symbol, "bid").Set(float64(bidDepth))
	OrderbookDepth.WithLabelValues(venue, symbol, "ask").Set(float64(askDepth))
	if bestBid > 0 {
		OrderbookBestBid.WithLabelValues(venue, symbol).Set(bestBid)
	}
	if bestAsk > 0 {
		OrderbookBestAsk.WithLabelValues(venue, symbol).Set(bestAsk)
	}
	if spreadBps > 0 {
		OrderbookSpreadBps.WithLabelValues(venue, symbol).Set(spreadBps)
	}
}

// RecordConnection flips the per-venue connection gauge.
func RecordConnection(venue string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	ConnectionStatus.WithLabelValues(venue).Set(v)
}

// Server serves /metrics and /health.
type Server struct {
	server *http.Server
}

func NewServer(addr string) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return &Server{server: &http.Server{Addr: addr, Handler: r}}
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting metrics server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	return s.server.Close()
}
