// Command spreadscan runs the cross-venue perpetual spread scanner: a REST
// bootstrap over all enabled venues, spread discovery on the aggregated
// inventory, and selective streaming for the symbols that back a live spread.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"spreadscan/internal/config"
	"spreadscan/internal/creds"
	"spreadscan/internal/ingest"
	"spreadscan/internal/market"
	"spreadscan/internal/publish"
	"spreadscan/internal/spreads"
	"spreadscan/internal/symbols"
	"spreadscan/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:           "spreadscan",
	Short:         "Cross-venue perpetual spread scanner and market data ingest",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("spreadscan exited")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Info().
		Str("redis", cfg.RedisAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("venues", len(cfg.Venues)).
		Bool("two_phase", cfg.UseTwoPhase).
		Float64("min_spread_bps", cfg.MinSpreadBps).
		Msg("starting spread scanner")

	metricsServer := telemetry.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	defer func() {
		if err := metricsServer.Stop(); err != nil {
			log.Warn().Err(err).Msg("metrics server stop failed")
		}
	}()

	pub, err := publish.New(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	defer pub.Close()

	connectors, err := ingest.NewConnectors(cfg.Venues)
	if err != nil {
		return err
	}
	if len(connectors) == 0 {
		return errors.New("no venues configured")
	}
	creds.Inject(ctx, creds.NewClient(cfg.BackendAPIURL, cfg.ServiceSecret), connectors)

	engine := spreads.NewEngine(spreads.Config{
		MinSpreadBps: cfg.MinSpreadBps,
		TopN:         cfg.TopN,
		Weights:      cfg.Weights,
	})
	loader := ingest.NewLoader(connectors)
	manager := ingest.NewManager(connectors, cfg.StaleAfter)
	defer manager.DisconnectAll()

	// Phase one: REST bootstrap and discovery over the full inventory.
	inventory := loader.LoadAll(ctx)
	publishSpreads(ctx, pub, engine, engine.Rebuild(inventory))

	// Phase two: stream only what the spread inventory needs. Legacy mode
	// streams a fixed symbol list on every venue instead.
	plan := engine.Plan()
	if !cfg.UseTwoPhase {
		plan = legacyPlan(cfg.Venues, cfg.DefaultSymbols)
	}
	manager.ConnectForSpreads(ctx, plan)

	go manager.MonitorConnections(ctx, cfg.MonitorInterval)
	go loader.StartPeriodicRefresh(ctx, cfg.RefreshInterval, func(inv ingest.Inventory) {
		publishSpreads(ctx, pub, engine, engine.Rebuild(inv))
		if cfg.UseTwoPhase {
			manager.UpdateSubscriptions(ctx, engine.Plan())
		}
	})

	return eventLoop(ctx, pub, engine, manager)
}

// eventLoop drains the streaming channels: every event is published raw, and
// book/funding events additionally re-price the affected spreads.
func eventLoop(ctx context.Context, pub *publish.Redis, engine *spreads.Engine, manager *ingest.Manager) error {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case ob := <-manager.Books():
			if err := pub.PublishOrderbook(ctx, ob); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("venue", string(ob.Venue)).Str("symbol", ob.Symbol).Msg("orderbook publish failed")
			}
			for _, s := range engine.ApplyBook(ob) {
				if err := pub.PublishSpread(ctx, s); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("spread", s.ID).Msg("spread publish failed")
				}
			}
		case tr := <-manager.Trades():
			if err := pub.PublishTrade(ctx, tr); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("venue", string(tr.Venue)).Str("symbol", tr.Symbol).Msg("trade publish failed")
			}
		case fr := <-manager.Funding():
			for _, s := range engine.ApplyFunding(fr) {
				if err := pub.PublishSpread(ctx, s); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("spread", s.ID).Msg("spread publish failed")
				}
			}
		}
	}
}

// publishSpreads writes every discovered spread under its own key but caps the
// list snapshot at the configured top-N.
func publishSpreads(ctx context.Context, pub *publish.Redis, engine *spreads.Engine, ranked []*spreads.Spread) {
	for _, s := range ranked {
		if err := pub.PublishSpread(ctx, s); err != nil {
			log.Warn().Err(err).Str("spread", s.ID).Msg("spread publish failed")
		}
	}
	if err := pub.PublishSpreadList(ctx, engine.Top()); err != nil {
		log.Warn().Err(err).Msg("spread list publish failed")
	}
	log.Info().Int("spreads", len(ranked)).Msg("spread inventory published")
}

// legacyPlan maps the fixed symbol list onto every venue's native form.
func legacyPlan(venues []market.VenueID, syms []string) ingest.SubscriptionPlan {
	plan := make(ingest.SubscriptionPlan, len(venues))
	for _, v := range venues {
		native := make([]string, 0, len(syms))
		for _, s := range syms {
			canonical, ok := symbols.ToCanonical(market.Binance, s)
			if !ok {
				log.Warn().Str("symbol", s).Msg("unrecognized default symbol, skipping")
				continue
			}
			native = append(native, symbols.FromCanonical(v, canonical))
		}
		plan[v] = native
	}
	return plan
}
