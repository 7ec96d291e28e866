// Package publish writes normalized market data and the spread inventory to
// Redis: streams for replay, pub/sub for live consumers, and keyed snapshots
// with expirations so stale entries age out on their own.
package publish

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"spreadscan/internal/market"
	"spreadscan/internal/spreads"
	"spreadscan/internal/telemetry"
)

const (
	orderbookStreamLen = 1000
	tradeStreamLen     = 10000

	spreadTTL     = 5 * time.Minute
	listTTL       = 30 * time.Second
	latestBookTTL = time.Minute

	activeSetKey   = "spreads:active"
	listKey        = "spreads:list"
	summaryChannel = "spreads:summary"
)

// Redis is the publishing client. Stream and key writes are the source of
// truth; pub/sub fanout is best-effort and never fails a publish.
type Redis struct {
	client *redis.Client
}

// New connects and verifies the server is reachable.
func New(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// PublishOrderbook writes a book three ways: onto its capped stream, to the
// pub/sub channel of the same name, and into a short-lived latest-value key.
func (r *Redis) PublishOrderbook(ctx context.Context, ob *market.OrderBook) error {
	timer := telemetry.NewTimer()
	defer timer.Observe(telemetry.PublishDuration, "orderbook")

	data, err := json.Marshal(ob)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("orderbook:%s:%s", ob.Venue, ob.Symbol)

	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: orderbookStreamLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		telemetry.PublishErrors.WithLabelValues("orderbook").Inc()
		return err
	}
	if err := r.client.Set(ctx, key+":latest", data, latestBookTTL).Err(); err != nil {
		telemetry.PublishErrors.WithLabelValues("orderbook").Inc()
		return err
	}
	if err := r.client.Publish(ctx, key, string(data)).Err(); err != nil {
		log.Warn().Err(err).Str("channel", key).Msg("orderbook pub/sub publish failed")
	}
	return nil
}

// PublishTrade appends a trade to its capped stream.
func (r *Redis) PublishTrade(ctx context.Context, t *market.Trade) error {
	timer := telemetry.NewTimer()
	defer timer.Observe(telemetry.PublishDuration, "trade")

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: fmt.Sprintf("trades:%s:%s", t.Venue, t.Symbol),
		MaxLen: tradeStreamLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		telemetry.PublishErrors.WithLabelValues("trade").Inc()
	}
	return err
}

// PublishSpread stores one spread under its expiring key, registers it in the
// active set and announces the update on the spread's channel. An entry that
// stops being republished expires on its own.
func (r *Redis) PublishSpread(ctx context.Context, s *spreads.Spread) error {
	timer := telemetry.NewTimer()
	defer timer.Observe(telemetry.PublishDuration, "spread")

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, "spread:data:"+s.ID, data, spreadTTL).Err(); err != nil {
		telemetry.PublishErrors.WithLabelValues("spread").Inc()
		return err
	}
	if err := r.client.SAdd(ctx, activeSetKey, s.ID).Err(); err != nil {
		telemetry.PublishErrors.WithLabelValues("spread").Inc()
		return err
	}
	if err := r.client.Publish(ctx, "spread:"+s.ID, string(data)).Err(); err != nil {
		log.Warn().Err(err).Str("spread", s.ID).Msg("spread pub/sub publish failed")
	}
	return nil
}

// RemoveSpread drops a spread that fell out of the inventory before its key
// expired.
func (r *Redis) RemoveSpread(ctx context.Context, id string) error {
	if err := r.client.SRem(ctx, activeSetKey, id).Err(); err != nil {
		telemetry.PublishErrors.WithLabelValues("spread").Inc()
		return err
	}
	return r.client.Del(ctx, "spread:data:"+id).Err()
}

// SpreadList is the wire document held under spreads:list and pushed on the
// summary channel.
type SpreadList struct {
	Timestamp time.Time         `json:"timestamp"`
	Count     int               `json:"count"`
	Spreads   []*spreads.Spread `json:"spreads"`
}

// PublishSpreadList stores the ranked inventory snapshot and pushes a summary
// to subscribers.
func (r *Redis) PublishSpreadList(ctx context.Context, ranked []*spreads.Spread) error {
	timer := telemetry.NewTimer()
	defer timer.Observe(telemetry.PublishDuration, "spread_list")

	data, err := json.Marshal(SpreadList{
		Timestamp: time.Now(),
		Count:     len(ranked),
		Spreads:   ranked,
	})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, listKey, data, listTTL).Err(); err != nil {
		telemetry.PublishErrors.WithLabelValues("spread_list").Inc()
		return err
	}
	if err := r.client.Publish(ctx, summaryChannel, string(data)).Err(); err != nil {
		log.Warn().Err(err).Msg("spread summary publish failed")
	}
	return nil
}
