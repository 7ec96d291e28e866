package publish

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
	"spreadscan/internal/spreads"
)

func TestPublishOrderbookWritesStreamLatestAndChannel(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewWithClient(db)

	ob := &market.OrderBook{
		Venue: market.Binance, Symbol: "BTCUSDT", Canonical: "BTC-USDT-PERP",
		BestBid: 42000, BestAsk: 42010,
	}
	data, err := json.Marshal(ob)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "orderbook:binance:BTCUSDT",
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).SetVal("1-1")
	mock.ExpectSet("orderbook:binance:BTCUSDT:latest", data, time.Minute).SetVal("OK")
	mock.ExpectPublish("orderbook:binance:BTCUSDT", string(data)).SetVal(1)

	require.NoError(t, p.PublishOrderbook(context.Background(), ob))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishOrderbookSurvivesPubSubFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewWithClient(db)

	ob := &market.OrderBook{Venue: market.Bybit, Symbol: "ETHUSDT", Canonical: "ETH-USDT-PERP"}
	data, err := json.Marshal(ob)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "orderbook:bybit:ETHUSDT",
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).SetVal("1-1")
	mock.ExpectSet("orderbook:bybit:ETHUSDT:latest", data, time.Minute).SetVal("OK")
	mock.ExpectPublish("orderbook:bybit:ETHUSDT", string(data)).SetErr(assert.AnError)

	assert.NoError(t, p.PublishOrderbook(context.Background(), ob), "pub/sub is best-effort")
}

func TestPublishTradeAppendsToStream(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewWithClient(db)

	tr := &market.Trade{
		Venue: market.OKX, Symbol: "BTC-USDT-SWAP", Canonical: "BTC-USDT-PERP",
		Price: 42005, Quantity: 0.5, Side: "buy",
	}
	data, err := json.Marshal(tr)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "trades:okx:BTC-USDT-SWAP",
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).SetVal("1-1")

	require.NoError(t, p.PublishTrade(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishSpreadSetsKeyRegistersAndAnnounces(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewWithClient(db)

	s := &spreads.Spread{
		ID:        spreads.SpreadID("BTC-USDT-PERP", market.Binance, market.Bybit),
		Canonical: "BTC-USDT-PERP",
		LongVenue: market.Binance, ShortVenue: market.Bybit,
		SpreadBps: 2.14,
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectSet("spread:data:BTC-USDT-PERP:binance:bybit", data, 5*time.Minute).SetVal("OK")
	mock.ExpectSAdd("spreads:active", s.ID).SetVal(1)
	mock.ExpectPublish("spread:BTC-USDT-PERP:binance:bybit", string(data)).SetVal(1)

	require.NoError(t, p.PublishSpread(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveSpread(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewWithClient(db)

	mock.ExpectSRem("spreads:active", "BTC-USDT-PERP:binance:bybit").SetVal(1)
	mock.ExpectDel("spread:data:BTC-USDT-PERP:binance:bybit").SetVal(1)

	require.NoError(t, p.RemoveSpread(context.Background(), "BTC-USDT-PERP:binance:bybit"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishSpreadListSnapshotsAndSummarizes(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewWithClient(db)

	ranked := []*spreads.Spread{{ID: "a", SpreadBps: 5}, {ID: "b", SpreadBps: 3}}

	// The timestamp is taken at publish time, so match on the decoded
	// document instead of exact bytes.
	wantDoc := func(_, actual []interface{}) error {
		raw, ok := actual[2].(string)
		if !ok {
			raw = string(actual[2].([]byte))
		}
		var doc SpreadList
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("payload is not a summary document: %w", err)
		}
		if doc.Timestamp.IsZero() {
			return fmt.Errorf("summary document has no timestamp: %s", raw)
		}
		if doc.Count != 2 || len(doc.Spreads) != 2 || doc.Spreads[0].ID != "a" {
			return fmt.Errorf("unexpected summary document: %s", raw)
		}
		return nil
	}

	mock.CustomMatch(wantDoc).ExpectSet("spreads:list", "", 30*time.Second).SetVal("OK")
	mock.CustomMatch(wantDoc).ExpectPublish("spreads:summary", "").SetVal(1)

	require.NoError(t, p.PublishSpreadList(context.Background(), ranked))
	assert.NoError(t, mock.ExpectationsWereMet())
}
