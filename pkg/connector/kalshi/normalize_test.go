package kalshi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	envelopes []map[string]any
}

func (p *capturingPublisher) Publish(_ context.Context, envelope map[string]any) error {
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

func newTestNormalizer(publisher EventPublisher) *Normalizer {
	n := NewNormalizer(publisher)
	n.now = func() time.Time { return time.UnixMilli(1740000000000).UTC() }
	return n
}

func TestNormalizeOrderbookDelta(t *testing.T) {
	publisher := &capturingPublisher{}
	n := newTestNormalizer(publisher)

	events, err := n.ProcessMessage(context.Background(), map[string]any{
		"channel": "orderbook_delta",
		"data": map[string]any{
			"market_id":  "MKT-1",
			"side":       "YES",
			"price":      float64(42),
			"size_delta": float64(-5),
			"sequence":   float64(17),
			"timestamp":  "2026-08-24T10:00:00Z",
		},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	require.Equal(t, "orderbook_delta", event["schema"])
	require.Equal(t, "MKT-1", event["market_id"])
	require.Equal(t, "yes", event["side"])
	require.Equal(t, 42, event["price"])
	require.Equal(t, -5, event["size_delta"])
	require.Equal(t, int64(17), event["sequence"])
	require.Equal(t, "2026-08-24T10:00:00.000Z", event["timestamp"])

	require.Len(t, publisher.envelopes, 1)
	envelope := publisher.envelopes[0]
	require.Equal(t, "kalshi", envelope["source"])
	require.Equal(t, "orderbook_delta", envelope["schema"])
	require.Equal(t, int64(17), envelope["source_sequence"])
	require.Equal(t, "2026-08-24T10:00:00.000Z", envelope["source_timestamp"])
	require.Equal(t, "2025-02-19T21:20:00.000Z", envelope["ingest_timestamp"])
	require.Equal(t, event, envelope["payload"])
}

func TestNormalizeTrade(t *testing.T) {
	publisher := &capturingPublisher{}
	n := newTestNormalizer(publisher)

	events, err := n.ProcessMessage(context.Background(), map[string]any{
		"channel": "trade",
		"data": map[string]any{
			"trade_id":  "tr-9",
			"market_id": "MKT-2",
			"side":      "BUY_YES",
			"liquidity": "Taker",
			"price":     float64(61),
			"size":      float64(10),
			"ts":        float64(1740000000),
		},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	require.Equal(t, "trade", event["schema"])
	require.Equal(t, "tr-9", event["trade_id"])
	require.Equal(t, "buy_yes", event["side"])
	require.Equal(t, "taker", event["liquidity"])
	require.Equal(t, "2025-02-19T21:20:00.000Z", event["timestamp"])
	require.Len(t, publisher.envelopes, 1)
}

func TestNormalizeUnsupportedChannelSkipped(t *testing.T) {
	publisher := &capturingPublisher{}
	n := newTestNormalizer(publisher)

	events, err := n.ProcessMessage(context.Background(), map[string]any{
		"channel": "ticker_v2",
		"data":    map[string]any{"market_id": "MKT-1"},
	})
	require.NoError(t, err)
	require.Empty(t, events)
	require.Empty(t, publisher.envelopes)
}

func TestNormalizeMalformedPayloadIsSchemaValidation(t *testing.T) {
	n := newTestNormalizer(nil)

	cases := []map[string]any{
		{"channel": "orderbook_delta", "data": map[string]any{"market_id": "M", "side": "maybe", "price": float64(1), "size_delta": float64(1)}},
		{"channel": "orderbook_delta", "data": map[string]any{"side": "yes", "price": float64(1), "size_delta": float64(1)}},
		{"channel": "orderbook_delta", "data": map[string]any{"market_id": "M", "side": "yes", "size_delta": float64(1)}},
		{"channel": "trade", "data": map[string]any{"market_id": "M", "side": "buy", "liquidity": "taker", "price": float64(1), "size": float64(1), "trade_id": "t"}},
		{"channel": "trade", "data": map[string]any{"market_id": "M", "side": "buy_yes", "liquidity": "taker", "price": float64(1), "size": float64(1)}},
	}
	for _, raw := range cases {
		_, err := n.ProcessMessage(context.Background(), raw)
		require.Error(t, err)
		require.Equal(t, ErrSchemaValidation, MapError(err).Code)
	}
}

func TestNormalizeChannelFallbacks(t *testing.T) {
	n := newTestNormalizer(nil)

	// Channel carried inside the payload type field, flat message shape.
	events, err := n.ProcessMessage(context.Background(), map[string]any{
		"type":      "trade",
		"trade_id":  "tr-1",
		"market_id": "MKT-3",
		"side":      "sell_no",
		"liquidity": "maker",
		"price":     float64(30),
		"size":      float64(2),
		"timestamp": "2026-08-24T10:00:00Z",
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "sell_no", events[0]["side"])
}

func TestNormalizeSizeDeltaAliases(t *testing.T) {
	n := newTestNormalizer(nil)
	for _, key := range []string{"size_delta", "delta", "size"} {
		events, err := n.ProcessMessage(context.Background(), map[string]any{
			"channel": "orderbook_delta",
			"data": map[string]any{
				"market_id": "MKT-1",
				"side":      "no",
				"price":     float64(55),
				key:         float64(7),
				"timestamp": "2026-08-24T10:00:00Z",
			},
		})
		require.NoError(t, err, "alias %s", key)
		require.Equal(t, 7, events[0]["size_delta"])
	}
}
