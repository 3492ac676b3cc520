package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/pulsetrader/pkg/timeutil"
)

const sourceSystem = "kalshi"

// Normalizer converts raw websocket frames into canonical events and
// publishes envelope mappings to the internal bus.
type Normalizer struct {
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewNormalizer creates a normalizer. publisher may be nil; normalization
// still runs but nothing is published.
func NewNormalizer(publisher EventPublisher) *Normalizer {
	return &Normalizer{
		publisher: publisher,
		logger:    slog.Default().With("component", "kalshi.normalize"),
		now:       time.Now,
	}
}

// ProcessMessage normalizes a raw channel message and publishes the
// resulting canonical envelopes. Unsupported channels are skipped without
// error; malformed payloads surface as schema-validation errors.
func (n *Normalizer) ProcessMessage(ctx context.Context, raw map[string]any) ([]map[string]any, error) {
	n.logger.Debug("market data message received",
		"raw_type", raw["type"], "channel", raw["channel"])

	events, err := n.normalize(raw)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	payload := extractPayload(raw)
	sourceSequence := extractSequence(payload)
	sourceTimestamp, err := normalizeEventTimestamp(payload)
	if err != nil {
		return nil, MapError(&ValidationError{Message: err.Error()})
	}

	for _, event := range events {
		envelope := map[string]any{
			"source":           sourceSystem,
			"schema":           event["schema"],
			"source_sequence":  sourceSequence,
			"source_timestamp": sourceTimestamp,
			"ingest_timestamp": timeutil.FormatISO(n.now()),
			"payload":          event,
		}
		if n.publisher != nil {
			if err := n.publisher.Publish(ctx, envelope); err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

func (n *Normalizer) normalize(raw map[string]any) ([]map[string]any, error) {
	payload := extractPayload(raw)
	channel := firstString(raw, "channel")
	if channel == "" {
		channel = firstString(payload, "type")
	}
	if channel == "" {
		channel = firstString(raw, "type")
	}

	switch channel {
	case "orderbook_delta":
		event, err := normalizeOrderbookDelta(payload)
		if err != nil {
			n.logger.Error("market data parse failure", "channel", channel, "error", err)
			return nil, MapError(&ValidationError{
				Message: fmt.Sprintf("unable to parse market data message for channel %q: %v", channel, err),
			})
		}
		return []map[string]any{event}, nil
	case "trade":
		event, err := normalizeTrade(payload)
		if err != nil {
			n.logger.Error("market data parse failure", "channel", channel, "error", err)
			return nil, MapError(&ValidationError{
				Message: fmt.Sprintf("unable to parse market data message for channel %q: %v", channel, err),
			})
		}
		return []map[string]any{event}, nil
	default:
		n.logger.Debug("market data message skipped",
			"reason", "unsupported_channel", "channel", channel)
		return nil, nil
	}
}

func extractPayload(raw map[string]any) map[string]any {
	if data, ok := raw["data"].(map[string]any); ok {
		return data
	}
	return raw
}

func normalizeOrderbookDelta(payload map[string]any) (map[string]any, error) {
	side := strings.ToLower(firstString(payload, "side"))
	if side != "yes" && side != "no" {
		return nil, fmt.Errorf("orderbook_delta side must be yes/no")
	}
	marketID := firstString(payload, "market_id")
	if marketID == "" {
		return nil, fmt.Errorf("orderbook_delta missing market_id")
	}
	price, err := requireInt(payload, "price")
	if err != nil {
		return nil, err
	}
	sizeDelta, err := requireIntAny(payload, "size_delta", "delta", "size")
	if err != nil {
		return nil, err
	}
	timestamp, err := normalizeEventTimestamp(payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"schema":     "orderbook_delta",
		"market_id":  marketID,
		"sequence":   extractSequence(payload),
		"timestamp":  timestamp,
		"side":       side,
		"price":      price,
		"size_delta": sizeDelta,
	}, nil
}

func normalizeTrade(payload map[string]any) (map[string]any, error) {
	side := strings.ToLower(firstString(payload, "side"))
	switch side {
	case "buy_yes", "sell_yes", "buy_no", "sell_no":
	default:
		return nil, fmt.Errorf("trade side must be buy_yes/sell_yes/buy_no/sell_no")
	}
	liquidity := strings.ToLower(firstString(payload, "liquidity"))
	if liquidity != "maker" && liquidity != "taker" {
		return nil, fmt.Errorf("trade liquidity must be maker/taker")
	}
	marketID := firstString(payload, "market_id")
	if marketID == "" {
		return nil, fmt.Errorf("trade missing market_id")
	}
	tradeID := firstString(payload, "trade_id", "id")
	if tradeID == "" {
		return nil, fmt.Errorf("trade missing trade_id")
	}
	price, err := requireInt(payload, "price")
	if err != nil {
		return nil, err
	}
	size, err := requireInt(payload, "size")
	if err != nil {
		return nil, err
	}
	timestamp, err := normalizeEventTimestamp(payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"schema":    "trade",
		"trade_id":  tradeID,
		"market_id": marketID,
		"timestamp": timestamp,
		"side":      side,
		"price":     price,
		"size":      size,
		"liquidity": liquidity,
	}, nil
}

func normalizeEventTimestamp(payload map[string]any) (string, error) {
	candidate := payload["timestamp"]
	if candidate == nil {
		candidate = payload["ts"]
	}
	return timeutil.Normalize(candidate)
}

func extractSequence(payload map[string]any) int64 {
	for _, key := range []string{"sequence", "seq", "sid"} {
		if v, ok := payload[key]; ok && v != nil {
			if n, err := toInt(v); err == nil {
				return int64(n)
			}
		}
	}
	return 0
}

func requireInt(payload map[string]any, key string) (int, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("required numeric field %s missing", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("field %s is not an integer", key)
	}
	return n, nil
}

func requireIntAny(payload map[string]any, keys ...string) (int, error) {
	for _, key := range keys {
		if v, ok := payload[key]; ok && v != nil {
			n, err := toInt(v)
			if err != nil {
				return 0, fmt.Errorf("field %s is not an integer", key)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("required numeric field %s missing", keys[0])
}
