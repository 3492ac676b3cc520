package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/pulsetrader/pkg/bus"
	"github.com/Mindburn-Labs/pulsetrader/pkg/fanout"
	"github.com/Mindburn-Labs/pulsetrader/pkg/ledger"
)

func TestDeriveEventID(t *testing.T) {
	seq := int64(42)

	require.Equal(t, "trade:tr-1",
		deriveEventID("trade", map[string]any{"trade_id": "tr-1"}, &seq))

	require.Equal(t, "orderbook_delta:MKT-1:yes:55:42",
		deriveEventID("orderbook_delta", map[string]any{
			"market_id": "MKT-1",
			"side":      "yes",
			"price":     55,
		}, &seq))

	require.Equal(t, "ticker:MKT-2:42",
		deriveEventID("ticker", map[string]any{"market_id": "MKT-2"}, &seq))

	require.Equal(t, "ticker:0",
		deriveEventID("ticker", map[string]any{}, nil))

	// A trade without trade_id falls back to the generic key.
	require.Equal(t, "trade:MKT-3:42",
		deriveEventID("trade", map[string]any{"market_id": "MKT-3"}, &seq))
}

func TestEnvelopeToInbound(t *testing.T) {
	payload := map[string]any{"trade_id": "tr-9", "market_id": "MKT-1"}
	event := envelopeToInbound(bus.Envelope{
		"source":           "kalshi",
		"schema":           "trade",
		"source_sequence":  int64(7),
		"source_timestamp": "2026-08-24T10:00:00.000Z",
		"payload":          payload,
	})

	require.Equal(t, "kalshi", event.SourceSystem)
	require.Equal(t, "trade:tr-9", event.SourceEventID)
	require.Equal(t, payload, event.Payload)
	require.NotNil(t, event.SourceSequence)
	require.Equal(t, int64(7), *event.SourceSequence)
	require.Equal(t, "2026-08-24T10:00:00.000Z", event.SourceEmittedAt)
}

func TestEnvelopeToInboundFallbacks(t *testing.T) {
	// Missing payload uses the envelope itself; missing sequence stays nil.
	envelope := bus.Envelope{"source": "kalshi", "schema": "trade"}
	event := envelopeToInbound(envelope)
	require.Equal(t, map[string]any(envelope), event.Payload)
	require.Nil(t, event.SourceSequence)
	require.Equal(t, "trade:0", event.SourceEventID)
}

func TestPumpFeedsLedgerAndFanout(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	writer := ledger.NewWriteWorker(dbPath, ledger.DefaultOptions(), nil)
	require.NoError(t, writer.Start(context.Background()))
	defer func() { _ = writer.Stop(context.Background()) }()

	manager := fanout.NewManager(fanout.DefaultOptions(), nil)
	require.NoError(t, manager.Connect("ui", &nullConn{}, []string{"market"}))

	b := bus.New(16)
	pump := NewIngestPump(b, writer, manager)

	ctx, cancel := context.WithCancel(context.Background())
	go pump.Run(ctx)

	require.NoError(t, b.Publish(context.Background(), bus.Envelope{
		"source":           "kalshi",
		"schema":           "trade",
		"source_sequence":  int64(1),
		"source_timestamp": "2026-08-24T10:00:00.000Z",
		"payload": map[string]any{
			"schema":    "trade",
			"trade_id":  "tr-1",
			"market_id": "MKT-1",
		},
	}))

	reader, err := ledger.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	require.Eventually(t, func() bool {
		var count int
		if err := reader.QueryRow("SELECT COUNT(*) FROM event_ledger").Scan(&count); err != nil {
			return false
		}
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	var sourceEventID string
	require.NoError(t, reader.QueryRow("SELECT source_event_id FROM event_ledger").Scan(&sourceEventID))
	require.Equal(t, "trade:tr-1", sourceEventID)

	require.Eventually(t, func() bool {
		stats, err := manager.ClientStats("ui")
		return err == nil && stats["queued"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	pump.Wait()
}

type nullConn struct{}

func (nullConn) SendJSON(map[string]any) error { return nil }
func (nullConn) SendPing() error               { return nil }
func (nullConn) Close(int, string) error       { return nil }
