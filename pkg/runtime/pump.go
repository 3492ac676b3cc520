package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/pulsetrader/pkg/bus"
	"github.com/Mindburn-Labs/pulsetrader/pkg/fanout"
	"github.com/Mindburn-Labs/pulsetrader/pkg/ledger"
)

// IngestPump dequeues canonical envelopes from the bus and feeds both the
// ledger writer and the UI fan-out.
type IngestPump struct {
	bus    *bus.Bus
	writer *ledger.WriteWorker
	fanout *fanout.Manager
	logger *slog.Logger
	done   chan struct{}
}

// NewIngestPump wires the pump. fanout may be nil when no UI is attached.
func NewIngestPump(b *bus.Bus, writer *ledger.WriteWorker, fo *fanout.Manager) *IngestPump {
	return &IngestPump{
		bus:    b,
		writer: writer,
		fanout: fo,
		logger: slog.Default().With("component", "runtime.pump"),
	}
}

// Run consumes until ctx is cancelled. Submission failures other than
// cancellation are logged and the envelope is skipped; the ledger's own
// poison path handles semantic failures.
func (p *IngestPump) Run(ctx context.Context) {
	p.done = make(chan struct{})
	defer close(p.done)
	for {
		envelope, err := p.bus.Receive(ctx)
		if err != nil {
			return
		}
		event := envelopeToInbound(envelope)
		if err := p.writer.Submit(ctx, event); err != nil {
			return
		}
		if p.fanout != nil {
			if err := p.fanout.StreamEvent(envelope); err != nil {
				p.logger.Debug("envelope not fanned out", "error", err)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (p *IngestPump) Wait() {
	if p.done != nil {
		<-p.done
	}
}

// envelopeToInbound derives the ledger natural key from the canonical
// envelope: trades key on trade_id, orderbook deltas on
// market:side:price:sequence, everything else on schema:sequence.
func envelopeToInbound(envelope bus.Envelope) ledger.InboundEvent {
	source, _ := envelope["source"].(string)
	schema, _ := envelope["schema"].(string)
	payload, _ := envelope["payload"].(map[string]any)
	if payload == nil {
		payload = envelope
	}

	var sequence *int64
	if raw, ok := envelope["source_sequence"].(int64); ok {
		sequence = &raw
	}

	emittedAt, _ := envelope["source_timestamp"].(string)

	return ledger.InboundEvent{
		SourceSystem:    source,
		SourceEventID:   deriveEventID(schema, payload, sequence),
		Payload:         payload,
		SourceSequence:  sequence,
		SourceEmittedAt: emittedAt,
	}
}

func deriveEventID(schema string, payload map[string]any, sequence *int64) string {
	seq := int64(0)
	if sequence != nil {
		seq = *sequence
	}
	switch schema {
	case "trade":
		if tradeID, ok := payload["trade_id"].(string); ok && tradeID != "" {
			return "trade:" + tradeID
		}
	case "orderbook_delta":
		marketID, _ := payload["market_id"].(string)
		side, _ := payload["side"].(string)
		if marketID != "" {
			return fmt.Sprintf("orderbook_delta:%s:%s:%v:%d", marketID, side, payload["price"], seq)
		}
	}
	parts := []string{schema}
	if marketID, ok := payload["market_id"].(string); ok && marketID != "" {
		parts = append(parts, marketID)
	}
	parts = append(parts, fmt.Sprintf("%d", seq))
	return strings.Join(parts, ":")
}
