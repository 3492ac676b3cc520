package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mindburn-Labs/pulsetrader/pkg/connector/kalshi"
)

// StreamDriver executes the control envelopes emitted by the market-data
// state machine against a real websocket transport and feeds received
// frames to the normalizer.
type StreamDriver struct {
	stream     kalshi.MarketDataStream
	normalizer *kalshi.Normalizer
	logger     *slog.Logger
	dialer     *websocket.Dialer
	sleepFn    func(time.Duration)
}

// NewStreamDriver builds a driver over the given stream source.
func NewStreamDriver(stream kalshi.MarketDataStream, normalizer *kalshi.Normalizer) *StreamDriver {
	return &StreamDriver{
		stream:     stream,
		normalizer: normalizer,
		logger:     slog.Default().With("component", "runtime.stream"),
		dialer:     websocket.DefaultDialer,
		sleepFn:    time.Sleep,
	}
}

// Run opens the session for channels and services it until the machine
// terminates or ctx is cancelled.
func (d *StreamDriver) Run(ctx context.Context, channels []string) error {
	session := d.stream.StreamMarketData(ctx, channels)
	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for envelope := range session.Envelopes() {
		switch envelope.Type {
		case kalshi.EnvelopeConnect:
			if conn != nil {
				_ = conn.Close()
				conn = nil
			}
			header := http.Header{}
			for k, v := range envelope.Headers {
				header.Set(k, v)
			}
			dialed, _, err := d.dialer.DialContext(ctx, envelope.URL, header)
			if err != nil {
				d.logger.Warn("stream dial failed", "url", envelope.URL, "error", err)
				// The machine learns about the failure at await_disconnect.
				continue
			}
			conn = dialed

		case kalshi.EnvelopeSubscribe:
			if conn == nil {
				continue
			}
			cmd := map[string]any{
				"cmd":      "subscribe",
				"channels": []string{envelope.Channel},
			}
			if err := conn.WriteJSON(cmd); err != nil {
				d.logger.Warn("stream subscribe failed", "channel", envelope.Channel, "error", err)
			}

		case kalshi.EnvelopeAwaitDisconnect:
			session.Reply(kalshi.StreamReply{Disconnect: d.readUntilDisconnect(ctx, conn)})
			if conn != nil {
				_ = conn.Close()
				conn = nil
			}

		case kalshi.EnvelopeSleep:
			d.sleepFn(time.Duration(envelope.Seconds * float64(time.Second)))
			// The next connect attempt reports stability; the machine asks
			// after the sleep whether the reconnect held.
			session.Reply(kalshi.StreamReply{StableConnect: false})

		case kalshi.EnvelopeHealthState:
			d.logger.Info("stream health state",
				"state", envelope.State, "reason", envelope.Reason, "attempt", envelope.Attempt)

		case kalshi.EnvelopeReconnectScheduled:
			d.logger.Info("stream reconnect scheduled",
				"attempt", envelope.Attempt, "backoff_seconds", envelope.BackoffSeconds)
		}
	}
	return session.Err()
}

// readUntilDisconnect pumps frames into the normalizer until the
// connection drops, classifying the close for the state machine.
func (d *StreamDriver) readUntilDisconnect(ctx context.Context, conn *websocket.Conn) *kalshi.DisconnectNotice {
	if conn == nil {
		return &kalshi.DisconnectNotice{Clean: false, Reason: "dial failed"}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return &kalshi.DisconnectNotice{Clean: true, Reason: "context cancelled"}
			}
			var closeErr *websocket.CloseError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return &kalshi.DisconnectNotice{Clean: true, Reason: err.Error()}
			}
			if errors.As(err, &closeErr) {
				return &kalshi.DisconnectNotice{Clean: false, StatusCode: closeErr.Code, Reason: closeErr.Text}
			}
			return &kalshi.DisconnectNotice{Clean: false, Reason: err.Error()}
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			d.logger.Warn("stream frame not JSON", "error", err)
			continue
		}
		if _, err := d.normalizer.ProcessMessage(ctx, frame); err != nil {
			d.logger.Warn("stream frame rejected", "error", err)
		}
	}
}
