package kalshi

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/pulsetrader/pkg/ratelimit"
)

// HealthState is the operator-facing connectivity state for the stream.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
)

// CloseType classifies stream disconnects.
type CloseType string

const (
	CloseClean            CloseType = "clean"
	CloseTransientFailure CloseType = "transient_failure"
	CloseAuthFailure      CloseType = "auth_failure"
)

// StreamEnvelopeType enumerates the control envelopes the machine emits.
type StreamEnvelopeType string

const (
	EnvelopeConnect            StreamEnvelopeType = "connect"
	EnvelopeSubscribe          StreamEnvelopeType = "subscribe"
	EnvelopeAwaitDisconnect    StreamEnvelopeType = "await_disconnect"
	EnvelopeHealthState        StreamEnvelopeType = "health_state"
	EnvelopeReconnectScheduled StreamEnvelopeType = "reconnect_scheduled"
	EnvelopeSleep              StreamEnvelopeType = "sleep"
)

// StreamEnvelope is one control instruction to the transport driver. Only
// the fields relevant to the envelope type are populated.
type StreamEnvelope struct {
	Type           StreamEnvelopeType
	URL            string
	Headers        map[string]string
	Channel        string
	Handler        string
	Resubscribe    bool
	State          HealthState
	Reason         string
	Attempt        int
	BackoffSeconds float64
	CloseType      CloseType
	Seconds        float64
}

// DisconnectNotice is the driver's answer to an await_disconnect envelope.
type DisconnectNotice struct {
	Clean      bool
	StatusCode int
	Reason     string
}

// StreamReply carries a driver response back into the machine. After an
// await_disconnect envelope, Disconnect must be set; after a sleep envelope,
// StableConnect reports whether the reconnected session held.
type StreamReply struct {
	Disconnect    *DisconnectNotice
	StableConnect bool
}

// StreamSession pairs the machine's emission channel with the driver's
// reply channel. The machine is a single cooperative producer: each
// emission is answered by zero or one reply.
type StreamSession struct {
	out chan StreamEnvelope
	in  chan StreamReply

	errMu sync.Mutex
	err   error
}

// Envelopes returns the control-envelope channel. It is closed when the
// session terminates.
func (s *StreamSession) Envelopes() <-chan StreamEnvelope { return s.out }

// Reply delivers a driver response for the last emitted envelope.
func (s *StreamSession) Reply(r StreamReply) { s.in <- r }

// Err reports the terminal session error, if any, once Envelopes is closed.
func (s *StreamSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *StreamSession) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// SupportedMarketDataChannels lists the channels the connector normalizes.
var SupportedMarketDataChannels = []string{"orderbook_delta", "trade"}

const marketDataPath = "/marketdata/stream"

// StreamMarketData starts the reconnect state machine for the requested
// channels and returns its session. Unsupported channels are dropped with a
// warning. Cancelling ctx terminates the session cleanly.
func (c *Client) StreamMarketData(ctx context.Context, channels []string) *StreamSession {
	session := &StreamSession{
		out: make(chan StreamEnvelope),
		in:  make(chan StreamReply),
	}
	go c.runStream(ctx, session, c.filterChannels(channels))
	return session
}

func (c *Client) filterChannels(channels []string) []string {
	supported := make(map[string]bool, len(SupportedMarketDataChannels))
	for _, ch := range SupportedMarketDataChannels {
		supported[ch] = true
	}
	var subscribed []string
	for _, ch := range channels {
		if !supported[ch] {
			c.logger.Warn("unsupported market data channel", "channel", ch)
			continue
		}
		subscribed = append(subscribed, ch)
	}
	return subscribed
}

func (c *Client) runStream(ctx context.Context, s *StreamSession, channels []string) {
	defer close(s.out)

	headers := c.signer.SignedHeaders("GET", marketDataPath, "")
	reconnect := c.cfg.StreamReconnect

	var retryWindowStarted time.Time
	consecutiveFailures := 0
	health := HealthHealthy

	for {
		if err := c.limiter.AcquireContext(ctx, ratelimit.BucketRead, "ws:connect"); err != nil {
			s.fail(MapError(err))
			return
		}
		c.logger.Info("market data connect", "url", c.cfg.WebsocketURL, "channels", channels)
		if !s.emit(ctx, StreamEnvelope{Type: EnvelopeConnect, URL: c.cfg.WebsocketURL, Headers: headers}) {
			return
		}

		for _, channel := range channels {
			if err := c.limiter.AcquireContext(ctx, ratelimit.BucketWrite, "ws:subscribe:"+channel); err != nil {
				s.fail(MapError(err))
				return
			}
			c.logger.Info("market data subscribe", "channel", channel)
			if !s.emit(ctx, StreamEnvelope{
				Type:        EnvelopeSubscribe,
				Channel:     channel,
				Headers:     headers,
				URL:         c.cfg.WebsocketURL,
				Handler:     "handle_" + channel,
				Resubscribe: true,
			}) {
				return
			}
		}

		connectStartedAt := c.now()
		if !s.emit(ctx, StreamEnvelope{Type: EnvelopeAwaitDisconnect}) {
			return
		}
		reply, ok := s.receive(ctx)
		if !ok {
			return
		}
		closeType := classifyStreamClose(reply.Disconnect)

		switch closeType {
		case CloseClean:
			c.logger.Info("market data disconnect", "classification", closeType)
			return

		case CloseAuthFailure:
			if health != HealthDegraded {
				health = HealthDegraded
				if !s.emit(ctx, StreamEnvelope{
					Type:    EnvelopeHealthState,
					State:   HealthDegraded,
					Reason:  "auth_failure",
					Attempt: consecutiveFailures + 1,
				}) {
					return
				}
			}
			c.logger.Error("market data auth failure", "classification", closeType)
			return
		}

		now := c.now()
		uptime := now.Sub(connectStartedAt)
		if uptime >= reconnect.StableConnect {
			consecutiveFailures = 0
			retryWindowStarted = time.Time{}
		}
		if retryWindowStarted.IsZero() {
			retryWindowStarted = now
		}
		consecutiveFailures++

		if now.Sub(retryWindowStarted) > reconnect.MaxRetryWindow {
			c.logger.Error("market data retry window exhausted", "attempt", consecutiveFailures)
			if health != HealthDegraded {
				health = HealthDegraded
				if !s.emit(ctx, StreamEnvelope{
					Type:    EnvelopeHealthState,
					State:   HealthDegraded,
					Reason:  "max_retry_window_reached",
					Attempt: consecutiveFailures,
				}) {
					return
				}
			}
			return
		}

		if consecutiveFailures >= reconnect.DegradedAfterAttempts && health != HealthDegraded {
			health = HealthDegraded
			if !s.emit(ctx, StreamEnvelope{
				Type:    EnvelopeHealthState,
				State:   HealthDegraded,
				Reason:  "repeated_disconnects",
				Attempt: consecutiveFailures,
			}) {
				return
			}
		}

		backoff := c.streamBackoff(consecutiveFailures)
		c.logger.Warn("market data reconnect scheduled",
			"attempt", consecutiveFailures,
			"backoff_ms", int(backoff.Seconds()*1000),
			"classification", closeType)
		if !s.emit(ctx, StreamEnvelope{
			Type:           EnvelopeReconnectScheduled,
			Attempt:        consecutiveFailures,
			BackoffSeconds: backoff.Seconds(),
			CloseType:      closeType,
		}) {
			return
		}

		if !s.emit(ctx, StreamEnvelope{Type: EnvelopeSleep, Seconds: backoff.Seconds()}) {
			return
		}
		recovered, ok := s.receive(ctx)
		if !ok {
			return
		}
		if recovered.StableConnect {
			consecutiveFailures = 0
			retryWindowStarted = time.Time{}
			if health != HealthHealthy {
				health = HealthHealthy
				if !s.emit(ctx, StreamEnvelope{
					Type:    EnvelopeHealthState,
					State:   HealthHealthy,
					Reason:  "stable_connection_restored",
					Attempt: 0,
				}) {
					return
				}
			}
		}
	}
}

func (s *StreamSession) emit(ctx context.Context, env StreamEnvelope) bool {
	select {
	case s.out <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *StreamSession) receive(ctx context.Context) (StreamReply, bool) {
	select {
	case reply := <-s.in:
		return reply, true
	case <-ctx.Done():
		return StreamReply{}, false
	}
}

func classifyStreamClose(notice *DisconnectNotice) CloseType {
	if notice == nil {
		return CloseTransientFailure
	}
	if notice.Clean {
		return CloseClean
	}
	if notice.StatusCode == 401 || notice.StatusCode == 403 {
		return CloseAuthFailure
	}
	reason := strings.ToLower(notice.Reason)
	if strings.Contains(reason, "auth") || strings.Contains(reason, "credential") || strings.Contains(reason, "token") {
		return CloseAuthFailure
	}
	return CloseTransientFailure
}

func (c *Client) streamBackoff(attempt int) time.Duration {
	reconnect := c.cfg.StreamReconnect
	exponent := attempt - 1
	if exponent < 0 {
		exponent = 0
	}
	exponential := reconnect.BaseBackoff.Seconds() * math.Pow(2, float64(exponent))
	clamped := math.Min(exponential, reconnect.MaxBackoff.Seconds())
	jitterRange := clamped * reconnect.JitterRatio
	jittered := clamped + (rand.Float64()*2-1)*jitterRange
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered * float64(time.Second))
}
