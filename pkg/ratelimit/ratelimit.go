// Package ratelimit implements the process-wide sliding-window rate limiter
// shared by every exchange control path: REST calls, websocket connects, and
// websocket subscribes all draw from the same two buckets.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/pulsetrader/pkg/config"
	"github.com/Mindburn-Labs/pulsetrader/pkg/observability"
)

// Bucket identifies one of the two independent request budgets.
type Bucket string

const (
	BucketRead  Bucket = "read"
	BucketWrite Bucket = "write"
)

const window = time.Second

// ExceededError is returned when the projected wait for a slot exceeds the
// configured timeout. It carries a 429 status hint for API classification.
type ExceededError struct {
	Bucket  Bucket
	Timeout time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s bucket after waiting %.3fs", e.Bucket, e.Timeout.Seconds())
}

// StatusCode returns the HTTP status hint.
func (e *ExceededError) StatusCode() int { return 429 }

// Metrics is a snapshot of limiter counters.
type Metrics struct {
	ThrottledRequests uint64
	DroppedRequests   uint64
}

// slidingWindow tracks reservation times within the last second. Capacity is
// the configured requests-per-second rounded down, minimum 1.
type slidingWindow struct {
	requestsPerSecond float64
	events            []time.Time
}

func (w *slidingWindow) configure(rps float64) { w.requestsPerSecond = rps }

// reserveDelay either reserves a slot immediately (returning 0) or returns
// how long the caller must wait before committing one.
func (w *slidingWindow) reserveDelay(now time.Time) time.Duration {
	w.evictOld(now)
	if w.requestsPerSecond <= 0 {
		return time.Duration(1<<63 - 1)
	}

	capacity := int(w.requestsPerSecond)
	if capacity < 1 {
		capacity = 1
	}
	if len(w.events) < capacity {
		w.events = append(w.events, now)
		return 0
	}

	oldest := w.events[0]
	waitFor := oldest.Add(window).Sub(now)
	if waitFor <= 0 {
		w.events = w.events[1:]
		w.events = append(w.events, now)
		return 0
	}
	return waitFor
}

func (w *slidingWindow) commitAfterWait(now time.Time) {
	w.evictOld(now)
	w.events = append(w.events, now)
}

func (w *slidingWindow) evictOld(now time.Time) {
	for len(w.events) > 0 && now.Sub(w.events[0]) >= window {
		w.events = w.events[1:]
	}
}

// SharedLimiter is the process-wide limiter. One mutex guards both buckets
// because blocking and cooperative acquire paths share the same state.
type SharedLimiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitConfig
	buckets map[Bucket]*slidingWindow
	metrics Metrics

	logger  *slog.Logger
	otel    *observability.EngineMetrics
	sleepFn func(time.Duration) // test seam for the blocking path
}

// New creates a limiter from configuration.
func New(cfg config.RateLimitConfig) *SharedLimiter {
	return &SharedLimiter{
		cfg: cfg,
		buckets: map[Bucket]*slidingWindow{
			BucketRead:  {requestsPerSecond: cfg.ReadRequestsPerSecond},
			BucketWrite: {requestsPerSecond: cfg.WriteRequestsPerSecond},
		},
		logger:  slog.Default().With("component", "ratelimit"),
		sleepFn: time.Sleep,
	}
}

// WithMetrics attaches observability counters.
func (l *SharedLimiter) WithMetrics(m *observability.EngineMetrics) *SharedLimiter {
	l.otel = m
	return l
}

// Configure updates bucket capacities. In-flight reservations are preserved.
func (l *SharedLimiter) Configure(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.buckets[BucketRead].configure(cfg.ReadRequestsPerSecond)
	l.buckets[BucketWrite].configure(cfg.WriteRequestsPerSecond)
}

// Acquire blocks the calling goroutine until a slot is available or the wait
// would exceed the configured timeout.
func (l *SharedLimiter) Acquire(bucket Bucket, operation string) error {
	wait, err := l.reserve(bucket, operation)
	if err != nil {
		return err
	}
	if wait == 0 {
		return nil
	}
	l.sleepFn(wait)
	l.commit(bucket)
	return nil
}

// AcquireContext is the cooperative variant: the wait is interruptible by
// context cancellation. Bucket state is shared with Acquire.
func (l *SharedLimiter) AcquireContext(ctx context.Context, bucket Bucket, operation string) error {
	wait, err := l.reserve(bucket, operation)
	if err != nil {
		return err
	}
	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	l.commit(bucket)
	return nil
}

// MetricsSnapshot returns a copy of the limiter counters.
func (l *SharedLimiter) MetricsSnapshot() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

func (l *SharedLimiter) reserve(bucket Bucket, operation string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	waitFor := l.buckets[bucket].reserveDelay(now)
	if waitFor == 0 {
		return 0, nil
	}

	if waitFor > l.cfg.WaitTimeout {
		l.metrics.DroppedRequests++
		l.otel.AddDropped(context.Background(), string(bucket))
		l.logger.Warn("rate limit dropped",
			"bucket", bucket, "operation", operation, "wait_seconds", waitFor.Seconds())
		return 0, &ExceededError{Bucket: bucket, Timeout: l.cfg.WaitTimeout}
	}

	l.metrics.ThrottledRequests++
	l.otel.AddThrottled(context.Background(), string(bucket))
	l.logger.Info("rate limit throttled",
		"bucket", bucket, "operation", operation, "wait_seconds", waitFor.Seconds())
	return waitFor, nil
}

func (l *SharedLimiter) commit(bucket Bucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[bucket].commitAfterWait(time.Now())
}

var (
	sharedMu sync.Mutex
	shared   *SharedLimiter
)

// SetShared installs the process-wide limiter. The composition root calls
// this exactly once during startup; tests install their own instance.
func SetShared(l *SharedLimiter) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = l
}

// Shared returns the process-wide limiter, or nil before startup installed
// one. There is deliberately no lazy initialization here.
func Shared() *SharedLimiter {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return shared
}
