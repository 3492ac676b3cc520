package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/pulsetrader/pkg/config"
)

func newTestLimiter(readRPS, writeRPS float64, waitTimeout time.Duration) *SharedLimiter {
	return New(config.RateLimitConfig{
		ReadRequestsPerSecond:  readRPS,
		WriteRequestsPerSecond: writeRPS,
		WaitTimeout:            waitTimeout,
	})
}

func TestAcquireWithinCapacityIsImmediate(t *testing.T) {
	limiter := newTestLimiter(5, 5, time.Second)
	limiter.sleepFn = func(time.Duration) { t.Fatal("should not sleep under capacity") }

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Acquire(BucketRead, "test"))
	}
	require.Equal(t, Metrics{}, limiter.MetricsSnapshot())
}

func TestAcquireBurstOverCapacityDropsExactlyExcess(t *testing.T) {
	// wait_timeout=0: every over-capacity request in the burst must fail.
	limiter := newTestLimiter(3, 3, 0)

	var failures int
	for i := 0; i < 5; i++ {
		if err := limiter.Acquire(BucketWrite, "burst"); err != nil {
			var exceeded *ExceededError
			require.ErrorAs(t, err, &exceeded)
			require.Equal(t, BucketWrite, exceeded.Bucket)
			require.Equal(t, 429, exceeded.StatusCode())
			failures++
		}
	}
	require.Equal(t, 2, failures)
	require.Equal(t, uint64(2), limiter.MetricsSnapshot().DroppedRequests)
}

func TestAcquireThrottlesWhenWaitFitsTimeout(t *testing.T) {
	limiter := newTestLimiter(1, 1, 2*time.Second)
	var slept time.Duration
	limiter.sleepFn = func(d time.Duration) { slept = d }

	require.NoError(t, limiter.Acquire(BucketRead, "first"))
	require.NoError(t, limiter.Acquire(BucketRead, "second"))

	require.Greater(t, slept, time.Duration(0))
	require.LessOrEqual(t, slept, time.Second)
	require.Equal(t, uint64(1), limiter.MetricsSnapshot().ThrottledRequests)
}

func TestBucketsAreIndependent(t *testing.T) {
	limiter := newTestLimiter(1, 1, 0)

	require.NoError(t, limiter.Acquire(BucketRead, "read"))
	require.NoError(t, limiter.Acquire(BucketWrite, "write"))

	require.Error(t, limiter.Acquire(BucketRead, "read-again"))
	require.Error(t, limiter.Acquire(BucketWrite, "write-again"))
}

func TestAcquireContextCancelledDuringWait(t *testing.T) {
	limiter := newTestLimiter(1, 1, 5*time.Second)
	require.NoError(t, limiter.AcquireContext(context.Background(), BucketRead, "first"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := limiter.AcquireContext(ctx, BucketRead, "second")
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigurePreservesReservations(t *testing.T) {
	limiter := newTestLimiter(2, 2, 0)
	require.NoError(t, limiter.Acquire(BucketRead, "one"))
	require.NoError(t, limiter.Acquire(BucketRead, "two"))

	// Capacity grows; the two in-flight reservations still count.
	limiter.Configure(config.RateLimitConfig{
		ReadRequestsPerSecond:  3,
		WriteRequestsPerSecond: 3,
		WaitTimeout:            0,
	})
	require.NoError(t, limiter.Acquire(BucketRead, "three"))
	require.Error(t, limiter.Acquire(BucketRead, "four"))
}

func TestSharedSingleton(t *testing.T) {
	original := Shared()
	defer SetShared(original)

	limiter := newTestLimiter(1, 1, 0)
	SetShared(limiter)
	require.Same(t, limiter, Shared())
}
