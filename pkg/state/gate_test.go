package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateStartsNotReady(t *testing.T) {
	gate := NewReadinessGate()

	err := gate.AssertReady()
	var rehydration *RehydrationError
	require.ErrorAs(t, err, &rehydration)
	require.Contains(t, rehydration.Message, "strategy execution blocked")

	snapshot := gate.Snapshot()
	require.Equal(t, false, snapshot["ready"])
	require.Nil(t, snapshot["last_error"])
	require.Nil(t, snapshot["last_rehydrated_at"])
}

func TestGateReadyAfterMarkReady(t *testing.T) {
	gate := NewReadinessGate()
	gate.MarkReady("2026-08-24T10:00:00.000Z")

	require.NoError(t, gate.AssertReady())
	require.True(t, gate.WaitUntilReady(time.Millisecond))

	snapshot := gate.Snapshot()
	require.Equal(t, true, snapshot["ready"])
	require.Equal(t, "2026-08-24T10:00:00.000Z", snapshot["last_rehydrated_at"])
}

func TestGateNotReadyCarriesLastError(t *testing.T) {
	gate := NewReadinessGate()
	gate.MarkReady("2026-08-24T10:00:00.000Z")
	gate.MarkNotReady("rehydration failed: fetch open orders")

	err := gate.AssertReady()
	require.ErrorContains(t, err, "rehydration failed: fetch open orders")
	require.False(t, gate.WaitUntilReady(10*time.Millisecond))
}

func TestGateUnblocksWaiters(t *testing.T) {
	gate := NewReadinessGate()

	done := make(chan bool, 1)
	go func() { done <- gate.WaitUntilReady(0) }()

	gate.MarkReady("2026-08-24T10:00:00.000Z")
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestGateMarkReadyIsIdempotent(t *testing.T) {
	gate := NewReadinessGate()
	gate.MarkReady("first")
	gate.MarkReady("second")
	require.NoError(t, gate.AssertReady())
	require.Equal(t, "second", gate.Snapshot()["last_rehydrated_at"])
}
