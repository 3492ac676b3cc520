// Package state implements boot-time rehydration of local order/position
// state against exchange snapshots and the readiness gate that blocks
// strategy execution until reconciliation completes.
package state

import (
	"fmt"
	"sync"
	"time"
)

// RehydrationError blocks strategy execution when boot reconciliation has
// not completed successfully.
type RehydrationError struct{ Message string }

func (e *RehydrationError) Error() string { return e.Message }

// ReadinessGate is the shared readiness primitive consulted by strategy
// runners and health endpoints.
type ReadinessGate struct {
	mu               sync.Mutex
	ready            bool
	readyCh          chan struct{}
	lastError        string
	lastRehydratedAt string
}

// NewReadinessGate returns a gate in the not-ready state.
func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{readyCh: make(chan struct{})}
}

// MarkReady clears the last error and unblocks waiters.
func (g *ReadinessGate) MarkReady(rehydratedAt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastError = ""
	g.lastRehydratedAt = rehydratedAt
	if !g.ready {
		g.ready = true
		close(g.readyCh)
	}
}

// MarkNotReady records the blocking error and resets the gate.
func (g *ReadinessGate) MarkNotReady(errMsg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastError = errMsg
	if g.ready {
		g.ready = false
		g.readyCh = make(chan struct{})
	}
}

// WaitUntilReady blocks until the gate is ready or the timeout elapses.
// A zero timeout waits indefinitely.
func (g *ReadinessGate) WaitUntilReady(timeout time.Duration) bool {
	g.mu.Lock()
	ch := g.readyCh
	ready := g.ready
	g.mu.Unlock()
	if ready {
		return true
	}
	if timeout <= 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// AssertReady fails with a RehydrationError when the gate is not ready.
func (g *ReadinessGate) AssertReady() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return nil
	}
	message := g.lastError
	if message == "" {
		message = "state is not ready"
	}
	return &RehydrationError{Message: fmt.Sprintf("strategy execution blocked: %s", message)}
}

// Snapshot reports the gate state for health endpoints.
func (g *ReadinessGate) Snapshot() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	var lastError any
	if g.lastError != "" {
		lastError = g.lastError
	}
	var rehydratedAt any
	if g.lastRehydratedAt != "" {
		rehydratedAt = g.lastRehydratedAt
	}
	return map[string]any{
		"ready":              g.ready,
		"last_error":         lastError,
		"last_rehydrated_at": rehydratedAt,
	}
}
