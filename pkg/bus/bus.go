// Package bus provides the bounded in-process event queue between the
// market-data normalizer and the ingestion pump.
package bus

import "context"

// Envelope is a canonical event produced by the normalizer.
type Envelope map[string]any

// Bus is a bounded FIFO queue. Publication is non-lossy: a full queue
// suspends the producer instead of dropping.
type Bus struct {
	ch chan Envelope
}

// New creates a bus with the given capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{ch: make(chan Envelope, capacity)}
}

// Publish enqueues an envelope, blocking while the queue is full. The
// parameter is the plain map shape so the bus satisfies publisher
// interfaces declared by producers.
func (b *Bus) Publish(ctx context.Context, event map[string]any) error {
	select {
	case b.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next envelope, blocking while the queue is empty.
func (b *Bus) Receive(ctx context.Context) (Envelope, error) {
	select {
	case ev := <-b.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive dequeues without blocking.
func (b *Bus) TryReceive() (Envelope, bool) {
	select {
	case ev := <-b.ch:
		return ev, true
	default:
		return nil, false
	}
}

// Len reports the number of queued envelopes.
func (b *Bus) Len() int { return len(b.ch) }
