package source

import (
	"context"
	"errors"
	"sync"

	"camml/metrics"
)

var ErrHandoffClosed = errors.New("handoff closed")

// HandoffStats counts frames that went through the handoff.
type HandoffStats struct {
	Delivered uint64
	Dropped   uint64
}

// Handoff is a single-slot mailbox between the capture goroutine and the
// pipeline. Put never blocks: a frame still waiting when the next one arrives
// is released and replaced, so the consumer always gets the freshest frame.
type Handoff struct {
	// mu serializes producers and guards closed and stats. Consumers only
	// receive from slot.
	mu     sync.Mutex
	slot   chan Image
	done   chan struct{}
	closed bool
	stats  HandoffStats
}

func NewHandoff() *Handoff {
	return &Handoff{
		slot: make(chan Image, 1),
		done: make(chan struct{}),
	}
}

// Put stores img, taking ownership of it. Its signature matches a Source
// callback.
func (h *Handoff) Put(img Image) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		img.Release()
		return
	}
	select {
	case stale := <-h.slot:
		stale.Release()
		h.stats.Dropped++
		metrics.HandoffDropped()
	default:
	}
	// The slot is empty and only producers holding mu fill it.
	h.slot <- img
}

// Get blocks until a frame is available, ctx is done or the handoff is
// closed. The caller owns the returned Image.
func (h *Handoff) Get(ctx context.Context) (Image, error) {
	select {
	case img := <-h.slot:
		h.mu.Lock()
		h.stats.Delivered++
		h.mu.Unlock()
		return img, nil
	case <-ctx.Done():
		return Image{}, ctx.Err()
	case <-h.done:
		return Image{}, ErrHandoffClosed
	}
}

func (h *Handoff) Stats() HandoffStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Close wakes blocked consumers and releases any pending frame.
func (h *Handoff) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	select {
	case stale := <-h.slot:
		stale.Release()
	default:
	}
}
