// Package events carries pipeline notifications (state transitions, per-frame
// summaries) to interested listeners without coupling them to the pipeline.
package events

import (
	"github.com/kelindar/event"
)

const (
	TypeStateChanged uint32 = iota + 1
	TypeFrameProcessed
)

// Event is the contract required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChanged is published on every pipeline lifecycle transition.
type StateChanged struct {
	RunID string `json:"run_id"`
	From  string `json:"from"`
	To    string `json:"to"`
}

func (e StateChanged) Type() uint32 { return TypeStateChanged }

// DetectionSummary is a compact view of one detection.
type DetectionSummary struct {
	Capsule    string  `json:"capsule"`
	Class      string  `json:"class,omitempty"`
	Confidence float32 `json:"confidence,omitempty"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// FrameProcessed is published after a frame has been dispatched and rendered.
type FrameProcessed struct {
	Seq        uint64             `json:"seq"`
	Timestamp  float64            `json:"timestamp"`
	DispatchMs float64            `json:"dispatch_ms"`
	Detections []DetectionSummary `json:"detections"`
	Published  bool               `json:"published"`
}

func (e FrameProcessed) Type() uint32 { return TypeFrameProcessed }

// Bus wraps a kelindar/event dispatcher. A nil *Bus drops everything, so
// components can treat the bus as optional.
type Bus struct {
	dispatcher *event.Dispatcher
}

func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case FrameProcessed:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler, whose parameter type selects the events it
// receives. It returns an unsubscribe function.
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(StateChanged):
		return event.Subscribe(b.dispatcher, h)
	case func(FrameProcessed):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
