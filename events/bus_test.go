package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversByType(t *testing.T) {
	bus := New()
	states := make(chan StateChanged, 1)
	frames := make(chan FrameProcessed, 1)

	unsubState := bus.Subscribe(func(e StateChanged) { states <- e })
	defer unsubState()
	unsubFrame := bus.Subscribe(func(e FrameProcessed) { frames <- e })
	defer unsubFrame()

	bus.Publish(StateChanged{RunID: "r", From: "uninitialized", To: "running"})

	select {
	case got := <-states:
		assert.Equal(t, "running", got.To)
	case <-time.After(time.Second):
		t.Fatal("state event not delivered")
	}

	bus.Publish(FrameProcessed{Seq: 7})
	select {
	case got := <-frames:
		assert.Equal(t, uint64(7), got.Seq)
	case <-time.After(time.Second):
		t.Fatal("frame event not delivered")
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	require.NotPanics(t, func() {
		bus.Publish(StateChanged{})
		bus.Subscribe(func(StateChanged) {})()
	})
}
