package video

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"camml/capsule"
	"camml/video/sink"
	"camml/video/source"
)

// fakeDevice yields solid black frames of the given size.
type fakeDevice struct {
	width, height int
	failAll       bool
	closed        atomic.Int32
}

func (d *fakeDevice) Read(m *gocv.Mat) bool {
	time.Sleep(2 * time.Millisecond)
	if d.failAll {
		return false
	}
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), d.height, d.width, gocv.MatTypeCV8UC3)
	defer src.Close()
	src.CopyTo(m)
	return true
}

func (d *fakeDevice) Close() error {
	d.closed.Add(1)
	return nil
}

type recorded struct {
	seq        uint64
	rows, cols int
	data       []byte
}

type recordSink struct {
	order  sink.ChannelOrder
	lock   sync.Mutex
	frames []recorded
	closed atomic.Int32
}

func (r *recordSink) Order() sink.ChannelOrder {
	return r.order
}

func (r *recordSink) Put(input source.Image) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.frames = append(r.frames, recorded{
		seq:  input.Seq,
		rows: input.Mat.Rows(),
		cols: input.Mat.Cols(),
		data: input.Mat.ToBytes(),
	})
}

func (r *recordSink) Close() {
	r.closed.Add(1)
}

func (r *recordSink) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.frames)
}

func (r *recordSink) first() recorded {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.frames[0]
}

// gatedCapsule blocks in Process until gate is closed.
type gatedCapsule struct {
	gate   chan struct{}
	calls  atomic.Int32
	closed atomic.Int32
}

func (g *gatedCapsule) Name() string                    { return "gated" }
func (g *gatedCapsule) DefaultOptions() capsule.Options { return nil }
func (g *gatedCapsule) State(int) capsule.State         { return nil }

func (g *gatedCapsule) Process(ctx context.Context, _ gocv.Mat, _ capsule.Options, _ capsule.State) (capsule.Result, error) {
	g.calls.Add(1)
	<-g.gate
	return nil, nil
}

func (g *gatedCapsule) Close() error {
	g.closed.Add(1)
	return nil
}

// countingRuntime counts Close calls on a real runtime.
type countingRuntime struct {
	*capsule.Runtime
	closes atomic.Int32
}

func (c *countingRuntime) Close() {
	c.closes.Add(1)
	c.Runtime.Close()
}

// chanFrames feeds the loop from a channel; closing it ends the loop.
type chanFrames chan source.Image

func (c chanFrames) Get(ctx context.Context) (source.Image, error) {
	select {
	case img, ok := <-c:
		if !ok {
			return source.Image{}, source.ErrHandoffClosed
		}
		return img, nil
	case <-ctx.Done():
		return source.Image{}, ctx.Err()
	}
}

func solidImage(b, g, r float64, seq uint64) source.Image {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(b, g, r, 0), 2, 2, gocv.MatTypeCV8UC3)
	img := source.NewImage(m, time.Now())
	img.Seq = seq
	return img
}

func runtimeOptions() capsule.RuntimeOptions {
	return capsule.RuntimeOptions{
		AbandonTimeout: 50 * time.Millisecond,
		CloseTimeout:   50 * time.Millisecond,
	}
}
