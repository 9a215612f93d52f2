package video

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camml/capsule"
	"camml/events"
	"camml/metrics"
	"camml/render"
	"camml/video/sink"
	"camml/video/source"
)

// Frames is the consumer side of the capture handoff.
type Frames interface {
	Get(ctx context.Context) (source.Image, error)
}

// Dispatcher runs every capsule against a frame.
type Dispatcher interface {
	Dispatch(ctx context.Context, frame gocv.Mat) iter.Seq[*capsule.Detection]
}

// Preview receives the raw and rendered frames for debugging.
type Preview interface {
	Put(name string, img gocv.Mat)
}

type renderer struct {
	name string
	fn   render.Func
}

// Loop is the steady-state pipeline: wait for a frame, dispatch it to the
// capsules, render, publish. One frame is in flight at a time.
type Loop struct {
	frames  Frames
	runtime Dispatcher
	sink    sink.Sink
	state   *State
	bus     *events.Bus
	preview Preview

	renderer atomic.Pointer[renderer]
}

func NewLoop(frames Frames, runtime Dispatcher, out sink.Sink, state *State) *Loop {
	l := &Loop{
		frames:  frames,
		runtime: runtime,
		sink:    out,
		state:   state,
	}
	l.SetRenderer("identity", render.Identity)
	return l
}

// SetBus publishes a FrameProcessed event per frame on bus.
func (l *Loop) SetBus(bus *events.Bus) {
	l.bus = bus
}

func (l *Loop) SetPreview(p Preview) {
	l.preview = p
}

// SetRenderer swaps the rendering function. It takes effect from the next
// frame and is safe to call while the loop runs.
func (l *Loop) SetRenderer(name string, fn render.Func) {
	l.renderer.Store(&renderer{name: name, fn: fn})
	log.Infof("Using renderer %q", name)
}

// Renderer returns the name of the current rendering function.
func (l *Loop) Renderer() string {
	return l.renderer.Load().name
}

// Run processes frames until the state leaves Running, the frames source
// closes or ctx is done. Shutdown is not an error.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.state.Stopping():
			cancel()
		case <-ctx.Done():
		}
	}()

	for l.state.Running() {
		img, err := l.frames.Get(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, source.ErrHandoffClosed) {
				return nil
			}
			return fmt.Errorf("wait for frame: %w", err)
		}
		l.Process(ctx, img)
		img.Release()
	}
	return nil
}

// Process runs one frame through dispatch, render and publish. It does not
// take ownership of img.
func (l *Loop) Process(ctx context.Context, img source.Image) {
	flog := log.WithField("seq", img.Seq)

	start := time.Now()
	var results []*capsule.Detection
	for d := range l.runtime.Dispatch(ctx, img.Mat) {
		results = append(results, d)
	}
	dispatched := time.Since(start)

	ev := events.FrameProcessed{
		Seq:        img.Seq,
		Timestamp:  img.Timestamp,
		DispatchMs: float64(dispatched.Microseconds()) / 1000,
		Detections: summarize(results),
	}

	ran := l.state.WhileRunning(func() {
		if ctx.Err() != nil {
			return
		}
		r := l.renderer.Load()
		out, err := renderSafely(r, img.Mat, results)
		if err != nil {
			metrics.RenderFailed()
			flog.Warn(err)
			return
		}
		defer out.Close()
		if render.Stamped(r.name) {
			render.Stamp(&out, img.Time)
		}

		if l.preview != nil {
			l.preview.Put(sink.StreamRaw, img.Mat)
			l.preview.Put(sink.StreamRendered, out)
		}
		if sink.OrderOf(l.sink) == sink.RGB {
			gocv.CvtColor(out, &out, gocv.ColorBGRToRGB)
		}
		l.sink.Put(source.Image{
			Mat:       out,
			Time:      img.Time,
			Timestamp: img.Timestamp,
			Seq:       img.Seq,
		})
		metrics.FramePublished()
		ev.Published = true
	})
	if !ran {
		flog.Debug("Dropping frame after shutdown began")
		return
	}
	l.bus.Publish(ev)
}

// renderSafely calls the renderer, turning failures and panics into a
// RenderError. The returned Mat is only valid without an error.
func renderSafely(r *renderer, frame gocv.Mat, results []*capsule.Detection) (out gocv.Mat, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &render.RenderError{Renderer: r.name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	out, err = r.fn(frame, results)
	if err != nil {
		return gocv.Mat{}, &render.RenderError{Renderer: r.name, Err: err}
	}
	return out, nil
}

func summarize(results []*capsule.Detection) []events.DetectionSummary {
	out := make([]events.DetectionSummary, 0, len(results))
	for _, d := range results {
		out = append(out, events.DetectionSummary{
			Capsule:    d.Capsule,
			Class:      d.Class,
			Confidence: d.Confidence,
			X:          d.Rect.Min.X,
			Y:          d.Rect.Min.Y,
			Width:      d.Rect.Dx(),
			Height:     d.Rect.Dy(),
		})
	}
	return out
}
