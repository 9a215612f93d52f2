package video

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camml/capsule"
	"camml/events"
	"camml/render"
	"camml/video/sink"
	"camml/video/source"
)

// FrameSource is the capture side of the pipeline. *source.VideoCapture
// satisfies it.
type FrameSource interface {
	AddCallback(cb func(source.Image))
	Start()
	Close()
	Done() <-chan struct{}
	Err() error
}

// Runtime is the loaded capsule set. *capsule.Runtime satisfies it.
type Runtime interface {
	Dispatch(ctx context.Context, frame gocv.Mat) iter.Seq[*capsule.Detection]
	Close()
}

// LifecycleError reports a resource that could not be acquired at startup.
type LifecycleError struct {
	Stage string
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Stage, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

type EnvironmentOptions struct {
	RunID string

	// OpenSource opens and configures the capture device.
	OpenSource func() (FrameSource, error)

	// LoadCapsules loads the fixed capsule set.
	LoadCapsules func() (Runtime, error)

	// OpenSink opens the output device at the size of the first frame.
	OpenSink func(width, height int) (sink.Sink, error)

	Renderer    string
	RenderFunc  render.Func
	Bus         *events.Bus
	Preview     Preview
	OnLoopReady func(*Loop)

	// FirstFrameTimeout bounds the wait for the first captured frame.
	FirstFrameTimeout time.Duration

	// ShutdownTimeout bounds the whole teardown.
	ShutdownTimeout time.Duration
}

// Environment acquires the pipeline's resources in order (capture, capsules,
// output sink sized from the first frame), runs the Loop, and releases
// everything in reverse order exactly once on every exit path.
type Environment struct {
	opts    EnvironmentOptions
	state   *State
	handoff *source.Handoff

	// lock guards the acquired resources and started.
	lock    sync.Mutex
	source  FrameSource
	runtime Runtime
	out     sink.Sink
	started bool

	teardownOnce sync.Once
	tornDown     chan struct{}
	fatal        chan error
}

func NewEnvironment(opts EnvironmentOptions) *Environment {
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.RenderFunc == nil {
		opts.Renderer, opts.RenderFunc = "identity", render.Identity
	}
	return &Environment{
		opts:     opts,
		state:    NewState(opts.RunID, opts.Bus),
		handoff:  source.NewHandoff(),
		tornDown: make(chan struct{}),
		fatal:    make(chan error, 1),
	}
}

func (e *Environment) State() *State {
	return e.state
}

// HandoffStats reports frames delivered to and dropped before the loop.
func (e *Environment) HandoffStats() source.HandoffStats {
	return e.handoff.Stats()
}

// Run blocks until the pipeline stops: on ctx cancellation, Close, or a
// fatal capture error. Startup failures are returned as a *LifecycleError.
func (e *Environment) Run(ctx context.Context) error {
	e.lock.Lock()
	if e.started {
		e.lock.Unlock()
		return errors.New("environment already ran")
	}
	e.started = true
	e.lock.Unlock()

	defer e.teardown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			e.requestShutdown()
		case <-e.state.Stopping():
			cancel()
		}
	}()

	if e.state.Phase() != Uninitialized {
		return nil
	}

	log.Info("Starting capture")
	src, err := e.opts.OpenSource()
	if err != nil {
		return &LifecycleError{Stage: "capture", Err: err}
	}
	e.lock.Lock()
	e.source = src
	e.lock.Unlock()
	src.AddCallback(e.handoff.Put)
	src.Start()
	go e.watchSource(src)

	log.Info("Loading capsules")
	rt, err := e.opts.LoadCapsules()
	if err != nil {
		return &LifecycleError{Stage: "capsules", Err: err}
	}
	e.lock.Lock()
	e.runtime = rt
	e.lock.Unlock()

	first, err := e.firstFrame(ctx)
	if err != nil {
		if e.stopped(ctx) {
			return e.fatalErr()
		}
		return &LifecycleError{Stage: "first frame", Err: err}
	}
	defer first.Release()

	w, h := first.Mat.Cols(), first.Mat.Rows()
	log.Infof("Opening output at %dx%d", w, h)
	out, err := e.opts.OpenSink(w, h)
	if err != nil {
		return &LifecycleError{Stage: "output", Err: err}
	}
	e.lock.Lock()
	e.out = out
	e.lock.Unlock()

	if err := e.state.Transition(Running); err != nil {
		// Shutdown was requested while starting up.
		return e.fatalErr()
	}

	loop := NewLoop(e.handoff, rt, out, e.state)
	loop.SetRenderer(e.opts.Renderer, e.opts.RenderFunc)
	loop.SetBus(e.opts.Bus)
	if e.opts.Preview != nil {
		loop.SetPreview(e.opts.Preview)
	}
	if e.opts.OnLoopReady != nil {
		e.opts.OnLoopReady(loop)
	}

	loop.Process(ctx, first)
	if err := loop.Run(ctx); err != nil {
		return err
	}
	return e.fatalErr()
}

func (e *Environment) firstFrame(ctx context.Context) (source.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.FirstFrameTimeout)
	defer cancel()
	return e.handoff.Get(ctx)
}

// watchSource stops the pipeline when capture ends on its own.
func (e *Environment) watchSource(src FrameSource) {
	select {
	case <-src.Done():
	case <-e.tornDown:
		return
	}
	if err := src.Err(); err != nil {
		select {
		case e.fatal <- err:
		default:
		}
		log.Errorf("Capture failed: %v", err)
	}
	e.requestShutdown()
}

func (e *Environment) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || e.state.Phase() >= ShuttingDown
}

func (e *Environment) fatalErr() error {
	select {
	case err := <-e.fatal:
		return err
	default:
		return nil
	}
}

func (e *Environment) requestShutdown() {
	if e.state.Shutdown() {
		log.Info("Shutdown requested")
	}
	e.handoff.Close()
}

// Close requests shutdown and waits, up to ShutdownTimeout, for teardown to
// finish. It may be called from any goroutine and more than once.
func (e *Environment) Close() {
	e.requestShutdown()

	e.lock.Lock()
	started := e.started
	e.started = true
	e.lock.Unlock()
	if !started {
		e.teardown()
		return
	}

	t := time.NewTimer(e.opts.ShutdownTimeout + time.Second)
	defer t.Stop()
	select {
	case <-e.tornDown:
	case <-t.C:
		log.Warn("Timed out waiting for pipeline teardown")
	}
}

// teardown releases whatever was acquired, in reverse order, exactly once.
func (e *Environment) teardown() {
	e.teardownOnce.Do(func() {
		e.requestShutdown()
		deadline := time.Now().Add(e.opts.ShutdownTimeout)

		e.lock.Lock()
		out, rt, src := e.out, e.runtime, e.source
		e.lock.Unlock()

		if out != nil {
			closeWithin("output", deadline, out.Close)
		}
		if rt != nil {
			closeWithin("capsules", deadline, rt.Close)
		}
		if src != nil {
			closeWithin("capture", deadline, src.Close)
		}

		if err := e.state.Transition(Closed); err != nil {
			log.Errorf("Teardown: %v", err)
		}
		close(e.tornDown)
	})
}

// closeWithin runs fn, giving up waiting at deadline. fn keeps running in
// the background if it overruns.
func closeWithin(name string, deadline time.Time, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-done:
		log.Infof("Closed %s", name)
	case <-t.C:
		log.Warnf("Timed out closing %s", name)
	}
}
