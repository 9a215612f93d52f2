package video

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camml/capsule"
	"camml/render"
	"camml/video/sink"
	"camml/video/source"
)

type envFixture struct {
	dev     *fakeDevice
	out     *recordSink
	runtime *countingRuntime
	env     *Environment
}

func newFixture(capsules []capsule.Capsule, mutate func(*EnvironmentOptions)) *envFixture {
	f := &envFixture{
		dev: &fakeDevice{width: 2, height: 2},
		out: &recordSink{},
	}
	opts := EnvironmentOptions{
		RunID: "test",
		OpenSource: func() (FrameSource, error) {
			return source.NewVideoCapture(f.dev, source.CaptureOptions{
				Name:                   "fake",
				RetryDelay:             time.Millisecond,
				MaxRetryDelay:          time.Millisecond,
				MaxConsecutiveFailures: 3,
				CloseTimeout:           time.Second,
			}), nil
		},
		LoadCapsules: func() (Runtime, error) {
			f.runtime = &countingRuntime{Runtime: capsule.NewRuntime(capsules, runtimeOptions())}
			return f.runtime, nil
		},
		OpenSink: func(width, height int) (sink.Sink, error) {
			return f.out, nil
		},
		Renderer:          "identity",
		RenderFunc:        render.Identity,
		FirstFrameTimeout: 5 * time.Second,
		ShutdownTimeout:   2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.env = NewEnvironment(opts)
	return f
}

func (f *envFixture) start() chan error {
	errc := make(chan error, 1)
	go func() { errc <- f.env.Run(context.Background()) }()
	return errc
}

func wait(t *testing.T, errc chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestEnvironmentEndToEnd(t *testing.T) {
	f := newFixture([]capsule.Capsule{capsule.NewFullFrame("whole", nil)}, nil)
	errc := f.start()

	require.Eventually(t, func() bool { return f.out.count() > 0 }, 5*time.Second, time.Millisecond)
	f.env.Close()
	require.NoError(t, wait(t, errc))

	first := f.out.first()
	assert.Equal(t, 2, first.rows)
	assert.Equal(t, 2, first.cols)
	assert.Equal(t, make([]byte, 2*2*3), first.data)

	assert.Equal(t, Closed, f.env.State().Phase())
	assert.EqualValues(t, 1, f.dev.closed.Load())
	assert.EqualValues(t, 1, f.out.closed.Load())
	assert.EqualValues(t, 1, f.runtime.closes.Load())
}

func TestEnvironmentShutdownDuringDispatch(t *testing.T) {
	gated := &gatedCapsule{gate: make(chan struct{})}
	f := newFixture([]capsule.Capsule{gated}, nil)
	errc := f.start()

	require.Eventually(t, func() bool { return gated.calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		f.env.Close()
		f.env.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close deadlocked during dispatch")
	}
	require.NoError(t, wait(t, errc))

	assert.Zero(t, f.out.count())
	assert.EqualValues(t, 1, f.dev.closed.Load())
	assert.EqualValues(t, 1, f.runtime.closes.Load())
	assert.EqualValues(t, 1, f.out.closed.Load())

	// The stuck capsule is released once its call returns.
	close(gated.gate)
	assert.Eventually(t, func() bool { return gated.closed.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.EqualValues(t, 1, gated.calls.Load())
}

func TestEnvironmentCapsuleLoadFailure(t *testing.T) {
	f := newFixture(nil, func(o *EnvironmentOptions) {
		o.LoadCapsules = func() (Runtime, error) {
			return nil, errors.New("no capsules dir")
		}
	})
	err := wait(t, f.start())

	var le *LifecycleError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "capsules", le.Stage)
	assert.EqualValues(t, 1, f.dev.closed.Load())
	assert.Equal(t, Closed, f.env.State().Phase())
}

func TestEnvironmentSinkFailure(t *testing.T) {
	f := newFixture(nil, func(o *EnvironmentOptions) {
		o.OpenSink = func(int, int) (sink.Sink, error) {
			return nil, &source.DeviceError{Device: "/dev/video9", Op: "open", Err: errors.New("missing")}
		}
	})
	err := wait(t, f.start())

	var le *LifecycleError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "output", le.Stage)
	assert.True(t, source.IsDeviceError(err))
	assert.EqualValues(t, 1, f.runtime.closes.Load())
	assert.EqualValues(t, 1, f.dev.closed.Load())
}

func TestEnvironmentCaptureFailure(t *testing.T) {
	f := newFixture(nil, nil)
	f.dev.failAll = true
	err := wait(t, f.start())

	require.Error(t, err)
	assert.True(t, source.IsDeviceError(err))
	assert.EqualValues(t, 1, f.dev.closed.Load())
	assert.EqualValues(t, 1, f.runtime.closes.Load())
}

func TestEnvironmentCloseBeforeRun(t *testing.T) {
	f := newFixture(nil, nil)
	f.env.Close()
	assert.Equal(t, Closed, f.env.State().Phase())
	assert.Error(t, f.env.Run(context.Background()))
	assert.Zero(t, f.dev.closed.Load())
}

func TestEnvironmentContextCancel(t *testing.T) {
	f := newFixture(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.env.Run(ctx) }()

	require.Eventually(t, func() bool { return f.out.count() > 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, wait(t, errc))
	assert.EqualValues(t, 1, f.dev.closed.Load())
}
