package capsule

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camml/metrics"
)

type RuntimeOptions struct {
	// Workers sizes the pool. It is raised to one per capsule when lower.
	Workers int

	// AbandonTimeout bounds how long a cancelled or abandoned dispatch waits
	// for in-flight capsules before returning.
	AbandonTimeout time.Duration

	// BreakerThreshold consecutive failures skip a capsule for
	// BreakerCooldown. Zero disables circuit breaking.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// CloseTimeout bounds how long Close waits for the worker pool.
	CloseTimeout time.Duration
}

func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		AbandonTimeout:  2 * time.Second,
		BreakerCooldown: 30 * time.Second,
		CloseTimeout:    5 * time.Second,
	}
}

// unit is a loaded capsule with its resolved options and stream state.
type unit struct {
	capsule Capsule
	name    string
	opts    Options
	state   State
	breaker *breaker

	// lock guards busy and closing. A capsule abandoned mid-call is closed
	// by its invocation when it finally returns.
	lock      sync.Mutex
	busy      bool
	closing   bool
	closeOnce sync.Once
}

func (u *unit) acquire() bool {
	u.lock.Lock()
	defer u.lock.Unlock()
	if u.busy || u.closing {
		return false
	}
	u.busy = true
	return true
}

func (u *unit) release() {
	u.lock.Lock()
	u.busy = false
	closing := u.closing
	u.lock.Unlock()
	if closing {
		u.close()
	}
}

// shutdown closes the capsule now if it is idle, otherwise when its current
// invocation returns.
func (u *unit) shutdown() {
	u.lock.Lock()
	u.closing = true
	busy := u.busy
	u.lock.Unlock()
	if busy {
		log.WithField("capsule", u.name).Warn("Capsule still running; closing it when the call returns")
		return
	}
	u.close()
}

// releaser is implemented by State handles holding native resources.
type releaser interface {
	Release()
}

func (u *unit) close() {
	u.closeOnce.Do(func() {
		if r, ok := u.state.(releaser); ok {
			r.Release()
		}
		if err := u.capsule.Close(); err != nil {
			log.WithField("capsule", u.name).Errorf("Failed to close capsule: %v", err)
		}
	})
}

// sharedFrame is one dispatch wave's private copy of the input frame. Every
// invocation holds a reference and the last one to finish frees it.
type sharedFrame struct {
	mat  gocv.Mat
	refs atomic.Int32
}

func newSharedFrame(frame gocv.Mat, refs int) *sharedFrame {
	f := &sharedFrame{mat: frame.Clone()}
	f.refs.Store(int32(refs))
	return f
}

func (f *sharedFrame) release() {
	if f.refs.Add(-1) == 0 {
		f.mat.Close()
	}
}

// outcome is the result of one invocation, failure included.
type outcome struct {
	unit    *unit
	records []*Detection
	err     error
	elapsed time.Duration
}

// Runtime dispatches frames to a fixed set of capsules on a shared worker
// pool.
type Runtime struct {
	opts   RuntimeOptions
	units  []*unit
	pool   *Pool
	closed atomic.Bool
	once   sync.Once
}

// NewRuntime takes ownership of capsules; Close closes them.
func NewRuntime(capsules []Capsule, opts RuntimeOptions) *Runtime {
	def := DefaultRuntimeOptions()
	if opts.AbandonTimeout <= 0 {
		opts.AbandonTimeout = def.AbandonTimeout
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = def.BreakerCooldown
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = def.CloseTimeout
	}
	if opts.Workers < len(capsules) {
		if opts.Workers > 0 {
			log.Warnf("Raising workers from %d to %d, one per capsule", opts.Workers, len(capsules))
		}
		opts.Workers = len(capsules)
	}

	r := &Runtime{
		opts: opts,
		pool: NewPool(opts.Workers),
	}
	for _, c := range capsules {
		r.units = append(r.units, &unit{
			capsule: c,
			name:    c.Name(),
			opts:    c.DefaultOptions(),
			state:   c.State(0),
			breaker: newBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		})
	}
	return r
}

// Capsules returns the loaded capsule names in load order.
func (r *Runtime) Capsules() []string {
	var names []string
	for _, u := range r.units {
		names = append(names, u.name)
	}
	return names
}

// Dispatch runs every capsule once against frame and yields their records as
// the invocations complete: completion order across capsules, each capsule's
// own order within its result. A failed capsule contributes nothing.
//
// Work starts when the sequence is iterated. frame is copied before the
// first invocation, so the caller may release it as soon as iteration ends.
// Breaking out of the loop or cancelling ctx stops the sequence; the
// iteration then waits at most AbandonTimeout for capsules still running.
func (r *Runtime) Dispatch(ctx context.Context, frame gocv.Mat) iter.Seq[*Detection] {
	return func(yield func(*Detection) bool) {
		if r.closed.Load() {
			return
		}
		start := time.Now()
		defer func() {
			metrics.ObserveDispatch(time.Since(start))
		}()

		var active []*unit
		for _, u := range r.units {
			if !u.breaker.allow() {
				metrics.CapsuleSkipped(u.name)
				continue
			}
			if !u.acquire() {
				// Still running from an abandoned dispatch.
				log.WithField("capsule", u.name).Debug("Skipping busy capsule")
				metrics.CapsuleSkipped(u.name)
				continue
			}
			active = append(active, u)
		}
		if len(active) == 0 {
			return
		}

		wave := newSharedFrame(frame, len(active))
		outcomes := make(chan outcome, len(active))
		pending := 0
		for _, u := range active {
			u := u
			err := r.pool.Submit(ctx, func() {
				outcomes <- r.invoke(ctx, u, wave)
			})
			if err != nil {
				wave.release()
				u.release()
				if !errors.Is(err, ErrPoolClosed) && ctx.Err() == nil {
					r.settle(outcome{unit: u, err: err})
				}
				continue
			}
			pending++
		}

		for pending > 0 {
			select {
			case o := <-outcomes:
				pending--
				for _, d := range r.settle(o) {
					if !yield(d) {
						r.abandon(outcomes, pending)
						return
					}
				}
			case <-ctx.Done():
				r.abandon(outcomes, pending)
				return
			}
		}
	}
}

// ProcessFrame runs Dispatch to completion and collects the records.
func (r *Runtime) ProcessFrame(ctx context.Context, frame gocv.Mat) []*Detection {
	return slices.Collect(r.Dispatch(ctx, frame))
}

func (r *Runtime) invoke(ctx context.Context, u *unit, f *sharedFrame) (o outcome) {
	o.unit = u
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			o.records = nil
			o.err = fmt.Errorf("panic: %v", p)
		}
		o.elapsed = time.Since(start)
		f.release()
		u.release()
	}()

	res, err := u.capsule.Process(ctx, f.mat, u.opts, u.state)
	if err != nil {
		o.err = err
		return o
	}
	o.records = Flatten(res)
	return o
}

// settle logs and counts an outcome and returns the records it contributes.
func (r *Runtime) settle(o outcome) []*Detection {
	u := o.unit
	metrics.ObserveCapsule(u.name, o.elapsed, len(o.records), o.err)
	if o.err != nil {
		err := &UnitInvocationError{Capsule: u.name, Err: o.err}
		clog := log.WithField("capsule", u.name)
		clog.Warn(err)
		if u.breaker.record(err) {
			clog.Errorf("Capsule failed %d times in a row; skipping it for %v", r.opts.BreakerThreshold, r.opts.BreakerCooldown)
		}
		return nil
	}
	u.breaker.record(nil)
	for _, d := range o.records {
		if d.Capsule == "" {
			d.Capsule = u.name
		}
	}
	return o.records
}

// abandon waits up to AbandonTimeout for pending outcomes without yielding
// them, then leaves any stragglers to finish in the background.
func (r *Runtime) abandon(outcomes <-chan outcome, pending int) {
	if pending == 0 {
		return
	}
	t := time.NewTimer(r.opts.AbandonTimeout)
	defer t.Stop()
	for pending > 0 {
		select {
		case o := <-outcomes:
			pending--
			r.settle(o)
		case <-t.C:
			log.Warnf("Abandoning %d capsule calls still running after %v", pending, r.opts.AbandonTimeout)
			go func(n int) {
				for ; n > 0; n-- {
					r.settle(<-outcomes)
				}
			}(pending)
			return
		}
	}
}

// Close shuts down the worker pool and then closes every capsule once.
// Capsules still running from an abandoned dispatch are closed when their
// call returns.
func (r *Runtime) Close() {
	r.once.Do(func() {
		r.closed.Store(true)
		r.pool.Close(r.opts.CloseTimeout)
		for _, u := range r.units {
			u.shutdown()
		}
		log.Info("Capsule runtime closed")
	})
}
