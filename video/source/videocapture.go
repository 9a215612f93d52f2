package source

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camml/metrics"
	"camml/util"
)

// Device is a blocking frame reader. *gocv.VideoCapture satisfies it.
type Device interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// OpenDevice opens a camera by index ("0") or by path / URI ("/dev/video0").
// A non-zero size is passed to the driver as a resolution hint.
func OpenDevice(id string, size image.Point) (*gocv.VideoCapture, error) {
	var target interface{} = id
	if n, err := strconv.Atoi(id); err == nil {
		target = n
	}
	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, &DeviceError{Device: id, Op: "open", Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, &DeviceError{Device: id, Op: "open", Err: errors.New("capture not opened")}
	}
	if size.X > 0 && size.Y > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(size.X))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(size.Y))
	}
	return vc, nil
}

type CaptureOptions struct {
	// Name identifies the device in logs and errors.
	Name string

	// RetryDelay is the wait after the first failed read; it doubles on each
	// consecutive failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// MaxConsecutiveFailures ends capture with a DeviceError after this many
	// failed reads in a row. Zero retries forever.
	MaxConsecutiveFailures int

	// CloseTimeout bounds how long Close waits for an in-progress read.
	CloseTimeout time.Duration
}

func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		RetryDelay:    5 * time.Millisecond,
		MaxRetryDelay: time.Second,
		CloseTimeout:  5 * time.Second,
	}
}

// VideoCapture is the pipeline's frame source. A single goroutine reads the
// device and hands a private copy of every frame to each callback.
//
// Callbacks run on the capture goroutine and must return well within one
// frame interval (about 30ms at 30fps); anything slower stalls capture.
type VideoCapture struct {
	opts CaptureOptions
	dev  Device
	pool *MatPool

	// cbLock is held while callbacks run, so Close can fence them off.
	cbLock    sync.RWMutex
	callbacks []func(Image)
	stopped   bool

	stop      chan struct{}
	done      *util.Event
	startOnce sync.Once
	closeOnce sync.Once
	devOnce   sync.Once
	started   atomic.Bool

	errLock sync.Mutex
	err     error

	seq   uint64
	epoch time.Time
}

func NewVideoCapture(dev Device, opts CaptureOptions) *VideoCapture {
	def := DefaultCaptureOptions()
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = def.MaxRetryDelay
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = def.CloseTimeout
	}
	return &VideoCapture{
		opts: opts,
		dev:  dev,
		pool: NewMatPool(),
		stop: make(chan struct{}),
		done: util.NewEvent(),
	}
}

func (v *VideoCapture) AddCallback(cb func(Image)) {
	v.cbLock.Lock()
	defer v.cbLock.Unlock()
	v.callbacks = append(v.callbacks, cb)
}

// Start runs the capture loop on a new goroutine.
func (v *VideoCapture) Start() {
	v.startOnce.Do(func() {
		v.started.Store(true)
		go v.loop()
	})
}

// Run runs the capture loop on the calling goroutine until Close is called
// or the device fails permanently.
func (v *VideoCapture) Run() {
	ran := false
	v.startOnce.Do(func() {
		ran = true
		v.started.Store(true)
	})
	if !ran {
		v.done.Wait()
		return
	}
	v.loop()
}

// Done is closed when the capture loop has exited.
func (v *VideoCapture) Done() <-chan struct{} {
	return v.done.Done()
}

// Err returns the error that ended capture, if any.
func (v *VideoCapture) Err() error {
	v.errLock.Lock()
	defer v.errLock.Unlock()
	return v.err
}

func (v *VideoCapture) loop() {
	defer func() {
		v.releaseDevice()
		v.done.Notify()
	}()

	clog := log.WithField("device", v.opts.Name)
	clog.Info("Capture started")
	defer clog.Info("Capture stopped")

	buf := gocv.NewMat()
	defer buf.Close()

	backoff := &util.Backoff{Initial: v.opts.RetryDelay, Max: v.opts.MaxRetryDelay}
	v.epoch = time.Now()

	for {
		select {
		case <-v.stop:
			return
		default:
		}

		ok := v.dev.Read(&buf)
		now := time.Now()

		if !ok || buf.Empty() {
			metrics.CaptureReadFailed()
			delay := backoff.Next()
			if backoff.Attempts() == 1 {
				clog.Warn("Read failure.")
			}
			if v.opts.MaxConsecutiveFailures > 0 && backoff.Attempts() >= v.opts.MaxConsecutiveFailures {
				v.setErr(&DeviceError{
					Device: v.opts.Name,
					Op:     "read",
					Err:    fmt.Errorf("%d consecutive read failures", backoff.Attempts()),
				})
				clog.Error("Giving up on capture device")
				return
			}
			t := time.NewTimer(delay)
			select {
			case <-v.stop:
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		if n := backoff.Attempts(); n > 0 {
			clog.Infof("Capture recovered after %d failed reads", n)
			backoff.Reset()
		}
		metrics.FrameCaptured()
		v.deliver(buf, now)
	}
}

func (v *VideoCapture) deliver(buf gocv.Mat, t time.Time) {
	v.cbLock.RLock()
	defer v.cbLock.RUnlock()
	if v.stopped {
		return
	}
	v.seq++
	for _, cb := range v.callbacks {
		m := v.pool.NewMat()
		buf.CopyTo(&m)
		cb(Image{
			Mat:       m,
			Time:      t,
			Timestamp: t.Sub(v.epoch).Seconds(),
			Seq:       v.seq,
			pool:      v.pool,
		})
	}
}

func (v *VideoCapture) setErr(err error) {
	v.errLock.Lock()
	defer v.errLock.Unlock()
	v.err = err
}

func (v *VideoCapture) releaseDevice() {
	v.devOnce.Do(func() {
		if err := v.dev.Close(); err != nil {
			log.WithField("device", v.opts.Name).Errorf("Failed to release capture device: %v", err)
		}
	})
}

// Close stops capture and releases the device. It is idempotent and safe to
// call while the loop is blocked in a read: callbacks are fenced off first,
// then the loop gets CloseTimeout to notice the stop and release the device
// itself.
func (v *VideoCapture) Close() {
	v.closeOnce.Do(func() {
		v.cbLock.Lock()
		v.stopped = true
		v.cbLock.Unlock()
		close(v.stop)

		if !v.started.Load() {
			// Claim the loop so a late Start or Run is a no-op.
			v.startOnce.Do(func() {})
			v.releaseDevice()
			v.done.Notify()
		} else if !v.done.WaitTimeout(v.opts.CloseTimeout) {
			log.WithField("device", v.opts.Name).Warnf("Capture loop still blocked in read after %v; device will be released when it returns", v.opts.CloseTimeout)
		}
		v.pool.Close()
	})
}
