package source

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// fakeDevice yields 2x2 frames whose first channel holds the read count.
// The first failFirst reads fail.
type fakeDevice struct {
	mu        sync.Mutex
	reads     int
	failFirst int
	failAll   bool
	closed    int32
}

func (d *fakeDevice) Read(m *gocv.Mat) bool {
	time.Sleep(time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.failAll || d.reads <= d.failFirst {
		return false
	}
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(d.reads%256), 0, 0, 0), 2, 2, gocv.MatTypeCV8UC3)
	defer src.Close()
	src.CopyTo(m)
	return true
}

func (d *fakeDevice) Close() error {
	atomic.AddInt32(&d.closed, 1)
	return nil
}

func testImage(v float64) Image {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, 0, 0, 0), 2, 2, gocv.MatTypeCV8UC3)
	return NewImage(m, time.Now())
}

func TestHandoffLatestFrameWins(t *testing.T) {
	h := NewHandoff()
	defer h.Close()

	f1 := testImage(1)
	f1.Seq = 1
	f2 := testImage(2)
	f2.Seq = 2
	h.Put(f1)
	h.Put(f2)

	got, err := h.Get(context.Background())
	require.NoError(t, err)
	defer got.Release()
	assert.EqualValues(t, 2, got.Seq)
	assert.EqualValues(t, 2, got.Mat.GetUCharAt(0, 0))

	stats := h.Stats()
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 1, stats.Dropped)
}

func TestHandoffPutNeverBlocks(t *testing.T) {
	h := NewHandoff()
	defer h.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			h.Put(testImage(float64(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Put blocked without a consumer")
	}
	assert.EqualValues(t, 99, h.Stats().Dropped)
}

func TestHandoffGetContext(t *testing.T) {
	h := NewHandoff()
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandoffClose(t *testing.T) {
	h := NewHandoff()
	h.Put(testImage(1))

	errc := make(chan error, 1)
	h.Close()
	go func() {
		// Drain anything left then observe the close.
		_, err := h.Get(context.Background())
		errc <- err
	}()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrHandoffClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Get did not return after Close")
	}

	// Put after Close releases the frame instead of queueing it.
	h.Put(testImage(2))
	h.Close()
}

func TestImageReleaseTwicePanics(t *testing.T) {
	img := testImage(0)
	img.Release()
	assert.Panics(t, func() { img.Release() })
}

func TestImageClone(t *testing.T) {
	img := testImage(7)
	img.Seq = 3
	c := img.Clone()
	img.Release()
	defer c.Release()
	assert.EqualValues(t, 3, c.Seq)
	assert.EqualValues(t, 7, c.Mat.GetUCharAt(0, 0))
}

func TestMatPoolReuse(t *testing.T) {
	p := NewMatPool()
	m := p.NewMat()
	assert.Equal(t, 1, p.Allocated())
	p.ReleaseMat(m)
	m2 := p.NewMat()
	assert.Equal(t, 1, p.Allocated())
	p.ReleaseMat(m2)
	p.Close()
	assert.Equal(t, 0, p.Allocated())
}

func TestVideoCaptureDeliversCopies(t *testing.T) {
	dev := &fakeDevice{}
	vc := NewVideoCapture(dev, CaptureOptions{Name: "fake"})

	var mu sync.Mutex
	var a, b []Image
	vc.AddCallback(func(img Image) {
		mu.Lock()
		defer mu.Unlock()
		a = append(a, img)
	})
	vc.AddCallback(func(img Image) {
		mu.Lock()
		defer mu.Unlock()
		b = append(b, img)
	})
	vc.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) >= 3
	}, 5*time.Second, time.Millisecond)
	vc.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Seq, b[i].Seq)
		a[i].Mat.SetUCharAt(0, 0, 255)
		assert.NotEqualValues(t, 255, b[i].Mat.GetUCharAt(0, 0))
		if i > 0 {
			assert.Greater(t, a[i].Seq, a[i-1].Seq)
			assert.GreaterOrEqual(t, a[i].Timestamp, a[i-1].Timestamp)
		}
	}
	for i := range a {
		a[i].Release()
		b[i].Release()
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&dev.closed))
}

func TestVideoCaptureNoCallbackAfterClose(t *testing.T) {
	dev := &fakeDevice{}
	vc := NewVideoCapture(dev, CaptureOptions{Name: "fake"})

	var closed atomic.Bool
	var late atomic.Int32
	vc.AddCallback(func(img Image) {
		if closed.Load() {
			late.Add(1)
		}
		img.Release()
	})
	vc.Start()
	time.Sleep(20 * time.Millisecond)

	vc.Close()
	closed.Store(true)
	vc.Close()
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, late.Load())
	assert.EqualValues(t, 1, atomic.LoadInt32(&dev.closed))
}

func TestVideoCaptureCloseBeforeStart(t *testing.T) {
	dev := &fakeDevice{}
	vc := NewVideoCapture(dev, CaptureOptions{})
	vc.Close()
	vc.Start()
	<-vc.Done()
	assert.EqualValues(t, 1, atomic.LoadInt32(&dev.closed))
}

func TestVideoCaptureRecoversFromReadFailures(t *testing.T) {
	dev := &fakeDevice{failFirst: 3}
	vc := NewVideoCapture(dev, CaptureOptions{
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 4 * time.Millisecond,
	})
	got := make(chan Image, 1)
	vc.AddCallback(func(img Image) {
		select {
		case got <- img:
		default:
			img.Release()
		}
	})
	vc.Start()
	defer vc.Close()

	select {
	case img := <-got:
		img.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("no frame after transient read failures")
	}
	assert.NoError(t, vc.Err())
}

func TestVideoCaptureGivesUp(t *testing.T) {
	dev := &fakeDevice{failAll: true}
	vc := NewVideoCapture(dev, CaptureOptions{
		Name:                   "dead",
		RetryDelay:             time.Millisecond,
		MaxRetryDelay:          time.Millisecond,
		MaxConsecutiveFailures: 3,
	})
	vc.Start()
	defer vc.Close()

	select {
	case <-vc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop")
	}
	err := vc.Err()
	require.Error(t, err)
	assert.True(t, IsDeviceError(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&dev.closed))
}
