package source

import (
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Image is one captured BGR frame together with its capture time.
type Image struct {
	Mat gocv.Mat
	// Time is the wall clock capture time; it carries Go's monotonic reading.
	Time time.Time
	// Timestamp is the capture time in seconds since the source started,
	// measured on the monotonic clock.
	Timestamp float64
	// Seq numbers frames in capture order, starting at 1.
	Seq uint64

	pool   *MatPool
	closed bool
}

// Release frees the underlying Mat, handing it back to its pool when it has
// one. Releasing twice panics.
func (i *Image) Release() {
	if i.closed {
		panic("image already released")
	}
	i.closed = true
	if i.pool != nil {
		i.pool.ReleaseMat(i.Mat)
		return
	}
	i.Mat.Close()
}

// Seconds returns the monotonic capture time in seconds since the source
// started.
func (i *Image) Seconds() float64 {
	return i.Timestamp
}

// Clone returns an independent, unpooled copy.
func (i *Image) Clone() Image {
	n := Image{
		Mat:       gocv.NewMat(),
		Time:      i.Time,
		Timestamp: i.Timestamp,
		Seq:       i.Seq,
	}
	i.Mat.CopyTo(&n.Mat)
	return n
}

// NewImage wraps m, taking ownership of it.
func NewImage(m gocv.Mat, t time.Time) Image {
	return Image{
		Mat:  m,
		Time: t,
	}
}

// Source defines a stream of images, such as a camera.
type Source interface {
	// AddCallback registers a function receiving every captured frame. Each
	// callback owns the Image it is given and must Release it.
	AddCallback(cb func(Image))

	// Start begins capturing on a separate goroutine.
	Start()

	// Close stops capturing and frees the device. No callback runs after
	// Close returns.
	Close()
}

// DeviceError reports a capture or output device that cannot be opened,
// read or written.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsDeviceError reports whether err wraps a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
