package sink

import (
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"camml/video/source"
)

// FakeWebcam writes raw RGB24 frames to a v4l2loopback device so other
// applications can open it as a camera.
type FakeWebcam struct {
	device string
	width  int
	height int

	lock   sync.Mutex
	w      io.WriteCloser
	failed bool
	closed bool
}

func newFakeWebcam(device string, w io.WriteCloser, width, height int) *FakeWebcam {
	return &FakeWebcam{
		device: device,
		width:  width,
		height: height,
		w:      w,
	}
}

func (f *FakeWebcam) Order() ChannelOrder {
	return RGB
}

func (f *FakeWebcam) Put(input source.Image) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return
	}
	if input.Mat.Cols() != f.width || input.Mat.Rows() != f.height {
		log.WithField("device", f.device).Errorf("Dropping %dx%d frame for %dx%d output",
			input.Mat.Cols(), input.Mat.Rows(), f.width, f.height)
		return
	}
	if _, err := f.w.Write(input.Mat.ToBytes()); err != nil {
		// Log once per failure streak; a loopback device with no reader can
		// fail every frame.
		if !f.failed {
			log.WithField("device", f.device).Errorf("Error writing frame: %v", err)
		}
		f.failed = true
		return
	}
	if f.failed {
		log.WithField("device", f.device).Info("Output writes recovered")
		f.failed = false
	}
}

func (f *FakeWebcam) Close() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if err := f.w.Close(); err != nil {
		log.WithField("device", f.device).Errorf("Error closing output device: %v", err)
	}
}

func (f *FakeWebcam) String() string {
	return fmt.Sprintf("FakeWebcam(%s %dx%d)", f.device, f.width, f.height)
}
