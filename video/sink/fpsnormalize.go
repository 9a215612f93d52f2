package sink

import (
	"time"

	"gocv.io/x/gocv"

	"camml/video/source"
)

// FPSNormalize wraps another Sink so that an incoming stream of variable-timed
// video is converted to fixed-rate video. Virtual camera consumers often
// assume a steady frame rate while the pipeline's rate follows the slowest
// capsule. Frames will be dropped or repeated in order to achieve the target
// frame rate.
type FPSNormalize struct {
	// sink is the wrapped Sink which will receive a FPS-normalized stream.
	sink Sink

	frameDur time.Duration
	last     gocv.Mat
	curFrame time.Time
}

// NewFPSNormalize creates an FPSNormalize, wrapping the provided sink and
// exporting at the given frame rate.
func NewFPSNormalize(sink Sink, fps int) *FPSNormalize {
	return &FPSNormalize{
		sink:     sink,
		frameDur: time.Second / time.Duration(fps),
		last:     gocv.NewMat(),
	}
}

// Order passes through the wrapped sink's channel order.
func (f *FPSNormalize) Order() ChannelOrder {
	return OrderOf(f.sink)
}

func (f *FPSNormalize) Close() {
	f.sink.Close()
	f.last.Close()
}

func (f *FPSNormalize) Put(input source.Image) {
	if f.curFrame.IsZero() {
		f.sink.Put(input)
		input.Mat.CopyTo(&f.last)
		f.curFrame = input.Time
		return
	}

	nextFrame := f.curFrame.Add(f.frameDur)
	if input.Time.Before(nextFrame) {
		// Don't need a new frame yet.
		return
	}

	for {
		f.curFrame = nextFrame
		nextFrame = f.curFrame.Add(f.frameDur)
		if input.Time.Before(nextFrame) {
			f.sink.Put(source.Image{
				Mat:       input.Mat,
				Time:      f.curFrame,
				Timestamp: input.Timestamp,
				Seq:       input.Seq,
			})
			input.Mat.CopyTo(&f.last)
			return
		}
		// Missed a frame slot. Repeat the last frame.
		f.sink.Put(source.Image{
			Mat:  f.last,
			Time: f.curFrame,
		})
	}
}
