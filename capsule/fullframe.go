package capsule

import (
	"context"
	"image"

	"gocv.io/x/gocv"
)

func init() {
	Register("fullframe", func(m Manifest) (Capsule, error) {
		return NewFullFrame(m.Name, m.Options), nil
	})
}

// FullFrame reports one detection covering the whole frame. It is useful to
// check the pipeline end to end and as a whole-frame mask.
type FullFrame struct {
	name string
	opts Options
}

func NewFullFrame(name string, opts Options) *FullFrame {
	f := &FullFrame{name: name}
	f.opts = f.defaults().Merge(opts)
	return f
}

func (f *FullFrame) defaults() Options {
	return Options{
		"class":      "frame",
		"confidence": 1.0,
	}
}

func (f *FullFrame) Name() string            { return f.name }
func (f *FullFrame) DefaultOptions() Options { return f.opts }
func (f *FullFrame) State(int) State         { return nil }
func (f *FullFrame) Close() error            { return nil }

func (f *FullFrame) Process(_ context.Context, frame gocv.Mat, opts Options, _ State) (Result, error) {
	w, h := frame.Cols(), frame.Rows()
	return &Detection{
		Class:      opts.String("class", "frame"),
		Confidence: float32(opts.Float("confidence", 1)),
		Rect:       image.Rect(0, 0, w, h),
		Coords: []image.Point{
			{X: 0, Y: 0},
			{X: w - 1, Y: 0},
			{X: w - 1, Y: h - 1},
			{X: 0, Y: h - 1},
		},
	}, nil
}
