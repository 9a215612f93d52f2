package capsule

import (
	"context"
	"image"
	"sort"

	"gocv.io/x/gocv"
)

func init() {
	Register("motion", func(m Manifest) (Capsule, error) {
		return NewMotion(m.Name, m.Options), nil
	})
}

// Motion reports moving regions using MOG2 background subtraction. Each
// stream keeps its own background model.
type Motion struct {
	name string
	opts Options
}

func NewMotion(name string, opts Options) *Motion {
	return &Motion{
		name: name,
		opts: Options{
			"blur":        10,
			"threshold":   128.0,
			"min_area":    500.0,
			"max_regions": 10,
		}.Merge(opts),
	}
}

type motionState struct {
	d gocv.BackgroundSubtractorMOG2

	blurred, fg, mask, st3 gocv.Mat
}

func (m *Motion) Name() string            { return m.name }
func (m *Motion) DefaultOptions() Options { return m.opts }
func (m *Motion) Close() error            { return nil }

func (m *Motion) State(int) State {
	return &motionState{
		d:       gocv.NewBackgroundSubtractorMOG2(),
		blurred: gocv.NewMat(),
		fg:      gocv.NewMat(),
		mask:    gocv.NewMat(),
		st3:     gocv.GetStructuringElement(gocv.MorphCross, image.Point{X: 3, Y: 3}),
	}
}

// Release frees the background model and scratch buffers.
func (s *motionState) Release() {
	s.d.Close()
	s.blurred.Close()
	s.fg.Close()
	s.mask.Close()
	s.st3.Close()
}

func (m *Motion) Process(ctx context.Context, frame gocv.Mat, opts Options, state State) (Result, error) {
	s := state.(*motionState)

	k := opts.Int("blur", 10)
	gocv.Blur(frame, &s.blurred, image.Point{X: k, Y: k})
	s.d.Apply(s.blurred, &s.fg)
	gocv.Threshold(s.fg, &s.mask, float32(opts.Float("threshold", 128)), 255, gocv.ThresholdBinary)
	gocv.Erode(s.mask, &s.mask, s.st3)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contours := gocv.FindContours(s.mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := opts.Float("min_area", 500)
	var out Detections
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) < minArea {
			continue
		}
		out = append(out, &Detection{
			Class:      "motion",
			Confidence: 1,
			Rect:       gocv.BoundingRect(c),
			Coords:     c.ToPoints(),
		})
	}

	// Largest regions first.
	sort.SliceStable(out, func(i, j int) bool {
		return area(out[i].Rect) > area(out[j].Rect)
	})
	if n := opts.Int("max_regions", 10); n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
