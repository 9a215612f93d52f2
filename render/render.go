// Package render turns a frame and its capsule results into the frame that
// is published to the virtual camera.
package render

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"

	"gocv.io/x/gocv"

	"camml/capsule"
)

// Func renders a display frame. It must not modify frame and returns a new
// BGR Mat owned by the caller, no larger than frame. On error the returned
// Mat is not used.
type Func func(frame gocv.Mat, results []*capsule.Detection) (gocv.Mat, error)

// RenderError reports a failed render. The frame is skipped.
type RenderError struct {
	Renderer string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Renderer, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

var errEmptyFrame = errors.New("empty frame")

var registry = map[string]Func{
	"identity":    Identity,
	"only_bboxes": OnlyBoxes,
	"only_masks":  OnlyMasks,
	"boxes":       Boxes,
}

// Lookup returns the renderer registered as name.
func Lookup(name string) (Func, error) {
	if f, ok := registry[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("unknown renderer %q (known: %s)", name, strings.Join(Names(), ", "))
}

func Names() []string {
	var names []string
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Identity returns an unchanged copy of frame.
func Identity(frame gocv.Mat, _ []*capsule.Detection) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.Mat{}, errEmptyFrame
	}
	return frame.Clone(), nil
}

// black returns a zeroed frame of the same size and type as frame.
func black(frame gocv.Mat) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), frame.Rows(), frame.Cols(), frame.Type())
}

func bounds(frame gocv.Mat) image.Rectangle {
	return image.Rect(0, 0, frame.Cols(), frame.Rows())
}

// OnlyBoxes shows only the contents of each detection's bounding box on a
// black background.
func OnlyBoxes(frame gocv.Mat, results []*capsule.Detection) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.Mat{}, errEmptyFrame
	}
	out := black(frame)
	b := bounds(frame)
	for _, d := range results {
		r := d.Rect.Canon().Intersect(b)
		if r.Empty() {
			continue
		}
		src := frame.Region(r)
		dst := out.Region(r)
		src.CopyTo(&dst)
		src.Close()
		dst.Close()
	}
	return out, nil
}
