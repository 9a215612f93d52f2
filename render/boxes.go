package render

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"camml/capsule"
)

var (
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	colorBox  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// Boxes draws every detection's box and label over the frame. The loop adds
// the capture time banner, see Stamped.
func Boxes(frame gocv.Mat, results []*capsule.Detection) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.Mat{}, errEmptyFrame
	}
	out := frame.Clone()

	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1
	pad := 2

	for _, d := range results {
		r := d.Rect.Canon()
		if r.Empty() {
			continue
		}
		gocv.Rectangle(&out, r, colorBox, 2)

		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		sz := gocv.GetTextSize(label, font, scale, thickness)
		top := r.Min.Y - sz.Y - pad*2
		if top < 0 {
			top = r.Min.Y
		}
		gocv.Rectangle(&out, image.Rect(r.Min.X, top, r.Min.X+sz.X+pad*2, top+sz.Y+pad*2), colorBox, -1)
		gocv.PutText(&out, label, image.Point{X: r.Min.X + pad, Y: top + sz.Y + pad}, font, scale, colorBG, thickness)
	}
	return out, nil
}

// stamped lists renderers whose output carries a capture time banner.
var stamped = map[string]bool{"boxes": true}

// Stamped reports whether frames from the renderer registered as name get
// a Stamp.
func Stamped(name string) bool {
	return stamped[name]
}

// Stamp draws t as a banner in the top left corner of img.
func Stamp(img *gocv.Mat, t time.Time) {
	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1
	pad := 2

	text := t.Format("2006-01-02 15:04:05.000 MST")
	sz := gocv.GetTextSize(text, font, scale, thickness)
	gocv.Rectangle(img, image.Rectangle{Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)
	gocv.PutText(img, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorTime, thickness)
}
