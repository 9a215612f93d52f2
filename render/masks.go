package render

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"camml/capsule"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// OnlyMasks shows the largest detected outline over a green screen. Frames
// without outlines are all green.
func OnlyMasks(frame gocv.Mat, results []*capsule.Detection) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.Mat{}, errEmptyFrame
	}
	out := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 255, 0, 0), frame.Rows(), frame.Cols(), frame.Type())

	largest := largestContour(results)
	if largest == nil {
		return out, nil
	}

	contours := gocv.NewPointsVectorFromPoints([][]image.Point{largest})
	defer contours.Close()

	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), frame.Rows(), frame.Cols(), gocv.MatTypeCV8UC1)
	defer mask.Close()
	gocv.DrawContours(&mask, contours, -1, white, -1)

	frame.CopyToWithMask(&out, mask)
	return out, nil
}

func largestContour(results []*capsule.Detection) []image.Point {
	var largest []image.Point
	best := -1.0
	for _, d := range results {
		if len(d.Coords) == 0 {
			continue
		}
		pv := gocv.NewPointVectorFromPoints(d.Coords)
		a := gocv.ContourArea(pv)
		pv.Close()
		if a > best {
			best = a
			largest = d.Coords
		}
	}
	return largest
}
