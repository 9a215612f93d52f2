package capsule

import (
	"fmt"
	"image"
)

// Detection is one analysis record. It must not be modified once a capsule
// returns it.
type Detection struct {
	Class      string
	Confidence float32

	// Rect bounds the detection in frame coordinates.
	Rect image.Rectangle

	// Coords optionally outlines the detection as a closed contour.
	Coords []image.Point

	// Attributes carry capsule-specific payload.
	Attributes map[string]string

	// Capsule names the producer. The runtime fills it in when empty.
	Capsule string
}

func (d *Detection) String() string {
	return fmt.Sprintf("%s(%.2f)@%v", d.Class, d.Confidence, d.Rect)
}

// Detections is an ordered list of records from one invocation.
type Detections []*Detection

// Result is what Process returns: nil, a single *Detection or Detections.
type Result interface {
	records() []*Detection
}

func (d *Detection) records() []*Detection {
	if d == nil {
		return nil
	}
	return []*Detection{d}
}

func (d Detections) records() []*Detection {
	return d
}

// Flatten normalizes a Result into its records in order: nothing for nil or
// an empty list, one record for a single detection, and every non-nil entry
// of a list.
func Flatten(r Result) []*Detection {
	if r == nil {
		return nil
	}
	recs := r.records()
	out := make([]*Detection, 0, len(recs))
	for _, d := range recs {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}
