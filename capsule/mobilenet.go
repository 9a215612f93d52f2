package capsule

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

func init() {
	Register("mobilenet", func(m Manifest) (Capsule, error) {
		return NewMobileNet(m.Name, m.Path("prototxt"), m.Path("model"), m.Options)
	})
}

// colorThresh denotes the minimum value for an image to be considered color.
const colorThresh = 15

// Detection classes for MobileNet SSD
var mobileNetClasses = map[int]string{
	0: "background",
	1: "aeroplane", 2: "bicycle", 3: "bird", 4: "boat",
	5: "bottle", 6: "bus", 7: "car", 8: "cat", 9: "chair",
	10: "cow", 11: "diningtable", 12: "dog", 13: "horse",
	14: "motorbike", 15: "person", 16: "pottedplant",
	17: "sheep", 18: "sofa", 19: "train", 20: "tvmonitor",
}

// Mapping from a class returned by mobilenet to reported class.
var mobileNetRemap = map[string]string{
	"bicycle":   "person",
	"person":    "person",
	"bus":       "vehicle",
	"car":       "vehicle",
	"motorbike": "vehicle",
	"train":     "vehicle",
	"cat":       "animal",
	"cow":       "animal",
	"dog":       "animal",
	"horse":     "animal",
	"sheep":     "animal",
}

// MobileNet runs a Caffe MobileNet-SSD detector.
type MobileNet struct {
	name string
	opts Options
	net  gocv.Net
}

func NewMobileNet(name, prototxt, model string, opts Options) (*MobileNet, error) {
	if prototxt == "" || model == "" {
		return nil, errors.New("mobilenet needs prototxt and model options")
	}
	net := gocv.ReadNetFromCaffe(prototxt, model)
	if net.Empty() {
		return nil, fmt.Errorf("failed to read caffe model %s", model)
	}
	return &MobileNet{
		name: name,
		net:  net,
		opts: Options{
			"confidence":     0.5,
			"skip_grayscale": true,
			"remap":          true,
		}.Merge(opts),
	}, nil
}

type mobileNetState struct {
	// Resized 300x300 image for classification.
	small gocv.Mat

	diff     gocv.Mat
	diffBlur gocv.Mat
}

func (cl *MobileNet) Name() string            { return cl.name }
func (cl *MobileNet) DefaultOptions() Options { return cl.opts }

func (cl *MobileNet) State(int) State {
	return &mobileNetState{
		small:    gocv.NewMat(),
		diff:     gocv.NewMat(),
		diffBlur: gocv.NewMat(),
	}
}

func (s *mobileNetState) Release() {
	s.small.Close()
	s.diff.Close()
	s.diffBlur.Close()
}

func (cl *MobileNet) Close() error {
	return cl.net.Close()
}

// colorValue estimates how colorful input is. Night-vision frames are close
// to zero.
func (s *mobileNetState) colorValue(input gocv.Mat) float32 {
	channels := gocv.Split(input)
	defer func() {
		for _, v := range channels {
			v.Close()
		}
	}()
	gocv.AbsDiff(channels[1], channels[2], &s.diff)
	gocv.Blur(s.diff, &s.diffBlur, image.Point{X: 10, Y: 10})
	_, maxDiff, _, _ := gocv.MinMaxIdx(s.diffBlur)
	return maxDiff
}

func (cl *MobileNet) Process(ctx context.Context, input gocv.Mat, opts Options, state State) (Result, error) {
	s := state.(*mobileNetState)

	scale := image.Point{X: 300, Y: 300}
	gocv.Resize(input, &s.small, scale, 0, 0, gocv.InterpolationLinear)

	if opts.Bool("skip_grayscale", true) {
		if diff := s.colorValue(s.small); diff < colorThresh {
			log.WithField("capsule", cl.name).Debugf("Refusing to classify grayscale image with color value %f", diff)
			return nil, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob := gocv.BlobFromImage(s.small, 0.007843, scale, gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()

	cl.net.SetInput(blob, "data")

	detBlob := cl.net.Forward("detection_out")
	defer detBlob.Close()

	detections := gocv.GetBlobChannel(detBlob, 0, 0)
	defer detections.Close()

	minConfidence := float32(opts.Float("confidence", 0.5))
	remap := opts.Bool("remap", true)

	var out Detections
	for r := 0; r < detections.Rows(); r++ {
		classID := int(detections.GetFloatAt(r, 1))
		class := mobileNetClasses[classID]
		if remap {
			class = mobileNetRemap[class]
		}
		if class == "" || class == "background" {
			continue
		}

		confidence := detections.GetFloatAt(r, 2)
		if confidence < minConfidence {
			continue
		}

		left := int(detections.GetFloatAt(r, 3) * float32(input.Cols()))
		top := int(detections.GetFloatAt(r, 4) * float32(input.Rows()))
		right := int(detections.GetFloatAt(r, 5) * float32(input.Cols()))
		bottom := int(detections.GetFloatAt(r, 6) * float32(input.Rows()))
		rect := image.Rect(left, top, right, bottom).Intersect(image.Rect(0, 0, input.Cols(), input.Rows()))
		if rect.Empty() {
			continue
		}
		out = append(out, &Detection{
			Class:      class,
			Confidence: confidence,
			Rect:       rect,
			Attributes: map[string]string{
				"class_id": strconv.Itoa(classID),
				"label":    mobileNetClasses[classID],
			},
		})
	}
	return out, nil
}
