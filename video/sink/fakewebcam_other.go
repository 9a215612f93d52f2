//go:build !linux

package sink

import (
	"errors"

	"camml/video/source"
)

func OpenFakeWebcam(device string, width, height int) (*FakeWebcam, error) {
	return nil, &source.DeviceError{Device: device, Op: "open", Err: errors.New("v4l2loopback output requires linux")}
}
