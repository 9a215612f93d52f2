package sink

import (
	"fmt"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"camml/video/source"
)

// Constants from linux/videodev2.h.
const (
	vidiocSFmt            = 0xc0d05605 // _IOWR('V', 5, struct v4l2_format)
	v4l2BufTypeVideoOut   = 2
	v4l2FieldNone         = 1
	v4l2ColorspaceSRGB    = 8
	v4l2PixFmtRGB24       = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24
	v4l2FormatUnionLength = 200
)

type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format on 64-bit platforms: the union is
// 8-byte aligned because some members carry pointers.
type v4l2Format struct {
	Type uint32
	_    uint32
	Pix  v4l2PixFormat
	_    [v4l2FormatUnionLength - unsafe.Sizeof(v4l2PixFormat{})]byte
}

// OpenFakeWebcam configures a v4l2loopback device for width x height RGB24
// output.
func OpenFakeWebcam(device string, width, height int) (*FakeWebcam, error) {
	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return nil, &source.DeviceError{Device: device, Op: "open", Err: err}
	}

	format := v4l2Format{
		Type: v4l2BufTypeVideoOut,
		Pix: v4l2PixFormat{
			Width:        uint32(width),
			Height:       uint32(height),
			PixelFormat:  v4l2PixFmtRGB24,
			Field:        v4l2FieldNone,
			BytesPerLine: uint32(width * 3),
			SizeImage:    uint32(width * height * 3),
			Colorspace:   v4l2ColorspaceSRGB,
		},
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), vidiocSFmt, uintptr(unsafe.Pointer(&format)))
	if errno != 0 {
		f.Close()
		return nil, &source.DeviceError{Device: device, Op: "set format", Err: fmt.Errorf("VIDIOC_S_FMT: %w", errno)}
	}

	log.WithField("device", device).Infof("Opened virtual camera at %dx%d", width, height)
	return newFakeWebcam(device, f, width, height), nil
}
