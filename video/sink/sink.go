package sink

import (
	"camml/video/source"
)

// Sink defines a destination for a stream of images, such as a virtual
// camera.
type Sink interface {
	// Put inserts an image to the sink. The caller *must not* modify this image
	// and the sink must not hold any references to the underlying Mat once Put
	// returns.
	Put(input source.Image)

	// Close should be called to finalize the Sink.
	Close()
}

// ChannelOrder is the byte order of a 3-channel 8-bit frame.
type ChannelOrder int

const (
	// BGR is the order frames are captured and processed in.
	BGR ChannelOrder = iota
	RGB
)

func (o ChannelOrder) String() string {
	switch o {
	case BGR:
		return "BGR"
	case RGB:
		return "RGB"
	}
	return "unknown"
}

// Ordered is implemented by sinks that need a channel order other than BGR.
type Ordered interface {
	Order() ChannelOrder
}

// OrderOf returns the channel order s expects.
func OrderOf(s Sink) ChannelOrder {
	if o, ok := s.(Ordered); ok {
		return o.Order()
	}
	return BGR
}
