package sink

import (
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: 0.000000\r\n" +
	"\r\n"

// Preview stream names published by the pipeline.
const (
	StreamRaw      = "raw"
	StreamRendered = "rendered"
)

// MJPEGServer serves named debug preview streams over HTTP, selected with
// the "name" query parameter.
type MJPEGServer struct {
	m map[string]*MJPEGStream

	lock sync.Mutex
}

func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		m: make(map[string]*MJPEGStream),
	}
}

// Stream returns the stream called name, creating it on first use.
func (s *MJPEGServer) Stream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ms, ok := s.m[name]; ok {
		return ms
	}
	ms := &MJPEGStream{
		name:   name,
		m:      make(map[chan []byte]bool),
		parent: s,
	}
	s.m[name] = ms
	return ms
}

func (s *MJPEGServer) getStream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.m[name]
}

// Put encodes img into the named stream. It satisfies the pipeline's preview
// hook.
func (s *MJPEGServer) Put(name string, img gocv.Mat) {
	s.Stream(name).Put(img)
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	stream := s.getStream(name)
	if stream == nil {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream connected to %v", name)
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)

	c := make(chan []byte, 1)
	stream.lock.Lock()
	stream.m[c] = true
	stream.lock.Unlock()

loop:
	for {
		select {
		case b := <-c:
			if _, err := w.Write(b); err != nil {
				break loop
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			break loop
		}
	}

	stream.lock.Lock()
	delete(stream.m, c)
	stream.lock.Unlock()
	log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream disconnected from %v", name)
}

type MJPEGStream struct {
	name string
	m    map[chan []byte]bool

	parent *MJPEGServer
	lock   sync.Mutex
}

func (s *MJPEGStream) empty() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m) == 0
}

func (s *MJPEGStream) Put(input gocv.Mat) {
	if s.empty() {
		// Nobody is listening; don't bother encoding.
		return
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, input)
	if err != nil {
		log.Errorf("Error encoding to JPG for MJPEG stream %v: %v", s.name, err)
		return
	}
	defer buf.Close()
	jpeg := buf.GetBytes()

	// Each listener gets its own frame since writes happen after Put returns.
	header := fmt.Sprintf(headerf, len(jpeg))
	frame := make([]byte, len(header)+len(jpeg))
	copy(frame, header)
	copy(frame[len(header):], jpeg)

	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.m {
		select {
		case c <- frame:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}
