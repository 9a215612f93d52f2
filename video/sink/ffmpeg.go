package sink

import (
	"fmt"
	"io"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"camml/video/source"
)

// FFmpegSink publishes frames to a v4l2 device through an ffmpeg child
// process. It is an alternative to FakeWebcam for loopback devices that
// want a YUV pixel format.
type FFmpegSink struct {
	device string
	b      chan []byte
	close  chan chan bool
	exited chan struct{}
	stderr *io.PipeWriter
}

func ffmpegArgs(device string, fps, width, height int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		// Read raw frames from the pipeline on stdin.
		"-f", "rawvideo",
		"-pixel_format", "bgr24",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", "-",
		"-pix_fmt", "yuv420p",
		"-f", "v4l2",
		device,
	}
}

// NewFFmpegSink starts ffmpeg writing to device. The ffmpeg binary is found
// on PATH.
func NewFFmpegSink(device string, fps, width, height int) (*FFmpegSink, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, &source.DeviceError{Device: device, Op: "open", Err: err}
	}
	return startFFmpeg(device, exec.Command(bin, ffmpegArgs(device, fps, width, height)...))
}

// startFFmpeg runs c, feeding frames on its stdin and logging its stderr.
func startFFmpeg(device string, c *exec.Cmd) (*FFmpegSink, error) {
	stderr := log.WithField("device", device).WriterLevel(log.WarnLevel)
	c.Stderr = stderr

	pipe, err := c.StdinPipe()
	if err != nil {
		stderr.Close()
		return nil, &source.DeviceError{Device: device, Op: "open", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	if err := c.Start(); err != nil {
		stderr.Close()
		return nil, &source.DeviceError{Device: device, Op: "open", Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	f := &FFmpegSink{
		device: device,
		b:      make(chan []byte),
		close:  make(chan chan bool),
		exited: make(chan struct{}),
		stderr: stderr,
	}
	go f.run(c, pipe)
	return f, nil
}

func (f *FFmpegSink) run(c *exec.Cmd, pipe io.WriteCloser) {
	flog := log.WithField("device", f.device)
	defer close(f.exited)

	var closer chan bool
loop:
	for {
		select {
		case closer = <-f.close:
			break loop
		case b := <-f.b:
			if _, err := pipe.Write(b); err != nil {
				flog.Errorf("Error writing to ffmpeg: %v", err)
				break loop
			}
		}
	}
	pipe.Close()

	flog.Info("Waiting for ffmpeg shutdown.")
	err := c.Wait()
	flog.Infof("ffmpeg exit with status %v", err)
	// Wait has copied all of stderr; stop the log writer's reader.
	f.stderr.Close()
	if closer != nil {
		closer <- true
	}
}

func (f *FFmpegSink) Close() {
	c := make(chan bool)
	select {
	case f.close <- c:
		<-c
	case <-f.exited:
	}
}

func (f *FFmpegSink) Put(input source.Image) {
	select {
	case f.b <- input.Mat.ToBytes():
	case <-f.exited:
	}
}
