// Package metrics exposes prometheus collectors for the capture, dispatch and
// publish stages of the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "camml"

var (
	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Frames read from the capture device",
	})

	captureReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "read_failures_total",
		Help:      "Failed reads from the capture device",
	})

	handoffDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "handoff",
		Name:      "dropped_frames_total",
		Help:      "Frames replaced in the handoff slot before the pipeline consumed them",
	})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Time to run every capsule against one frame",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	capsuleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "capsule",
		Name:      "duration_seconds",
		Help:      "Time spent in a single capsule invocation",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"capsule"})

	capsuleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capsule",
		Name:      "failures_total",
		Help:      "Capsule invocations that returned an error or panicked",
	}, []string{"capsule"})

	capsuleSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capsule",
		Name:      "skipped_total",
		Help:      "Capsule invocations skipped because the capsule's breaker was open",
	}, []string{"capsule"})

	detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capsule",
		Name:      "detections_total",
		Help:      "Detections produced per capsule",
	}, []string{"capsule"})

	renderErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "render",
		Name:      "errors_total",
		Help:      "Frames skipped because rendering failed",
	})

	framesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "frames_total",
		Help:      "Frames pushed to the output sink",
	})

	pipelinePhase = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "phase",
		Help:      "Current lifecycle phase (0 uninitialized, 1 running, 2 shutting down, 3 closed)",
	})
)

func FrameCaptured() {
	framesCaptured.Inc()
}

func CaptureReadFailed() {
	captureReadFailures.Inc()
}

func HandoffDropped() {
	handoffDropped.Inc()
}

func ObserveDispatch(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}

// ObserveCapsule records one capsule invocation and, when it succeeded, how
// many detections it contributed.
func ObserveCapsule(name string, d time.Duration, n int, err error) {
	capsuleDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		capsuleFailures.WithLabelValues(name).Inc()
		return
	}
	detections.WithLabelValues(name).Add(float64(n))
}

func CapsuleSkipped(name string) {
	capsuleSkipped.WithLabelValues(name).Inc()
}

func RenderFailed() {
	renderErrors.Inc()
}

func FramePublished() {
	framesPublished.Inc()
}

func SetPhase(p int) {
	pipelinePhase.Set(float64(p))
}
