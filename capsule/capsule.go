// Package capsule defines the analysis unit contract and runs every loaded
// unit concurrently against each frame.
package capsule

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Options is a capsule's per-invocation configuration, as read from its
// manifest on top of the capsule's defaults.
type Options map[string]any

// Merge returns a copy of o with the values of over applied on top.
func (o Options) Merge(over Options) Options {
	out := make(Options, len(o)+len(over))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (o Options) String(key string, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

func (o Options) Duration(key string, def time.Duration) time.Duration {
	if s, ok := o[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

// State is an opaque per-stream handle a capsule keeps between frames, such
// as a tracker or a background model. The runtime only passes it back.
type State any

// Capsule is one independent per-frame analysis unit.
//
// Process may run concurrently with other capsules on the same frame, which
// is shared between them and must not be modified. The runtime never runs two
// Process calls of the same capsule at once.
type Capsule interface {
	Name() string

	// DefaultOptions are used for every invocation unless the manifest
	// overrides them.
	DefaultOptions() Options

	// State returns the state handle for a stream.
	State(streamID int) State

	// Process analyzes one BGR frame.
	Process(ctx context.Context, frame gocv.Mat, opts Options, state State) (Result, error)

	// Close releases the capsule's resources.
	Close() error
}

// UnitInvocationError reports a single failed Process call. It never leaves
// the runtime; it is logged and counted.
type UnitInvocationError struct {
	Capsule string
	Err     error
}

func (e *UnitInvocationError) Error() string {
	return fmt.Sprintf("capsule %s: %v", e.Capsule, e.Err)
}

func (e *UnitInvocationError) Unwrap() error {
	return e.Err
}
