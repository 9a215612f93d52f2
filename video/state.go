package video

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"camml/events"
	"camml/metrics"
	"camml/util"
)

// Phase is the pipeline lifecycle phase.
type Phase int32

const (
	Uninitialized Phase = iota
	Running
	ShuttingDown
	Closed
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

var transitions = map[Phase][]Phase{
	Uninitialized: {Running, ShuttingDown},
	Running:       {ShuttingDown},
	ShuttingDown:  {Closed},
}

// State owns the lifecycle phase of one pipeline run. It only moves forward.
type State struct {
	runID string
	bus   *events.Bus

	// lock is held for reading by WhileRunning, so a transition out of
	// Running waits for the work in progress.
	lock  sync.RWMutex
	phase Phase

	stopping *util.Event
	closed   *util.Event
}

func NewState(runID string, bus *events.Bus) *State {
	metrics.SetPhase(int(Uninitialized))
	return &State{
		runID:    runID,
		bus:      bus,
		stopping: util.NewEvent(),
		closed:   util.NewEvent(),
	}
}

func (s *State) Phase() Phase {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.phase
}

func (s *State) Running() bool {
	return s.Phase() == Running
}

// Transition moves to phase to, failing if that is not a forward step from
// the current phase.
func (s *State) Transition(to Phase) error {
	s.lock.Lock()
	from := s.phase
	allowed := false
	for _, p := range transitions[from] {
		if p == to {
			allowed = true
			break
		}
	}
	if !allowed {
		s.lock.Unlock()
		return fmt.Errorf("invalid pipeline transition %v -> %v", from, to)
	}
	s.phase = to
	s.lock.Unlock()

	switch to {
	case ShuttingDown:
		s.stopping.Notify()
	case Closed:
		s.closed.Notify()
	}
	metrics.SetPhase(int(to))
	log.WithField("run", s.runID).Infof("Pipeline %v -> %v", from, to)
	s.bus.Publish(events.StateChanged{RunID: s.runID, From: from.String(), To: to.String()})
	return nil
}

// Shutdown moves an uninitialized or running pipeline to ShuttingDown and
// reports whether it did.
func (s *State) Shutdown() bool {
	switch s.Phase() {
	case Uninitialized, Running:
		return s.Transition(ShuttingDown) == nil
	}
	return false
}

// WhileRunning runs fn only if the pipeline is running, and holds off any
// transition until fn returns. fn must not change the state.
func (s *State) WhileRunning(fn func()) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.phase != Running {
		return false
	}
	fn()
	return true
}

// Stopping is closed once shutdown has begun.
func (s *State) Stopping() <-chan struct{} {
	return s.stopping.Done()
}

// Done is closed once the pipeline is closed.
func (s *State) Done() <-chan struct{} {
	return s.closed.Done()
}
