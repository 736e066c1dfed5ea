package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/zerotyping/ingest-pipeline/internal/stage"
)

// ErrRunStarted is returned when a run is executed a second time.
var ErrRunStarted = errors.New("run already started")

// State is the lifecycle state of a Run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Run is the in-memory state of one pipeline execution. It is safe to inspect
// from other goroutines while the coordinator drives it.
type Run struct {
	SessionID string

	mu          sync.Mutex
	stages      []stage.Spec
	state       State
	current     int
	failedStage int
	err         error
	timings     []StageTiming
	startedAt   time.Time
}

// NewRun creates a pending run.
func NewRun(sessionID string, stages []stage.Spec) *Run {
	return &Run{
		SessionID:   sessionID,
		stages:      stages,
		state:       StatePending,
		current:     -1,
		failedStage: -1,
	}
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Current returns the index of the running or last entered stage, -1 before
// the first stage.
func (r *Run) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Failure returns the failed stage index and its error, or -1 and nil.
func (r *Run) Failure() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedStage, r.err
}

// Timings returns a copy of the recorded stage timings.
func (r *Run) Timings() []StageTiming {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageTiming, len(r.timings))
	copy(out, r.timings)
	return out
}

func (r *Run) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return ErrRunStarted
	}
	r.state = StateRunning
	r.startedAt = time.Now()
	return nil
}

func (r *Run) enter(i int) {
	r.mu.Lock()
	r.current = i
	r.mu.Unlock()
}

func (r *Run) complete(t StageTiming) {
	r.mu.Lock()
	r.timings = append(r.timings, t)
	r.mu.Unlock()
}

func (r *Run) fail(i int, err error, t StageTiming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings = append(r.timings, t)
	r.state = StateFailed
	r.failedStage = i
	r.err = err
}

func (r *Run) succeed() {
	r.mu.Lock()
	r.state = StateSucceeded
	r.mu.Unlock()
}
