package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vk/sampleflow/internal/catalog"
)

// State is the lifecycle position of one stage instance. Transitions only
// move forward; the two terminal states are final.
type State int32

const (
	StatePending State = iota
	StateReady
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Instance is one schedulable unit of work: a stage bound to a sample key
// (or to the stage's own name for single-instance stages) with its
// resolved input values.
type Instance struct {
	Stage *catalog.Stage

	// Key is the sample id, or the stage name when the stage runs once.
	Key string

	// solo marks a single-instance stage. Solo instances publish to the
	// stage's aggregate directory instead of a per-sample subdirectory.
	solo bool

	// inputs maps each input channel name to its resolved value: file
	// paths for produced and ingested channels, the configured fallback
	// for externally bound ones.
	inputs map[string][]string

	// collected holds the full keyed sequence per collected input, for
	// the built-in aggregation body.
	collected map[string][]keyedPaths

	state   atomic.Int32
	started time.Time
	elapsed time.Duration
}

type keyedPaths struct {
	key   string
	paths []string
}

// State returns the instance's current lifecycle state.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// advance moves the instance to the given state. Leaving a terminal state
// is a scheduler bug and panics.
func (i *Instance) advance(to State) {
	from := State(i.state.Load())
	if from.terminal() {
		panic(fmt.Sprintf("instance %s[%s]: transition out of terminal state %s", i.Stage.Name, i.Key, from))
	}
	i.state.Store(int32(to))
}
