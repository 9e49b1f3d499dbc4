// Package lifecycle holds the process lifecycle state and the shutdown
// orchestrator that drives every teardown path to a clean stop.
package lifecycle

import (
	"fmt"
	"sync/atomic"
)

// State is the process lifecycle state. It only ever moves forward.
type State int32

const (
	Starting State = iota
	Running
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Tracker is a monotonic State holder safe for concurrent use.
type Tracker struct {
	v atomic.Int32
}

// State returns the current state.
func (t *Tracker) State() State {
	return State(t.v.Load())
}

// Advance moves to the given state if it is later than the current one.
// It reports whether this call made the transition, so exactly one caller
// wins any given step.
func (t *Tracker) Advance(to State) bool {
	for {
		cur := t.v.Load()
		if State(cur) >= to {
			return false
		}
		if t.v.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}
