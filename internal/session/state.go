// Package session drives the debugger backend: it owns the state machine
// that interprets backend events, the instruction buffer cache, and the
// observable snapshots consumed by the presentation layer.
package session

import (
	"dbgtui/internal/flow"
	"dbgtui/internal/insn"
	"dbgtui/internal/proto"
)

// State is the session's lifecycle position. Exactly one state is active at
// a time; transitions are driven by backend events and explicit operator
// commands only, never inferred.
type State int

const (
	Idle State = iota
	Attaching
	Attached
	Stepping
	Continuing
	Stopped
	Detaching
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Stepping:
		return "stepping"
	case Continuing:
		return "continuing"
	case Stopped:
		return "stopped"
	case Detaching:
		return "detaching"
	case Errored:
		return "error"
	}
	return "unknown"
}

// canExecute reports whether a step or continue command may be issued: only
// when the target is known to be halted. This prevents stacking execution
// commands onto a backend that is already running.
func (s State) canExecute() bool {
	return s == Attached || s == Stopped
}

// Breakpoint pairs an address with its backend-assigned id. Pending entries
// (id < 0) are optimistic: shown immediately, reconciled or rolled back when
// the backend acknowledges.
type Breakpoint struct {
	Address uint64
	ID      int
	Pending bool
}

// Snapshot is an immutable view of the observable session published to the
// presentation layer after every state change. The reader goroutine never
// writes shared state directly; snapshots are built by the single session
// owner and handed out by value.
type Snapshot struct {
	State      State
	StopReason string
	Err        string
	Target     string
	PID        int
	PC         uint64
	ThreadID   uint64

	Registers     map[string]string
	PrevRegisters map[string]string

	Instructions []insn.Instruction
	Edges        []flow.Edge

	Memory      []proto.MemoryLine
	Frames      []proto.Frame
	Threads     []proto.ThreadInfo
	Breakpoints []Breakpoint
}

// HasBreakpoint reports whether addr carries a breakpoint (pending or
// confirmed).
func (s Snapshot) HasBreakpoint(addr uint64) bool {
	for _, bp := range s.Breakpoints {
		if bp.Address == addr {
			return true
		}
	}
	return false
}
