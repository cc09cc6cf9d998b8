package kernel

import "sync/atomic"

// LPState is one of the six execution states named in the data model: an LP
// is always in exactly one of these, and is owned by at most one worker at
// a time.
type LPState uint64

const (
	StateIdle LPState = iota
	StateReady
	StateRunning
	StateBlockedForRendezvous
	StateBlockedForRollback
	StateTerminated
)

func (s LPState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlockedForRendezvous:
		return "blocked-for-rendezvous"
	case StateBlockedForRollback:
		return "blocked-for-rollback"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// FastState is a lock-free state machine for one LP's execution state,
// cache-line padded to avoid false sharing between workers polling
// different LPs' states concurrently (e.g. a worker checking whether an
// LP it doesn't own is blocked-for-rendezvous, to decide whether a rollback
// must also unblock it).
type FastState struct {
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

// NewFastState creates a state machine in the idle state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateIdle))
	return s
}

// Load returns the current state.
func (s *FastState) Load() LPState { return LPState(s.v.Load()) }

// Store unconditionally sets the state.
func (s *FastState) Store(state LPState) { s.v.Store(uint64(state)) }

// TryTransition attempts to move from `from` to `to`, succeeding only if the
// state is currently `from`.
func (s *FastState) TryTransition(from, to LPState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal reports whether the LP has terminated.
func (s *FastState) IsTerminal() bool { return s.Load() == StateTerminated }

// IsRunnable reports whether the LP is eligible for the scheduler to pick
// (idle LPs with an empty queue are skipped by the scheduler regardless, but
// they're still "runnable" in the sense of not being blocked).
func (s *FastState) IsRunnable() bool {
	switch s.Load() {
	case StateIdle, StateReady, StateRunning:
		return true
	default:
		return false
	}
}
