// Package model implements the model ABI dispatcher (C9): the operations
// exposed to user event handlers, and the callbacks the kernel invokes on
// user code.
package model

import "math"

// EventType of the first event delivered to every LP.
const InitType uint32 = 0

// Handler is the user-supplied model: the event handler and the
// termination predicate.
type Handler interface {
	// ProcessEvent handles one event; the first call to a given LP has
	// eventType == InitType and payload equal to the kernel's Config.Input
	// (in cmd/rootsim, the contents of the --input file). Command-line
	// arguments after the flags are not passed to the model.
	ProcessEvent(lpID uint32, now float64, eventType uint32, payload []byte, ctx *Context) error
	// OnGVT is the per-LP termination predicate, consulted with the LP's
	// state as of the latest committed snapshot.
	OnGVT(lpID uint32, stateSnapshot []byte) bool
}

// ScheduleFunc is how the dispatcher routes a model's schedule_new_event
// call into C1 (pending queue) and logs an output record; supplied by the
// kernel, which owns the queues.
type ScheduleFunc func(destLP uint32, receiveTime float64, eventType uint32, payload []byte)

// ReadForeignFunc performs one ECS rendezvous read on behalf of the calling
// LP: it blocks (parking the dispatch goroutine) until the target LP's state
// at the caller's current LVT is available, then returns the requested byte
// range. Supplied by the kernel, which owns the ECS coordinator and the
// fault resolver; the model package itself has no notion of a trap
// mechanism, per the fault-hook contract boundary.
type ReadForeignFunc func(address, size int) ([]byte, error)

// MallocFunc advances the caller's region bump pointer by n bytes and
// returns the previous position, zero-filled, plus the absolute arena
// address it starts at (so the caller can hand that address to another LP,
// e.g. in an event payload, for a later ReadForeign), per §4.3's
// malloc(lp, n). Supplied by the kernel, which owns the per-LP region.
type MallocFunc func(n int) (data []byte, address int, err error)

// Context is passed to ProcessEvent, giving the handler exactly the
// operations named in the specification's model ABI.
type Context struct {
	lpID        uint32
	nProcs      uint32
	state       *[]byte
	rng         *RNG
	idCtr       *uint64
	send        ScheduleFunc
	readForeign ReadForeignFunc
	malloc      MallocFunc
}

// NewContext constructs a Context. state is a pointer to the LP's
// snapshotable-state slice (so SetState can repoint it); rng and idCtr are
// owned by the LP and survive across dispatches (and are captured by
// snapshots).
func NewContext(lpID, nProcs uint32, state *[]byte, rng *RNG, idCtr *uint64, send ScheduleFunc, readForeign ReadForeignFunc, malloc MallocFunc) *Context {
	return &Context{lpID: lpID, nProcs: nProcs, state: state, rng: rng, idCtr: idCtr, send: send, readForeign: readForeign, malloc: malloc}
}

// ReadForeign reads size bytes at address from whichever LP's region
// contains it, transparently performing an ECS rendezvous (suspending this
// dispatch until the target LP's state is consistent at the caller's LVT) if
// address does not fall within the caller's own region.
func (c *Context) ReadForeign(address, size int) ([]byte, error) {
	return c.readForeign(address, size)
}

// Malloc reserves n zero-filled bytes in the caller's own region, advancing
// its bump pointer. The returned slice is writable directly; the returned
// address is visible to other LPs' ReadForeign calls at the same offset.
func (c *Context) Malloc(n int) (data []byte, address int, err error) {
	return c.malloc(n)
}

// State returns the LP's currently registered snapshotable state, i.e. the
// state_ptr the original C ABI passes into process_event alongside the
// event itself.
func (c *Context) State() []byte {
	return *c.state
}

// SetState registers the LP's snapshotable state. The kernel copies this
// slice verbatim at snapshot time; the model must not hold other
// aliases it mutates without also calling SetState again (or relying on
// MarkDirty-style tracking it does not have visibility into -- the state
// slice itself is always treated as potentially fully dirty).
func (c *Context) SetState(b []byte) {
	*c.state = b
}

// ScheduleNewEvent creates a positive event and routes it via C1, logging an
// output record in the sender's output queue.
func (c *Context) ScheduleNewEvent(destLP uint32, receiveTime float64, eventType uint32, payload []byte) {
	c.send(destLP, receiveTime, eventType, payload)
}

// GenerateUniqueID returns a deterministic per-LP monotonic id, e.g. for
// model-level tags.
func (c *Context) GenerateUniqueID() uint64 {
	*c.idCtr++
	return *c.idCtr
}

// NProcTot is the total LP count.
func (c *Context) NProcTot() uint32 { return c.nProcs }

// LP is the id of the LP this Context was created for.
func (c *Context) LP() uint32 { return c.lpID }

// Random draws a uniform float64 in [0, 1) from the LP's private RNG state.
func (c *Context) Random() float64 { return c.rng.Float64() }

// RandomRange draws a uniform float64 in [lo, hi).
func (c *Context) RandomRange(lo, hi float64) float64 { return lo + c.rng.Float64()*(hi-lo) }

// Expent draws from an exponential distribution with the given mean.
func (c *Context) Expent(mean float64) float64 {
	return -mean * math.Log(1-c.rng.Float64())
}

// Gaussian draws from a normal distribution via the Box-Muller transform,
// using two draws from the LP's RNG so results remain reproducible from the
// RNG's snapshotted state alone.
func (c *Context) Gaussian(mean, sd float64) float64 {
	u1, u2 := c.rng.Float64(), c.rng.Float64()
	if u1 <= 0 {
		u1 = 1e-300
	}
	z0 := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mean + sd*z0
}
