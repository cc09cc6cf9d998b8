// Package fault defines the memory-fault hook contract: the boundary
// between a platform-specific trap mechanism and the ECS rendezvous
// protocol. The core depends only on this contract, never on a particular
// trapping mechanism (page protection, hardware watchpoints, instruction
// rewriting); the specification requires only that whichever mechanism is
// used supplies these three values.
package fault

import "fmt"

// Trap describes one foreign-memory access: the LP that was executing when
// the access occurred, the absolute offset it targeted within the arena, and
// the LP that owns the region containing that offset.
type Trap struct {
	TrappingLP uint32
	Address    int
	TargetLP   uint32
}

func (t Trap) String() string {
	return fmt.Sprintf("trap(lp=%d -> lp=%d @%#x)", t.TrappingLP, t.TargetLP, t.Address)
}

// Hook is invoked by whatever platform mechanism detects a foreign-region
// access. Implementations hand control to the ECS coordinator and return
// once the rendezvous either completes or the faulting LP must re-fault
// (e.g. a subsequent access after a rollback re-protected the region).
type Hook interface {
	Trap(t Trap) error
}

// Resolver maps an absolute arena address to the owning LP, given each
// region's fixed size and count, mirroring the contiguous end-to-end layout
// of the per-LP allocator (internal/lpalloc.Arena).
type Resolver struct {
	RegionSize int
	Count      int
}

// Resolve returns the LP owning the region containing address, and whether
// address falls inside the arena at all.
func (r Resolver) Resolve(address int) (lp uint32, ok bool) {
	if r.RegionSize <= 0 || address < 0 || address >= r.RegionSize*r.Count {
		return 0, false
	}
	return uint32(address / r.RegionSize), true
}

// InRegion reports whether address falls within lp's own region, i.e. no
// trap is warranted.
func (r Resolver) InRegion(lp uint32, address int) bool {
	owner, ok := r.Resolve(address)
	return ok && owner == lp
}
