// Package rollback implements the rollback engine (C4): restore, antimessage
// regeneration, reinsertion of superseded events, coast-forward, and ECS
// edge cleanup.
package rollback

import (
	"fmt"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/ecs"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/event"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/lpalloc"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/model"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/snapshot"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/wire"
)

// LP bundles the per-LP subsystems the rollback engine needs direct access
// to. It deliberately holds concrete pointers rather than depending on the
// kernel package, so the kernel can depend on rollback without a cycle.
type LP struct {
	ID        uint32
	Pending   *event.Pending
	Output    *event.Output
	History   *event.History
	Snapshots *snapshot.Log
	Region    *lpalloc.Region
	RNG       *model.RNG
	ECS       *ecs.Coordinator
	State     *[]byte
}

// ErrStragglerBelowGVT indicates a kernel invariant violation: a straggler
// arrived at a time already fossil-collected, which the data model declares
// impossible.
var ErrStragglerBelowGVT = fmt.Errorf("rollback: straggler below GVT")

// CoastForwardFunc redispatches a single previously-processed event in
// silent mode: the handler runs (so state evolves identically) but any
// sends it would perform are suppressed, since the antimessages already
// retracted their effects. Implemented by the kernel, since only it can
// invoke the model's event handler.
type CoastForwardFunc func(receiveTime float64, eventType uint32, payload []byte) error

// Result reports what the caller (the owning worker) must still do: send
// antimessages and set the LP's LVT. Any rendezvous the LP was blocked on is
// already cancelled by Rollback itself.
type Result struct {
	// Antimessages to emit to the given destinations, both for retracted
	// output records (step 2) and for dropped RENDEZVOUS_START edges
	// (step 5).
	Antimessages []OutboundAntimessage
	// TargetLVT is the LVT the LP must be set to (step 6).
	TargetLVT float64
}

// OutboundAntimessage is one antimessage the caller must deliver.
type OutboundAntimessage struct {
	Destination uint32
	Message     wire.ControlMessage
}

// Rollback restores lp to a safe point at or before targetTime, regenerates
// antimessages for every output record sent since that point, reinserts
// superseded pending events, coast-forwards back up to targetTime, drops
// stale ECS edges, and reports the antimessages the caller must deliver.
// gvt is the current GVT, used only to check the fatal straggler-below-GVT
// invariant.
func Rollback(lp *LP, targetTime, gvt float64, coastForward CoastForwardFunc) (Result, error) {
	if targetTime < gvt {
		return Result{}, ErrStragglerBelowGVT
	}

	// Step 1: restore via the snapshot log.
	state, regionBytes, rngBytes, alloc, anchorLVT, err := lp.Snapshots.Restore(targetTime)
	if err != nil {
		return Result{}, fmt.Errorf("rollback: restore LP %d to %v: %w", lp.ID, targetTime, err)
	}
	*lp.State = state
	lp.RNG.SetBytes(rngBytes)
	lp.Region.Restore(regionBytes)
	lp.Region.SetBrk(alloc.Brk)
	lp.Region.ClearDirty()

	var res Result
	res.TargetLVT = targetTime

	// Step 2: regenerate antimessages for every output record sent since
	// the restore point.
	for _, rec := range lp.Output.AntimessagesAfter(anchorLVT) {
		res.Antimessages = append(res.Antimessages, OutboundAntimessage{
			Destination: rec.Destination,
			Message: wire.ControlMessage{
				Sender:      lp.ID,
				Receiver:    rec.Destination,
				SendTime:    rec.SendTime,
				ReceiveTime: rec.ReceiveTime,
				Kind:        wire.KindAntimessage,
				Type:        rec.Type,
				Mark:        rec.Mark,
			},
		})
	}

	// Step 3: reinsert every cut event (whether previously processed or
	// merely pending) so it is considered again.
	for _, rec := range lp.Pending.CutAfter(targetTime) {
		rec.Processed = false
		lp.Pending.Push(rec)
	}

	// Step 4: coast-forward from the restore anchor up to targetTime,
	// replaying the already-dispatched trace in silent mode. The snapshot
	// log is first truncated to the restore anchor; the replay itself
	// appends no snapshot entries, so the next checkpoint is the one taken
	// at the LP's next regular dispatch.
	lp.Snapshots.TruncateAfter(anchorLVT)
	for _, rec := range lp.History.Between(anchorLVT, targetTime) {
		if err := coastForward(rec.ReceiveTime, rec.Type, rec.Payload); err != nil {
			return Result{}, fmt.Errorf("rollback: coast-forward LP %d at %v: %w", lp.ID, rec.ReceiveTime, err)
		}
	}

	// Events already dispatched past targetTime live only in History (a
	// dispatch removes them from Pending); cut them back out and reinsert
	// them so they are redelivered rather than silently lost.
	for _, rec := range lp.History.CutAfter(targetTime) {
		rec.Processed = false
		lp.Pending.Push(rec)
	}

	// Step 5: drop ECS edges rooted above the target time, retracting the
	// RENDEZVOUS_START sent to each edge's target LP.
	for _, edge := range lp.ECS.DropEdgesAbove(lp.ID, targetTime) {
		res.Antimessages = append(res.Antimessages, OutboundAntimessage{
			Destination: edge.To,
			Message: wire.ControlMessage{
				Sender:   lp.ID,
				Receiver: edge.To,
				Kind:     wire.KindAntimessage,
				Mark:     edge.Mark,
			},
		})
	}
	lp.ECS.CancelPending(lp.ID)

	// Step 6: the caller sets LVT = targetTime and marks the LP ready (idle
	// if its pending queue is empty).
	return res, nil
}
