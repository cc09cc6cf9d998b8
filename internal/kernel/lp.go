package kernel

import (
	"sync"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/ecs"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/event"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/lpalloc"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/model"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/rollback"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/snapshot"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/wire"
)

// LP is one logical process: its virtual time, execution state, and the
// LP-local subsystems (C1's queues, C2's checkpoint log, C3's region) that
// are owned exclusively by whichever worker currently executes it.
type LP struct {
	ID      uint32
	LVT     float64
	State   *FastState
	Pending *event.Pending
	Output  *event.Output
	History *event.History
	Snaps   *snapshot.Log
	Region  *lpalloc.Region
	RNG     *model.RNG
	IDCtr   uint64
	SendCtr uint64

	// StateBytes is the model's registered snapshotable state, set via
	// Context.SetState.
	StateBytes []byte

	// mu guards Pending/Output/History/StateBytes against concurrent access
	// between the owning worker's loop (delivering an incoming control
	// message) and this LP's in-flight dispatch goroutine (running a
	// handler that may itself enqueue sends).
	mu sync.Mutex

	// dispatching is true while a dedicated goroutine is running this LP's
	// current event handler (possibly parked mid-rendezvous); the worker
	// must not select this LP again until it reports back.
	dispatching bool

	// pendingRollbackTarget, when non-nil, records a rollback this LP owes
	// as soon as its in-flight dispatch goroutine (if any) reports back;
	// this avoids racing a rollback against a live ProcessEvent call.
	pendingRollbackTarget *float64

	// pendingAcks holds RENDEZVOUS_START requests this LP cannot yet
	// satisfy because its LVT has not reached the requester's; rechecked
	// after every dispatch that advances LVT.
	pendingAcks []wire.ControlMessage

	terminated bool
}

// rollbackView adapts this LP to rollback.LP, the bundle of subsystems the
// rollback engine operates on directly.
func (lp *LP) rollbackView(coord *ecs.Coordinator) *rollback.LP {
	return &rollback.LP{
		ID:        lp.ID,
		Pending:   lp.Pending,
		Output:    lp.Output,
		History:   lp.History,
		Snapshots: lp.Snaps,
		Region:    lp.Region,
		RNG:       lp.RNG,
		ECS:       coord,
		State:     &lp.StateBytes,
	}
}
