package kernel

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/event"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/model"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/snapshot"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/wire"
)

// noopHandler never schedules anything and never terminates; used where a
// test only exercises worker-internal plumbing directly, bypassing Run.
type noopHandler struct{}

func (noopHandler) ProcessEvent(uint32, float64, uint32, []byte, *model.Context) error { return nil }
func (noopHandler) OnGVT(uint32, []byte) bool                                          { return false }

// pingHandler forwards a counter to itself a fixed number of times, then
// stops, exercising the scheduler's basic dispatch/termination path without
// any cross-LP traffic.
type pingHandler struct{ limit uint64 }

func (h *pingHandler) ProcessEvent(lpID uint32, now float64, eventType uint32, payload []byte, ctx *model.Context) error {
	n := decodeCounter(payload, eventType)
	n++
	ctx.SetState(encodeCounter(n))
	if n < h.limit {
		ctx.ScheduleNewEvent(lpID, now+1, 1, encodeCounter(n))
	}
	return nil
}

func (h *pingHandler) OnGVT(lpID uint32, stateSnapshot []byte) bool {
	return decodeCounter(stateSnapshot, 1) >= h.limit
}

func decodeCounter(b []byte, eventType uint32) uint64 {
	if eventType == model.InitType || len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func encodeCounter(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func TestKernelSingleLPRunsToCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.LPs = 1
	cfg.GVTPeriod = 5 * time.Millisecond
	cfg.DispatchFreq = 1

	k := New(cfg, &pingHandler{limit: 20}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, k.Run(ctx))
	require.Equal(t, StateTerminated, k.lps[0].State.Load())
}

// ringHandler forwards a token around a ring of LPs, counting in each LP's
// own state how many times it has been visited, terminating once every LP
// individually crosses visitsPerLP. Exercises cross-worker routing through
// Kernel.route/Worker.inbox.
type ringHandler struct {
	n           uint32
	visitsPerLP uint64
}

func (h *ringHandler) ProcessEvent(lpID uint32, now float64, eventType uint32, payload []byte, ctx *model.Context) error {
	visits := decodeCounter(ctx.State(), 1) + 1
	ctx.SetState(encodeCounter(visits))
	if visits < h.visitsPerLP {
		ctx.ScheduleNewEvent((lpID+1)%h.n, now+1, 1, nil)
	}
	return nil
}

func (h *ringHandler) OnGVT(lpID uint32, stateSnapshot []byte) bool {
	return decodeCounter(stateSnapshot, 1) >= h.visitsPerLP
}

func TestKernelRingOfLPsAcrossWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.LPs = 4
	cfg.GVTPeriod = 5 * time.Millisecond
	cfg.DispatchFreq = 1

	k := New(cfg, &ringHandler{n: 4, visitsPerLP: 10}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, k.Run(ctx))
	for _, lp := range k.lps {
		require.Equal(t, StateTerminated, lp.State.Load(), "lp %d", lp.ID)
	}
}

// ecsHandler has LP 0 malloc a value into its own region on INIT, then LP 1
// reads it back via ReadForeign, exercising the rendezvous protocol
// end-to-end (park, RENDEZVOUS_START, ack, resume).
type ecsHandler struct {
	regionSize int
	done       chan uint64
}

const ecsEventRead uint32 = 1

func (h *ecsHandler) ProcessEvent(lpID uint32, now float64, eventType uint32, payload []byte, ctx *model.Context) error {
	if eventType == model.InitType {
		if lpID == 0 {
			data, _, err := ctx.Malloc(8)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(data, 424242)
			ctx.ScheduleNewEvent(1, now+1, ecsEventRead, nil)
		}
		return nil
	}

	foreign, err := ctx.ReadForeign(0, 8)
	if err != nil {
		return err
	}
	h.done <- binary.LittleEndian.Uint64(foreign)
	return nil
}

func (h *ecsHandler) OnGVT(lpID uint32, stateSnapshot []byte) bool { return lpID == 1 }

func TestKernelECSRendezvousReadsForeignRegion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.LPs = 2
	cfg.RegionSize = 64
	cfg.GVTPeriod = 5 * time.Millisecond
	cfg.DispatchFreq = 1

	h := &ecsHandler{regionSize: cfg.RegionSize, done: make(chan uint64, 1)}
	k := New(cfg, h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- k.Run(ctx) }()

	select {
	case got := <-h.done:
		require.Equal(t, uint64(424242), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rendezvous read")
	}

	cancel()
	<-errCh
}

func newIdleKernel(t *testing.T) (*Kernel, *LP, *Worker) {
	t.Helper()
	cfg := DefaultConfig()
	k := New(cfg, noopHandler{}, nil)
	t.Cleanup(func() { k.amBatcher.Close() })
	lp := k.lps[0]
	lp.Snaps.Append(snapshot.Entry{
		LVT:        0,
		Full:       true,
		StateBytes: []byte{},
		RNGState:   lp.RNG.Bytes(),
		AllocMeta:  snapshot.AllocMeta{Brk: 0},
	})
	return k, lp, k.workers[0]
}

// TestWorkerDeliverAntimessageAnnihilatesPendingPositive covers the simple
// straggler case: an antimessage whose positive twin is still pending
// (never dispatched) just annihilates it rather than triggering a rollback.
func TestWorkerDeliverAntimessageAnnihilatesPendingPositive(t *testing.T) {
	_, lp, w := newIdleKernel(t)
	mark := wire.NewMark(1, 1)

	w.deliverPositive(lp, wire.ControlMessage{
		Sender: 1, Receiver: lp.ID, ReceiveTime: 10, Mark: mark,
	})
	require.Equal(t, 1, lp.Pending.Len())

	w.deliverAntimessage(lp, wire.ControlMessage{
		Sender: 1, Receiver: lp.ID, ReceiveTime: 10, Mark: mark,
	})
	require.Equal(t, 0, lp.Pending.Len())
}

// TestWorkerDeliverPositiveRollsBackOnStraggler covers the case where a
// positive event arrives with a receive time behind the LP's current LVT,
// forcing an immediate (not deferred, since the LP isn't mid-dispatch)
// rollback through internal/rollback.
func TestWorkerDeliverPositiveRollsBackOnStraggler(t *testing.T) {
	_, lp, w := newIdleKernel(t)
	lp.LVT = 10

	w.deliverPositive(lp, wire.ControlMessage{
		Sender: 1, Receiver: lp.ID, ReceiveTime: 5, SendTime: 5, Mark: wire.NewMark(1, 1),
	})

	require.Equal(t, float64(5), lp.LVT)
	require.Equal(t, StateReady, lp.State.Load())
}

// TestWorkerAntimessageRollsBackAndReinsertsLaterProcessedEvents covers the
// two-LP antimessage scenario end-to-end through the kernel: an antimessage
// for an already-processed event forces a rollback, and any event this LP
// had already dispatched past the rollback target is handed back to Pending
// rather than lost.
func TestWorkerAntimessageRollsBackAndReinsertsLaterProcessedEvents(t *testing.T) {
	_, lp, w := newIdleKernel(t)
	lp.LVT = 7

	mark := wire.NewMark(1, 1)
	lp.History.Record(&event.Record{ReceiveTime: 5, Mark: mark, Processed: true})
	lp.History.Record(&event.Record{ReceiveTime: 7, Type: 3, Processed: true})

	w.deliverAntimessage(lp, wire.ControlMessage{Sender: 1, Receiver: lp.ID, ReceiveTime: 5, Mark: mark})

	require.Equal(t, float64(5), lp.LVT)
	require.Equal(t, 0, lp.History.Len())
	require.Equal(t, 1, lp.Pending.Len())
	rec, ok := lp.Pending.PopMin()
	require.True(t, ok)
	require.Equal(t, float64(7), rec.ReceiveTime)
	require.False(t, rec.Processed)
}

// TestWorkerRequestRollbackDefersForDispatchingLP covers the case where a
// straggler arrives while the LP's event handler is still running: the
// rollback must wait for the dispatch to report back rather than race it.
func TestWorkerRequestRollbackDefersForDispatchingLP(t *testing.T) {
	_, lp, w := newIdleKernel(t)
	lp.dispatching = true

	w.requestRollback(lp, 3)

	require.NotNil(t, lp.pendingRollbackTarget)
	require.Equal(t, float64(3), *lp.pendingRollbackTarget)
	require.Equal(t, float64(0), lp.LVT, "rollback must not run until the dispatch reports back")
}

// TestWorkerRequestRollbackCancelsBlockedRendezvous covers the cycle-break
// rule: a straggler arriving at an LP parked on an ECS rendezvous cancels
// the pending wait immediately rather than leaving it to deadlock.
func TestWorkerRequestRollbackCancelsBlockedRendezvous(t *testing.T) {
	k, lp, w := newIdleKernel(t)
	lp.dispatching = true
	lp.State.Store(StateBlockedForRendezvous)
	waiter := k.ecs.BeginRendezvous(lp.ID, 1, wire.NewMark(lp.ID, 1), 0)

	w.requestRollback(lp, 3)

	done := make(chan struct{})
	go func() {
		waiter.Park()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the parked waiter to be unparked")
	}
}
