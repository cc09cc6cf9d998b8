package kernel

import (
	"context"
	"time"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/event"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/gvt"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/rollback"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/wire"
)

// Worker runs a cooperative scheduling loop over its statically assigned
// LPs: at each step it dispatches the owned LP with the earliest pending
// receive time, drains control messages addressed to its LPs, and
// periodically joins a GVT reduction round.
type Worker struct {
	id int
	k  *Kernel

	lps   []*LP
	inbox chan wire.ControlMessage
	done  chan dispatchResult

	ctx        context.Context
	dispatches int
	fatal      error
}

// dispatchResult is what a dispatch goroutine reports back once ProcessEvent
// returns (possibly after having parked mid-rendezvous and resumed).
type dispatchResult struct {
	lp  *LP
	rec *event.Record
	err error
}

func newWorker(id int, k *Kernel) *Worker {
	return &Worker{
		id:    id,
		k:     k,
		inbox: make(chan wire.ControlMessage, 256),
		done:  make(chan dispatchResult, 16),
	}
}

// run is the worker's main loop: it terminates when ctx is cancelled, a
// dispatch reports a fatal error, or every owned LP has terminated.
func (w *Worker) run(ctx context.Context) error {
	w.ctx = ctx
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.fatal != nil {
			return w.fatal
		}

		drained := true
		for drained {
			select {
			case msg := <-w.inbox:
				w.deliver(msg)
			case res := <-w.done:
				w.finishDispatch(res)
			default:
				drained = false
			}
		}
		if w.fatal != nil {
			return w.fatal
		}

		if lp, rec, ok := w.pickNext(); ok {
			w.startDispatch(lp, rec)
			continue
		}

		if w.allTerminated() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-w.inbox:
			w.deliver(msg)
		case res := <-w.done:
			w.finishDispatch(res)
		case <-time.After(w.k.cfg.GVTPeriod):
			w.participateGVT(ctx)
		}
	}
}

// pickNext selects the idle/ready owned LP with the earliest pending event,
// pops it, and marks the LP dispatching.
func (w *Worker) pickNext() (*LP, *event.Record, bool) {
	var best *LP
	var bestT float64
	for _, lp := range w.lps {
		if lp.dispatching || lp.terminated || !lp.State.IsRunnable() {
			continue
		}
		t, ok := lp.Pending.PeekNextReceiveTime()
		if !ok {
			continue
		}
		if best == nil || t < bestT {
			best, bestT = lp, t
		}
	}
	if best == nil {
		return nil, nil, false
	}
	rec, ok := best.Pending.PopMin()
	if !ok {
		return nil, nil, false
	}
	best.dispatching = true
	best.State.Store(StateRunning)
	best.LVT = rec.ReceiveTime
	return best, rec, true
}

// startDispatch runs rec's handler for lp in its own goroutine, so a
// mid-rendezvous park (Context.ReadForeign) suspends only this dispatch, not
// the whole worker.
func (w *Worker) startDispatch(lp *LP, rec *event.Record) {
	go func() {
		err := w.execute(lp, rec)
		w.done <- dispatchResult{lp: lp, rec: rec, err: err}
	}()
}

// execute invokes the model handler for one event, taking a checkpoint and
// appending to the dispatch history on success.
func (w *Worker) execute(lp *LP, rec *event.Record) error {
	sendFunc := func(dest uint32, receiveTime float64, eventType uint32, payload []byte) {
		lp.mu.Lock()
		lp.SendCtr++
		mark := wire.NewMark(lp.ID, lp.SendCtr)
		lp.Output.Record(event.OutputRecord{
			Mark:        mark,
			Destination: dest,
			SendTime:    lp.LVT,
			ReceiveTime: receiveTime,
			Type:        eventType,
			Payload:     payload,
		})
		lp.mu.Unlock()
		w.k.route(wire.ControlMessage{
			Sender:      lp.ID,
			Receiver:    dest,
			SendTime:    lp.LVT,
			ReceiveTime: receiveTime,
			Kind:        wire.KindPositive,
			Type:        eventType,
			Mark:        mark,
			Payload:     payload,
		})
	}

	mctx := w.k.newModelContext(lp, sendFunc)
	if err := w.k.handler.ProcessEvent(lp.ID, rec.ReceiveTime, rec.Type, rec.Payload, mctx); err != nil {
		return err
	}

	lp.mu.Lock()
	rec.Processed = true
	lp.History.Record(rec)
	full := lp.Snaps.ShouldSnapshot()
	lp.Snaps.Append(w.k.buildSnapshotEntry(lp, full))
	lp.Region.ClearDirty()
	lp.mu.Unlock()
	return nil
}

// finishDispatch runs on the worker goroutine once a dispatch reports back:
// it applies any rollback deferred during the dispatch, flushes rendezvous
// acks this LP can now satisfy, and checks termination.
func (w *Worker) finishDispatch(res dispatchResult) {
	lp := res.lp
	lp.dispatching = false
	if res.err != nil {
		w.fatal = &FatalError{LP: lp.ID, Cause: res.err}
		w.k.logger.Err().Err(res.err).Int64(`lp`, int64(lp.ID)).Log(`event handler returned an error`)
		return
	}

	if lp.Pending.Len() > 0 {
		lp.State.Store(StateReady)
	} else {
		lp.State.Store(StateIdle)
	}

	if lp.pendingRollbackTarget != nil {
		target := *lp.pendingRollbackTarget
		lp.pendingRollbackTarget = nil
		w.rollbackLP(lp, target)
	}

	w.flushPendingAcks(lp)
	w.checkTermination(lp)
	w.dispatches++
	if w.k.cfg.DispatchFreq > 0 && w.dispatches%w.k.cfg.DispatchFreq == 0 {
		w.participateGVT(w.ctx)
	}
}

// deliver routes one incoming control message to the owned LP it targets.
func (w *Worker) deliver(msg wire.ControlMessage) {
	lp := w.findLP(msg.Receiver)
	if lp == nil {
		return
	}

	switch msg.Kind {
	case wire.KindPositive:
		w.deliverPositive(lp, msg)
	case wire.KindAntimessage:
		w.deliverAntimessage(lp, msg)
	case wire.KindRendezvousStart:
		w.deliverRendezvousStart(lp, msg)
	}
}

func (w *Worker) deliverPositive(lp *LP, msg wire.ControlMessage) {
	if msg.ReceiveTime < lp.LVT {
		w.requestRollback(lp, msg.ReceiveTime)
	}
	lp.mu.Lock()
	lp.Pending.Push(&event.Record{
		Sender:      msg.Sender,
		SendTime:    msg.SendTime,
		ReceiveTime: msg.ReceiveTime,
		Type:        msg.Type,
		Mark:        msg.Mark,
		Payload:     msg.Payload,
	})
	lp.mu.Unlock()
	if lp.State.Load() == StateIdle {
		lp.State.Store(StateReady)
	}
}

func (w *Worker) deliverAntimessage(lp *LP, msg wire.ControlMessage) {
	lp.mu.Lock()
	if rec, found := lp.History.FindByMark(msg.Mark); found {
		lp.History.RemoveByMark(msg.Mark)
		lp.mu.Unlock()
		w.requestRollback(lp, rec.ReceiveTime)
		return
	}
	lp.Pending.Push(&event.Record{
		Sender:      msg.Sender,
		ReceiveTime: msg.ReceiveTime,
		Type:        msg.Type,
		Mark:        msg.Mark,
		Antimessage: true,
	})
	lp.mu.Unlock()
}

func (w *Worker) deliverRendezvousStart(lp *LP, msg wire.ControlMessage) {
	if w.caughtUpTo(lp, msg.SendTime) {
		w.k.ecs.Ack(msg.Sender, msg.Receiver, msg.Mark, lp.LVT)
		return
	}
	lp.pendingAcks = append(lp.pendingAcks, msg)
}

// caughtUpTo reports whether lp's state is already settled as of t: either
// its LVT has reached t, or (just as safely) nothing left in its pending
// queue can still mutate state at or before t, so the current state already
// holds for all virtual time up to and including t. Without the second
// clause, an LP that runs out of events before reaching a requester's send
// time could never acknowledge a rendezvous against it.
func (w *Worker) caughtUpTo(lp *LP, t float64) bool {
	if lp.LVT >= t {
		return true
	}
	next, ok := lp.Pending.PeekNextReceiveTime()
	return !ok || next > t
}

// flushPendingAcks acknowledges every rendezvous request this LP can now
// satisfy, since its LVT has just advanced.
func (w *Worker) flushPendingAcks(lp *LP) {
	if len(lp.pendingAcks) == 0 {
		return
	}
	var kept []wire.ControlMessage
	for _, msg := range lp.pendingAcks {
		if w.caughtUpTo(lp, msg.SendTime) {
			w.k.ecs.Ack(msg.Sender, lp.ID, msg.Mark, lp.LVT)
		} else {
			kept = append(kept, msg)
		}
	}
	lp.pendingAcks = kept
}

// requestRollback schedules a rollback for lp to targetTime. If lp is
// currently mid-dispatch, the request is deferred until that dispatch
// reports back, rather than racing a live ProcessEvent call; a second
// straggler arriving before the first is applied simply lowers the target.
func (w *Worker) requestRollback(lp *LP, targetTime float64) {
	if lp.dispatching {
		if lp.pendingRollbackTarget == nil || targetTime < *lp.pendingRollbackTarget {
			t := targetTime
			lp.pendingRollbackTarget = &t
		}
		// The dispatch goroutine may be parked on an ECS rendezvous it will
		// never see acknowledged (its counterpart may itself be waiting on
		// this LP). Cancelling here frees the cycle per the rendezvous
		// protocol's straggler rule; the dispatch's result is discarded
		// once it reports back, since pendingRollbackTarget is now set.
		if lp.State.Load() == StateBlockedForRendezvous {
			w.k.ecs.CancelPending(lp.ID)
		}
		return
	}
	w.rollbackLP(lp, targetTime)
}

func (w *Worker) rollbackLP(lp *LP, targetTime float64) {
	coastForward := func(receiveTime float64, eventType uint32, payload []byte) error {
		mctx := w.k.newModelContext(lp, func(uint32, float64, uint32, []byte) {})
		return w.k.handler.ProcessEvent(lp.ID, receiveTime, eventType, payload, mctx)
	}

	lp.mu.Lock()
	res, err := rollback.Rollback(lp.rollbackView(w.k.ecs), targetTime, w.k.GVT(), coastForward)
	lp.mu.Unlock()
	if err != nil {
		w.fatal = &FatalError{LP: lp.ID, Cause: err}
		return
	}

	lp.LVT = res.TargetLVT
	if lp.Pending.Len() > 0 {
		lp.State.Store(StateReady)
	} else {
		lp.State.Store(StateIdle)
	}

	submitCtx := w.ctx
	if submitCtx == nil {
		submitCtx = context.Background()
	}
	for _, am := range res.Antimessages {
		if _, err := w.k.amBatcher.Submit(submitCtx, am.Message); err != nil {
			w.k.route(am.Message)
		}
	}
}

func (w *Worker) checkTermination(lp *LP) {
	if lp.terminated {
		return
	}
	if w.k.handler.OnGVT(lp.ID, lp.StateBytes) {
		lp.terminated = true
		lp.State.Store(StateTerminated)
	}
}

func (w *Worker) allTerminated() bool {
	for _, lp := range w.lps {
		if !lp.terminated {
			return false
		}
	}
	return true
}

func (w *Worker) findLP(id uint32) *LP {
	for _, lp := range w.lps {
		if lp.ID == id {
			return lp
		}
	}
	return nil
}

// participateGVT submits this worker's local cut (the minimum, across its
// LPs, of LVT and any not-yet-acknowledged send). Only worker 0 actually
// drives the reduction: Round drains exactly `workers` reports from the
// shared channel, so having every worker call it concurrently would split
// one round's reports across competing callers.
func (w *Worker) participateGVT(ctx context.Context) {
	cut := w.localCut()
	w.k.reducer.SubmitReport(gvt.Report{WorkerID: w.id, Cut: cut})

	if w.id != 0 {
		return
	}

	g, err := w.k.reducer.Round(ctx)
	if err != nil {
		return
	}
	if g <= w.k.GVT() {
		return
	}
	w.k.setGVT(g)
	for _, lp := range w.k.lps {
		lp.mu.Lock()
		gvt.FossilCollect(gvt.LPFossilState{
			ID:        lp.ID,
			Output:    lp.Output,
			History:   lp.History,
			Snapshots: lp.Snaps,
			ECS:       w.k.ecs,
		}, g)
		lp.mu.Unlock()
	}
	w.k.logger.Debug().Float64(`gvt`, g).Log(`gvt advanced`)
}

func (w *Worker) localCut() float64 {
	cut := w.k.GVT()
	first := true
	for _, lp := range w.lps {
		v := lp.LVT
		if t, ok := lp.Pending.PeekNextReceiveTime(); ok && t < v {
			v = t
		}
		if first || v < cut {
			cut = v
			first = false
		}
	}
	return cut
}
