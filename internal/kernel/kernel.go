// Package kernel implements the LP scheduler (C5): the explicit Kernel
// object owned by main, the per-worker cooperative loops, and their
// cooperation with C1-C9 to dispatch events, detect stragglers, run GVT
// rounds, and fossil-collect.
package kernel

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/ecs"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/event"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/fault"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/gvt"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/klog"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/lpalloc"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/model"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/snapshot"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/wire"
)

// Config carries the structural parameters named in the external
// interfaces section: worker and LP counts, the model input, and the GVT
// and checkpoint periods.
type Config struct {
	Workers      int
	LPs          int
	RegionSize   int
	GVTPeriod    time.Duration
	CkptPeriod   int
	DispatchFreq int // participate in GVT after this many dispatches, per worker
	Input        []byte
}

// DefaultConfig fills in the literal defaults named across the
// specification (checkpoint period 10, etc.).
func DefaultConfig() Config {
	return Config{
		Workers:      1,
		LPs:          1,
		RegionSize:   1 << 20,
		GVTPeriod:    50 * time.Millisecond,
		CkptPeriod:   10,
		DispatchFreq: 64,
	}
}

// FatalError is a kernel invariant violation or a handler error: it records
// the LP it occurred at and the cause, then the simulation stops. The event
// under dispatch is not recorded in it.
type FatalError struct {
	LP    uint32
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("kernel: fatal error at LP %d: %v", e.LP, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Kernel is the explicit object owning every LP table and the GVT value,
// passed to each worker at spawn; workers hold only a non-owning reference,
// per the specification's redesign note on eliminating global mutable
// state.
type Kernel struct {
	cfg     Config
	handler model.Handler
	logger  *klog.Logger

	arena *lpalloc.Arena
	lps   []*LP
	ecs   *ecs.Coordinator
	fault fault.Resolver

	workers []*Worker
	owner   []int // LP id -> worker index

	gvtBits atomic.Uint64 // math.Float64bits(GVT)
	reducer *gvt.Reducer

	// amBatcher groups outbound antimessages from concurrent rollbacks into
	// small batches before routing, instead of dispatching each one the
	// instant the rollback engine produces it.
	amBatcher *microbatch.Batcher[wire.ControlMessage]
}

// New constructs a Kernel with cfg.LPs logical processes statically
// partitioned, round-robin, across cfg.Workers workers.
func New(cfg Config, handler model.Handler, logger *klog.Logger) *Kernel {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LPs < 1 {
		cfg.LPs = 1
	}
	if logger == nil {
		logger = klog.New(nil)
	}

	arena := lpalloc.NewArena(cfg.LPs, cfg.RegionSize)
	k := &Kernel{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		arena:   arena,
		lps:     make([]*LP, cfg.LPs),
		ecs:     ecs.NewCoordinator(),
		fault:   fault.Resolver{RegionSize: cfg.RegionSize, Count: cfg.LPs},
		owner:   make([]int, cfg.LPs),
		reducer: gvt.NewReducer(cfg.Workers, cfg.GVTPeriod),
	}

	for i := 0; i < cfg.LPs; i++ {
		k.lps[i] = &LP{
			ID:      uint32(i),
			State:   NewFastState(),
			Pending: event.NewPending(),
			Output:  event.NewOutput(),
			History: event.NewHistory(),
			Snaps:   snapshot.NewLog(maxInt(cfg.CkptPeriod, 1)),
			Region:  arena.Region(uint32(i)),
			RNG:     model.NewRNG(uint64(i) + 1),
		}
		k.owner[i] = i % cfg.Workers
	}

	k.workers = make([]*Worker, cfg.Workers)
	for w := 0; w < cfg.Workers; w++ {
		k.workers[w] = newWorker(w, k)
	}
	for _, lp := range k.lps {
		k.workers[k.owner[lp.ID]].lps = append(k.workers[k.owner[lp.ID]].lps, lp)
	}

	k.amBatcher = microbatch.NewBatcher[wire.ControlMessage](&microbatch.BatcherConfig{
		MaxSize:       maxInt(cfg.Workers*4, 16),
		FlushInterval: 2 * time.Millisecond,
	}, func(_ context.Context, jobs []wire.ControlMessage) error {
		for _, msg := range jobs {
			k.route(msg)
		}
		return nil
	})

	logger.Info().
		Int64(`workers`, int64(cfg.Workers)).
		Int64(`lps`, int64(cfg.LPs)).
		Int64(`region_size`, int64(cfg.RegionSize)).
		Log(`kernel constructed`)

	return k
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// GVT returns the current global virtual time.
func (k *Kernel) GVT() float64 {
	return math.Float64frombits(k.gvtBits.Load())
}

func (k *Kernel) setGVT(g float64) {
	k.gvtBits.Store(math.Float64bits(g))
}

// Run starts every worker, seeds each LP with its INIT event, and blocks
// until all LPs have terminated or ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	defer k.amBatcher.Close()

	for _, lp := range k.lps {
		lp.Pending.Push(&event.Record{
			ReceiveTime: 0,
			Type:        model.InitType,
			Payload:     k.cfg.Input,
		})
	}

	k.logger.Info().Log(`starting workers`)

	errCh := make(chan error, len(k.workers))
	for _, w := range k.workers {
		w := w
		go func() { errCh <- w.run(ctx) }()
	}

	var firstErr error
	for range k.workers {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		k.logger.Err().Err(firstErr).Log(`simulation stopped`)
	} else {
		k.logger.Info().Float64(`gvt`, k.GVT()).Log(`simulation complete`)
	}
	return firstErr
}

// route delivers msg to the worker owning its destination LP.
func (k *Kernel) route(msg wire.ControlMessage) {
	dest := msg.Receiver
	w := k.workers[k.owner[dest]]
	w.inbox <- msg
}

// newModelContext builds the Context passed to one ProcessEvent call. Reads
// and allocation always go through the real region/ECS machinery; only the
// send behavior varies (e.g. coast-forward replay suppresses sends, since
// they were already logged the first time this event was dispatched).
func (k *Kernel) newModelContext(lp *LP, send model.ScheduleFunc) *model.Context {
	readForeign := func(address, size int) ([]byte, error) {
		return k.readForeign(lp, address, size)
	}
	malloc := func(n int) ([]byte, int, error) {
		offset := lp.Region.Brk()
		data, err := lp.Region.Malloc(n)
		if err != nil {
			return nil, 0, err
		}
		return data, int(lp.ID)*k.cfg.RegionSize + offset, nil
	}
	return model.NewContext(lp.ID, uint32(k.cfg.LPs), &lp.StateBytes, lp.RNG, &lp.IDCtr, send, readForeign, malloc)
}

// buildSnapshotEntry captures lp's current state as either a full snapshot
// (the whole SetState buffer and the whole region) or an incremental one
// (the SetState buffer again, since it has no stable layout to diff, plus
// only the region bytes dirtied since the last checkpoint), per C2's
// checkpoint contract.
func (k *Kernel) buildSnapshotEntry(lp *LP, full bool) snapshot.Entry {
	e := snapshot.Entry{
		LVT:        lp.LVT,
		Full:       full,
		RNGState:   lp.RNG.Bytes(),
		AllocMeta:  snapshot.AllocMeta{Brk: lp.Region.Brk()},
		StateBytes: append([]byte(nil), lp.StateBytes...),
	}
	if full {
		e.RegionFull = append([]byte(nil), lp.Region.Bytes()...)
		return e
	}
	for _, r := range lp.Region.DirtyBytes() {
		e.RegionDeltas = append(e.RegionDeltas, snapshot.Delta{
			Offset: r[0],
			Data:   append([]byte(nil), lp.Region.Bytes()[r[0]:r[1]]...),
		})
	}
	return e
}

// readForeign implements Context.ReadForeign: a local read if address falls
// in the caller's own region, otherwise a full ECS rendezvous (C7) against
// the owning LP before returning the bytes.
func (k *Kernel) readForeign(lp *LP, address, size int) ([]byte, error) {
	owner, ok := k.fault.Resolve(address)
	if !ok {
		return nil, fmt.Errorf("kernel: address %#x out of range", address)
	}
	localOffset := address - int(owner)*k.cfg.RegionSize

	if owner == lp.ID {
		region := lp.Region
		return append([]byte(nil), region.Bytes()[localOffset:localOffset+size]...), nil
	}

	lp.mu.Lock()
	lp.SendCtr++
	mark := wire.NewMark(lp.ID, lp.SendCtr)
	lp.mu.Unlock()

	waiter := k.ecs.BeginRendezvous(lp.ID, owner, mark, lp.LVT)
	lp.State.Store(StateBlockedForRendezvous)
	k.route(wire.ControlMessage{
		Sender:      lp.ID,
		Receiver:    owner,
		SendTime:    lp.LVT,
		ReceiveTime: lp.LVT,
		Kind:        wire.KindRendezvousStart,
		Mark:        mark,
	})
	waiter.Park()
	lp.State.Store(StateRunning)

	region := k.arena.Region(owner)
	return append([]byte(nil), region.Bytes()[localOffset:localOffset+size]...), nil
}
