// Package gvt computes global virtual time via a two-phase reduction and
// drives fossil collection once it advances.
package gvt

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-longpoll"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/ecs"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/event"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/snapshot"
)

// Report is one worker's local contribution to a GVT round: the minimum of
// its LPs' LVTs and the send time of any in-flight message it has not yet
// confirmed delivered.
type Report struct {
	WorkerID int
	Cut      float64
}

const roundCategory = "gvt-round"

// Reducer runs the two-phase GVT reduction. Phase 1 gathers exactly
// `workers` reports via a bounded long-poll; phase 2 takes their minimum.
// Round attempts themselves are throttled to roughly once per period via a
// catrate limiter, so workers asking to participate faster than
// --gvt-period don't each force a reduction.
type Reducer struct {
	workers int
	limiter *catrate.Limiter
	timeout time.Duration
	reports chan Report
}

// NewReducer constructs a Reducer for the given worker count and round
// period (used both as the catrate throttle window and as the longpoll
// PartialTimeout).
func NewReducer(workers int, period time.Duration) *Reducer {
	if workers <= 0 {
		panic("gvt: workers must be positive")
	}
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	return &Reducer{
		workers: workers,
		limiter: catrate.NewLimiter(map[time.Duration]int{period: 1}),
		timeout: period,
		reports: make(chan Report, workers),
	}
}

// SubmitReport delivers one worker's cut for the round currently being
// collected. Safe to call concurrently from multiple workers. Never blocks:
// a throttled or not-yet-attempted Round leaves earlier reports undrained,
// so once the channel is full this drops the oldest buffered report rather
// than stall the caller's dispatch loop waiting for a reduction that may not
// happen for a while yet. Dropping is safe since a cut is just a
// conservative lower bound; using a slightly stale one only delays GVT
// advancement, never corrupts it.
func (r *Reducer) SubmitReport(rep Report) {
	for {
		select {
		case r.reports <- rep:
			return
		default:
		}
		select {
		case <-r.reports:
		default:
		}
	}
}

// ErrRoundTimedOut is returned by Round when not every worker reported
// within the configured timeout; the round is aborted without effect, since
// GVT only ever advances monotonically and the next round starts fresh.
var ErrRoundTimedOut = fmt.Errorf("gvt: round timed out waiting for worker reports")

// ErrThrottled is returned by Round when called more often than the
// configured period allows; callers should simply retry later.
var ErrThrottled = fmt.Errorf("gvt: round attempt throttled")

// Round attempts one GVT reduction. It blocks until either every worker has
// reported or the timeout elapses.
func (r *Reducer) Round(ctx context.Context) (float64, error) {
	if _, ok := r.limiter.Allow(roundCategory); !ok {
		return 0, ErrThrottled
	}

	min := float64(0)
	first := true
	count := 0
	err := longpoll.Channel(ctx, &longpoll.ChannelConfig{
		MinSize:        r.workers,
		MaxSize:        r.workers,
		PartialTimeout: r.timeout,
	}, r.reports, func(rep Report) error {
		if first || rep.Cut < min {
			min = rep.Cut
			first = false
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("gvt: %w", err)
	}
	if count < r.workers {
		return 0, ErrRoundTimedOut
	}
	return min, nil
}

// LPFossilState bundles the per-LP subsystems fossil collection trims.
type LPFossilState struct {
	ID        uint32
	Output    *event.Output
	History   *event.History
	Snapshots *snapshot.Log
	ECS       *ecs.Coordinator
}

// FossilCollect discards everything strictly below g from one LP's output
// queue, history, snapshot log, and ECS dependency set, keeping the anchor
// full snapshot as the specification requires.
func FossilCollect(lp LPFossilState, g float64) {
	lp.Output.TrimBelow(g)
	lp.History.TrimBelow(g)
	lp.Snapshots.TrimBelow(g)
	lp.ECS.DropEdgesBelow(lp.ID, g)
}
