// Package ecs implements the Extended Cross-State rendezvous protocol
// (C7): detecting a foreign-memory access, suspending the requesting LP,
// synchronizing virtual timelines with the target LP, and resuming once
// acknowledged.
package ecs

import (
	"sync"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/wire"
)

// Edge is a directed dependency A -> B recorded once A's rendezvous is
// acknowledged: A paused at LVT with mark M awaiting B's state to become
// consistent at that time.
type Edge struct {
	From, To uint32
	Mark     wire.Mark
	AtLVT    float64
}

// Waiter is a suspended LP's parked goroutine: blocking on ack receives its
// unblock signal here. This models user-level context switching as a
// goroutine park/unpark pair, per the specification's design note that a
// portable reimplementation may express rendezvous in terms of explicit
// suspension points rather than instruction-level resumption.
type Waiter struct {
	resume chan struct{}
}

// NewWaiter constructs a parked waiter.
func NewWaiter() *Waiter { return &Waiter{resume: make(chan struct{})} }

// Park blocks the calling goroutine (the worker's dispatch of the
// rendezvous-initiating LP) until Unpark is called.
func (w *Waiter) Park() { <-w.resume }

// Unpark releases a single parked waiter. Safe to call at most once per
// Waiter.
func (w *Waiter) Unpark() { close(w.resume) }

// Coordinator tracks outstanding rendezvous requests and dependency edges
// for every LP. One Coordinator is shared by all workers in a Kernel; its
// internal map is guarded by a mutex since rendezvous requests/acks are
// comparatively rare relative to event dispatch.
type Coordinator struct {
	mu          sync.Mutex
	pending     map[wire.Mark]*Waiter // outstanding START, awaiting ACK
	edges       map[uint32][]Edge     // by requesting LP (From)
	pendingMark map[uint32]wire.Mark  // From LP -> its one outstanding mark
}

// NewCoordinator constructs an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		pending:     make(map[wire.Mark]*Waiter),
		edges:       make(map[uint32][]Edge),
		pendingMark: make(map[uint32]wire.Mark),
	}
}

// BeginRendezvous registers a new outstanding request from `from` to `to` at
// `atLVT` with `mark`, returning the Waiter the caller parks on.
func (c *Coordinator) BeginRendezvous(from, to uint32, mark wire.Mark, atLVT float64) *Waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := NewWaiter()
	c.pending[mark] = w
	c.pendingMark[from] = mark
	return w
}

// Ack completes a rendezvous: records the dependency edge and unparks the
// waiter. Returns false if no such pending request exists (e.g. it was
// already cancelled by a rollback).
func (c *Coordinator) Ack(from, to uint32, mark wire.Mark, atLVT float64) bool {
	c.mu.Lock()
	w, ok := c.pending[mark]
	if ok {
		delete(c.pending, mark)
		delete(c.pendingMark, from)
		c.edges[from] = append(c.edges[from], Edge{From: from, To: to, Mark: mark, AtLVT: atLVT})
	}
	c.mu.Unlock()
	if ok {
		w.Unpark()
	}
	return ok
}

// DropEdgesAbove drops every dependency edge rooted by `from` at a time
// strictly greater than t, per rollback step 5 (fossil collection uses
// DropEdgesBelow instead). Reports the
// dropped edges in full (not just their marks), so callers can address the
// antimessage for each retracted RENDEZVOUS_START at its actual target LP.
func (c *Coordinator) DropEdgesAbove(from uint32, t float64) []Edge {
	c.mu.Lock()
	defer c.mu.Unlock()
	edges := c.edges[from]
	var kept, dropped []Edge
	for _, e := range edges {
		if e.AtLVT > t {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	c.edges[from] = kept
	return dropped
}

// DropEdgesBelow drops edges whose rendezvous mark originated at LVT < g,
// fossil collection's effect on the ECS dependency set.
func (c *Coordinator) DropEdgesBelow(from uint32, g float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	edges := c.edges[from]
	var kept []Edge
	for _, e := range edges {
		if e.AtLVT >= g {
			kept = append(kept, e)
		}
	}
	c.edges[from] = kept
}

// CancelPending cancels an outstanding (not-yet-acked) rendezvous for
// `from`, unparking its waiter without recording an edge -- used when a
// straggler arrives at the blocked LP and must cancel the rendezvous to
// free any cycle (per the specification: "a straggler will cancel the
// rendezvous, freeing the cycle").
func (c *Coordinator) CancelPending(from uint32) {
	c.mu.Lock()
	mark, blocked := c.pendingMark[from]
	var waiter *Waiter
	if blocked {
		waiter = c.pending[mark]
		delete(c.pending, mark)
		delete(c.pendingMark, from)
	}
	c.mu.Unlock()
	if waiter != nil {
		waiter.Unpark()
	}
}

// Edges returns a copy of the dependency edges rooted at `from`.
func (c *Coordinator) Edges(from uint32) []Edge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Edge(nil), c.edges[from]...)
}
