// Package event implements the per-LP pending-event priority queue and the
// matched output queue used for antimessage retraction on rollback.
package event

import (
	"container/heap"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/wire"
)

// Record is a scheduled event, positive or antimessage, held in a Pending
// queue pending dispatch.
type Record struct {
	Sender      uint32
	SendTime    float64
	ReceiveTime float64
	Type        uint32
	Mark        wire.Mark
	Payload     []byte
	Antimessage bool
	// Processed marks a record that has already been dispatched once; set by
	// the scheduler, cleared by the rollback engine when reinserting events for
	// re-processing (spec step 3 of the rollback algorithm).
	Processed bool
}

// less orders two records by (receive time, sender id, mark), the
// deterministic tie-break rule.
func less(a, b *Record) bool {
	if a.ReceiveTime != b.ReceiveTime {
		return a.ReceiveTime < b.ReceiveTime
	}
	if a.Sender != b.Sender {
		return a.Sender < b.Sender
	}
	return a.Mark < b.Mark
}

// pendingHeap is a min-heap of *Record, ordered by less. Mirrors the
// loop/timer heap shape: a plain slice implementing heap.Interface, append
// on Push, truncate on Pop.
type pendingHeap []*Record

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)         { *h = append(*h, x.(*Record)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// Pending is an LP's priority queue of not-yet-dispatched events, plus a set
// of stray antimessages awaiting their positive twin.
type Pending struct {
	heap   pendingHeap
	stray  map[wire.Mark]*Record
}

// NewPending constructs an empty pending queue.
func NewPending() *Pending {
	return &Pending{stray: make(map[wire.Mark]*Record)}
}

// Push inserts an event. Never fails; the queue grows as needed. If the
// record is an antimessage and its positive twin is already queued, or the
// record is a positive whose antimessage is already held as a stray, the pair
// annihilates immediately and Push reports false (nothing was actually
// enqueued); otherwise it reports true (an antimessage with no queued twin is
// held as a stray).
func (p *Pending) Push(r *Record) (enqueued bool) {
	if r.Antimessage {
		if i, ok := p.findPositive(r.Mark); ok {
			heap.Remove(&p.heap, i)
			return false
		}
		p.stray[r.Mark] = r
		return true
	}
	if _, ok := p.stray[r.Mark]; ok {
		delete(p.stray, r.Mark)
		return false
	}
	heap.Push(&p.heap, r)
	return true
}

func (p *Pending) findPositive(mark wire.Mark) (int, bool) {
	for i, r := range p.heap {
		if !r.Antimessage && r.Mark == mark {
			return i, true
		}
	}
	return 0, false
}

// PeekNextReceiveTime returns the receive time of the earliest pending
// event, and whether the queue is non-empty.
func (p *Pending) PeekNextReceiveTime() (float64, bool) {
	if len(p.heap) == 0 {
		return 0, false
	}
	return p.heap[0].ReceiveTime, true
}

// Len reports the number of positive events currently queued.
func (p *Pending) Len() int { return len(p.heap) }

// PopMin removes and returns the earliest pending event.
func (p *Pending) PopMin() (*Record, bool) {
	if len(p.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&p.heap).(*Record), true
}

// CutAfter removes and returns all events with receive time strictly greater
// than T, for use when rolling back: these events must be set aside and
// reconsidered (coast-forward consumes the ones at or below T_rb; events
// above T_rb stay pending per step 3 of the rollback algorithm).
func (p *Pending) CutAfter(t float64) []*Record {
	var cut []*Record
	var kept pendingHeap
	for _, r := range p.heap {
		if r.ReceiveTime > t {
			cut = append(cut, r)
		} else {
			kept = append(kept, r)
		}
	}
	p.heap = kept
	heap.Init(&p.heap)
	return cut
}

// MatchAntimessage locates the positive event with the given mark. If found,
// both are cancelled (the positive removed) and ok reports true. If absent,
// the antimessage is remembered as a stray so a future arrival of the
// positive twin annihilates on delivery, and ok reports false.
func (p *Pending) MatchAntimessage(mark wire.Mark) (ok bool) {
	if i, found := p.findPositive(mark); found {
		heap.Remove(&p.heap, i)
		return true
	}
	p.stray[mark] = &Record{Mark: mark, Antimessage: true}
	return false
}

// OutputRecord shadows a sent positive event, kept until its antimessage is
// required (rollback) or it is fossil-collected below GVT.
type OutputRecord struct {
	Mark        wire.Mark
	Destination uint32
	SendTime    float64
	ReceiveTime float64
	Type        uint32
	Payload     []byte
}

// Output is an LP's send log, ordered by send time.
type Output struct {
	records []OutputRecord
}

// NewOutput constructs an empty output queue.
func NewOutput() *Output { return &Output{} }

// Record appends an output record. Output records are appended in send-time
// order by construction (an LP's LVT is non-decreasing between rollbacks),
// so no sort is required here.
func (o *Output) Record(r OutputRecord) {
	o.records = append(o.records, r)
}

// AntimessagesAfter enumerates, and removes, records with send time strictly
// greater than T, for antimessage regeneration during rollback (step 2 of
// the rollback algorithm operates on (T_restore, LVT]; the rollback engine
// passes T_restore as T, and no upper bound is applied since no record is
// sent later than the LP's current LVT).
func (o *Output) AntimessagesAfter(t float64) []OutputRecord {
	i := 0
	for i < len(o.records) && o.records[i].SendTime <= t {
		i++
	}
	cut := append([]OutputRecord(nil), o.records[i:]...)
	o.records = o.records[:i]
	return cut
}

// TrimBelow discards output records with send time strictly less than G,
// part of fossil collection.
func (o *Output) TrimBelow(g float64) {
	i := 0
	for i < len(o.records) && o.records[i].SendTime < g {
		i++
	}
	o.records = o.records[i:]
}

// Len reports the number of output records currently retained.
func (o *Output) Len() int { return len(o.records) }

// History retains dispatched events in receive-time order so the rollback
// engine can coast-forward without re-delivering them through the pending
// queue (once popped for dispatch, an event is gone from Pending). Entries
// strictly below GVT are fossil-collected since no future rollback can ever
// target them.
type History struct {
	records []*Record
}

// NewHistory constructs an empty dispatch history.
func NewHistory() *History { return &History{} }

// Record appends a dispatched event to the history; callers append in
// dispatch order, which is receive-time order modulo rollback.
func (h *History) Record(r *Record) {
	h.records = append(h.records, r)
}

// Between returns the dispatched events with receive time in (lo, hi].
func (h *History) Between(lo, hi float64) []*Record {
	var out []*Record
	for _, r := range h.records {
		if r.ReceiveTime > lo && r.ReceiveTime <= hi {
			out = append(out, r)
		}
	}
	return out
}

// TruncateAfter discards history entries with receive time strictly greater
// than t, mirroring the snapshot log's truncation when a rollback overwrites
// the trace above the restore point.
func (h *History) TruncateAfter(t float64) {
	i := 0
	for i < len(h.records) && h.records[i].ReceiveTime <= t {
		i++
	}
	h.records = h.records[:i]
}

// CutAfter removes and returns history entries with receive time strictly
// greater than t. Unlike TruncateAfter, the caller gets the cut records back:
// a dispatched event already removed from Pending lives only here, so a
// rollback whose target falls short of a record already in history must
// recover it through CutAfter and reinsert it into Pending for redelivery,
// not merely discard it.
func (h *History) CutAfter(t float64) []*Record {
	i := 0
	for i < len(h.records) && h.records[i].ReceiveTime <= t {
		i++
	}
	cut := append([]*Record(nil), h.records[i:]...)
	h.records = h.records[:i]
	return cut
}

// TrimBelow discards history entries with receive time strictly less than
// G, part of fossil collection.
func (h *History) TrimBelow(g float64) {
	i := 0
	for i < len(h.records) && h.records[i].ReceiveTime < g {
		i++
	}
	h.records = h.records[i:]
}

// Len reports the number of retained history entries.
func (h *History) Len() int { return len(h.records) }

// FindByMark locates an already-dispatched record by its mark, for detecting
// an antimessage whose positive twin was processed before the antimessage
// arrived (the straggler case that forces a rollback rather than a simple
// pending-queue annihilation).
func (h *History) FindByMark(mark wire.Mark) (*Record, bool) {
	for _, r := range h.records {
		if r.Mark == mark {
			return r, true
		}
	}
	return nil, false
}

// RemoveByMark discards the record with the given mark, if present, for use
// once an antimessage has rolled the LP back before it and the record is no
// longer reachable as dispatch history.
func (h *History) RemoveByMark(mark wire.Mark) {
	for i, r := range h.records {
		if r.Mark == mark {
			h.records = append(h.records[:i], h.records[i+1:]...)
			return
		}
	}
}
