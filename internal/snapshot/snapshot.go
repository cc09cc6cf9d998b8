// Package snapshot implements the per-LP checkpoint log: periodic full and
// incremental snapshots, restore, and fossil-collection trimming.
package snapshot

import "fmt"

// AllocMeta captures the allocator metadata an entry must restore alongside
// state bytes (the bump pointer, so restore resets brk exactly).
type AllocMeta struct {
	Brk int
}

// Delta is an incremental record: the byte range [Offset, Offset+len(Data))
// that changed since the previous entry.
type Delta struct {
	Offset int
	Data   []byte
}

// Entry is one checkpoint. StateBytes is the model's SetState buffer,
// captured in full on every entry since SetState always replaces it whole --
// there is no meaningful "delta" of a buffer with no stable layout. RegionFull
// and RegionDeltas instead cover the allocator arena, which is addressed by
// byte offset and so does admit incremental tracking: RegionFull holds the
// entire live region (only set when Full) and RegionDeltas holds just the
// dirty byte ranges since the previous entry (only set otherwise).
type Entry struct {
	LVT          float64
	Full         bool
	RNGState     []byte
	AllocMeta    AllocMeta
	StateBytes   []byte
	RegionFull   []byte // only set when Full
	RegionDeltas []Delta
}

// Log is an LP's ordered sequence of checkpoints, strictly ordered by LVT,
// with a full snapshot anchoring every incremental chain.
type Log struct {
	entries          []Entry
	sinceLastFull    int
	period           int
}

// NewLog constructs a Log with the given snapshot period P (events between
// full snapshots); P must be >= 1.
func NewLog(period int) *Log {
	if period < 1 {
		panic("snapshot: period must be >= 1")
	}
	return &Log{period: period}
}

// ShouldSnapshot reports whether the checkpoint about to be appended should
// be full: true when it is the Pth since the last full snapshot (P=1 means
// every event gets a full snapshot) or when the log is empty.
func (l *Log) ShouldSnapshot() bool {
	return l.sinceLastFull+1 >= l.period || len(l.entries) == 0
}

// Append records a new entry. The caller decides, via ShouldSnapshot,
// whether full=true; Append itself just tracks the period counter.
func (l *Log) Append(e Entry) {
	if e.Full {
		l.sinceLastFull = 0
	} else {
		l.sinceLastFull++
	}
	l.entries = append(l.entries, e)
}

// Len reports the number of retained entries.
func (l *Log) Len() int { return len(l.entries) }

// EarliestFullLVT returns the LVT of the earliest retained full snapshot.
func (l *Log) EarliestFullLVT() (float64, bool) {
	for _, e := range l.entries {
		if e.Full {
			return e.LVT, true
		}
	}
	return 0, false
}

// ErrNoFullSnapshot indicates a restore target precedes every retained full
// snapshot -- impossible given the log invariant, and therefore a kernel
// bug if it ever occurs.
var ErrNoFullSnapshot = fmt.Errorf("snapshot: no full snapshot at or before restore target")

// Restore finds the latest full snapshot S with S.LVT <= target, then
// replays incrementals up to the largest entry still <= target. It returns
// the reconstructed SetState buffer, the reconstructed region arena bytes,
// RNG state, and allocator metadata; the caller (rollback engine) is
// responsible for coast-forwarding any gap between the last replayed entry's
// LVT and target.
func (l *Log) Restore(target float64) (state []byte, region []byte, rng []byte, alloc AllocMeta, anchorLVT float64, err error) {
	fullIdx := -1
	for i, e := range l.entries {
		if e.Full && e.LVT <= target {
			fullIdx = i
		}
		if e.LVT > target {
			break
		}
	}
	if fullIdx < 0 {
		return nil, nil, nil, AllocMeta{}, 0, ErrNoFullSnapshot
	}

	base := l.entries[fullIdx]
	state = append([]byte(nil), base.StateBytes...)
	region = append([]byte(nil), base.RegionFull...)
	rng = append([]byte(nil), base.RNGState...)
	alloc = base.AllocMeta
	anchorLVT = base.LVT

	for i := fullIdx + 1; i < len(l.entries) && l.entries[i].LVT <= target; i++ {
		e := l.entries[i]
		state = append([]byte(nil), e.StateBytes...)
		for _, d := range e.RegionDeltas {
			end := d.Offset + len(d.Data)
			if end > len(region) {
				grown := make([]byte, end)
				copy(grown, region)
				region = grown
			}
			copy(region[d.Offset:end], d.Data)
		}
		if len(e.RNGState) > 0 {
			rng = append([]byte(nil), e.RNGState...)
		}
		alloc = e.AllocMeta
		anchorLVT = e.LVT
	}
	return state, region, rng, alloc, anchorLVT, nil
}

// TruncateAfter discards entries with LVT strictly greater than t. The
// rollback engine calls it with the restore point before coast-forward, so
// the entries above that point are dropped rather than overwritten.
func (l *Log) TruncateAfter(t float64) {
	i := 0
	for i < len(l.entries) && l.entries[i].LVT <= t {
		i++
	}
	l.entries = l.entries[:i]
	l.sinceLastFull = 0
	for j := len(l.entries) - 1; j >= 0; j-- {
		if l.entries[j].Full {
			break
		}
		l.sinceLastFull++
	}
}

// TrimBelow keeps the latest full snapshot with LVT <= G and all subsequent
// entries, discarding everything strictly before that anchor -- fossil
// collection's effect on the snapshot log.
func (l *Log) TrimBelow(g float64) {
	anchor := -1
	for i, e := range l.entries {
		if e.Full && e.LVT <= g {
			anchor = i
		}
	}
	if anchor <= 0 {
		return
	}
	l.entries = l.entries[anchor:]
}
