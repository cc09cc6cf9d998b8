// Package phold implements the standard PHOLD synthetic workload as a
// model.Handler: each LP holds a token for a random interval then forwards
// it to a randomly chosen LP, producing the cross-LP message traffic
// Time Warp kernels are conventionally benchmarked against.
package phold

import (
	"encoding/binary"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/model"
)

const eventToken uint32 = 1

// Config parameterizes one PHOLD run.
type Config struct {
	// MeanDelay is the mean of the exponential holding time between a token's
	// arrival and its next forward.
	MeanDelay float64
	// RemoteProbability is the chance a forwarded token targets a different
	// LP rather than looping back to the sender.
	RemoteProbability float64
	// MaxEvents stops an LP once it has forwarded this many tokens; 0 means
	// unbounded (the driver must stop the kernel externally, e.g. via ctx).
	MaxEvents uint64
}

// Handler runs Config against an LP count fixed at construction.
type Handler struct {
	cfg Config
}

// New constructs a PHOLD handler.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// state is the per-LP snapshotable payload: just a forward counter.
type state struct {
	forwarded uint64
}

func decodeState(b []byte) state {
	if len(b) < 8 {
		return state{}
	}
	return state{forwarded: binary.LittleEndian.Uint64(b)}
}

func encodeState(s state) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, s.forwarded)
	return b
}

// ProcessEvent handles the INIT event (schedules the LP's first token, to
// itself or to a remote LP by the same rule as any forward) and every
// subsequent token forward.
func (h *Handler) ProcessEvent(lpID uint32, now float64, eventType uint32, payload []byte, ctx *model.Context) error {
	var s state
	if eventType != model.InitType {
		s = decodeState(ctx.State())
	}

	s.forwarded++

	dest := lpID
	if ctx.NProcTot() > 1 && ctx.Random() < h.cfg.RemoteProbability {
		dest = uint32(ctx.RandomRange(0, float64(ctx.NProcTot()-1)))
		if dest >= lpID {
			dest++
		}
	}

	delay := ctx.Expent(h.cfg.MeanDelay)
	ctx.SetState(encodeState(s))
	ctx.ScheduleNewEvent(dest, now+delay, eventToken, encodeState(s))
	return nil
}

// OnGVT stops an LP once it has forwarded MaxEvents tokens.
func (h *Handler) OnGVT(lpID uint32, stateSnapshot []byte) bool {
	if h.cfg.MaxEvents == 0 {
		return false
	}
	return decodeState(stateSnapshot).forwarded >= h.cfg.MaxEvents
}
