package phold

import (
	"testing"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/model"
)

// newTestContext builds a Context that records the one ScheduleNewEvent call
// ProcessEvent makes per dispatch, without requiring a full kernel.
func newTestContext(lpID uint32, nProcs uint32, state *[]byte, rng *model.RNG, sent *[]sentEvent) *model.Context {
	var idCtr uint64
	return model.NewContext(lpID, nProcs, state, rng, &idCtr,
		func(dest uint32, rt float64, et uint32, payload []byte) {
			*sent = append(*sent, sentEvent{dest: dest, receiveTime: rt, eventType: et, payload: payload})
		},
		func(int, int) ([]byte, error) { return nil, nil },
		func(n int) ([]byte, int, error) { return make([]byte, n), 0, nil },
	)
}

type sentEvent struct {
	dest        uint32
	receiveTime float64
	eventType   uint32
	payload     []byte
}

func TestProcessEventAlwaysForwardsExactlyOnce(t *testing.T) {
	h := New(Config{MeanDelay: 1.0, RemoteProbability: 0.5})
	var state []byte
	var sent []sentEvent
	ctx := newTestContext(0, 4, &state, model.NewRNG(1), &sent)

	if err := h.ProcessEvent(0, 0, model.InitType, nil, ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected exactly one forward, got %d", len(sent))
	}
	if sent[0].receiveTime <= 0 {
		t.Fatalf("expected a strictly positive holding delay, got %v", sent[0].receiveTime)
	}
	if decodeState(state).forwarded != 1 {
		t.Fatalf("expected forwarded counter to advance to 1, got state %+v", decodeState(state))
	}
}

func TestProcessEventNeverTargetsSelfWhenRemoteChosen(t *testing.T) {
	h := New(Config{MeanDelay: 1.0, RemoteProbability: 1.0})

	for lp := uint32(0); lp < 4; lp++ {
		var state []byte
		var sent []sentEvent
		ctx := newTestContext(lp, 4, &state, model.NewRNG(uint64(lp)+1), &sent)
		if err := h.ProcessEvent(lp, 0, model.InitType, nil, ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sent[0].dest == lp {
			t.Fatalf("RemoteProbability=1.0 forwarded LP %d to itself", lp)
		}
	}
}

func TestProcessEventSingleLPAlwaysLoopsBackToSelf(t *testing.T) {
	h := New(Config{MeanDelay: 1.0, RemoteProbability: 1.0})
	var state []byte
	var sent []sentEvent
	ctx := newTestContext(0, 1, &state, model.NewRNG(1), &sent)

	if err := h.ProcessEvent(0, 0, model.InitType, nil, ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent[0].dest != 0 {
		t.Fatalf("expected single-LP PHOLD to loop back to LP 0, got %d", sent[0].dest)
	}
}

func TestOnGVTStopsAtMaxEvents(t *testing.T) {
	h := New(Config{MaxEvents: 3})

	if h.OnGVT(0, encodeState(state{forwarded: 2})) {
		t.Fatalf("should not stop before reaching MaxEvents")
	}
	if !h.OnGVT(0, encodeState(state{forwarded: 3})) {
		t.Fatalf("should stop once forwarded reaches MaxEvents")
	}
}

func TestOnGVTUnboundedWhenMaxEventsZero(t *testing.T) {
	h := New(Config{MaxEvents: 0})
	if h.OnGVT(0, encodeState(state{forwarded: 1 << 20})) {
		t.Fatalf("MaxEvents=0 should never terminate the LP")
	}
}
