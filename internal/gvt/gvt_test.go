package gvt

import (
	"context"
	"testing"
	"time"

	"github.com/HPDCS/ROOT-Sim-sub000/internal/ecs"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/event"
	"github.com/HPDCS/ROOT-Sim-sub000/internal/snapshot"
)

func TestRoundTakesMinimumAcrossWorkers(t *testing.T) {
	r := NewReducer(3, 10*time.Millisecond)
	go func() {
		r.SubmitReport(Report{WorkerID: 0, Cut: 5})
		r.SubmitReport(Report{WorkerID: 1, Cut: 2})
		r.SubmitReport(Report{WorkerID: 2, Cut: 9})
	}()

	got, err := r.Round(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected GVT=2, got %v", got)
	}
}

func TestRoundTimesOutWhenAWorkerNeverReports(t *testing.T) {
	r := NewReducer(2, 10*time.Millisecond)
	go func() {
		r.SubmitReport(Report{WorkerID: 0, Cut: 1})
	}()

	if _, err := r.Round(context.Background()); err == nil {
		t.Fatalf("expected a timeout error when a worker never reports")
	}
}

func TestFossilCollectTrimsEverythingBelowGVT(t *testing.T) {
	out := event.NewOutput()
	out.Record(event.OutputRecord{SendTime: 1})
	out.Record(event.OutputRecord{SendTime: 10})
	hist := event.NewHistory()
	hist.Record(&event.Record{ReceiveTime: 1})
	hist.Record(&event.Record{ReceiveTime: 10})
	snaps := snapshot.NewLog(10)
	snaps.Append(snapshot.Entry{LVT: 0, Full: true})
	snaps.Append(snapshot.Entry{LVT: 10, Full: true})
	coord := ecs.NewCoordinator()

	FossilCollect(LPFossilState{ID: 0, Output: out, History: hist, Snapshots: snaps, ECS: coord}, 5)

	if out.Len() != 1 {
		t.Fatalf("expected output trimmed to 1 record, got %d", out.Len())
	}
	if hist.Len() != 1 {
		t.Fatalf("expected history trimmed to 1 record, got %d", hist.Len())
	}
	if got, _ := snaps.EarliestFullLVT(); got != 0 {
		t.Fatalf("expected the anchor snapshot at or below GVT retained, got %v", got)
	}
}
