package bidi

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/source"
)

func TestFilter_DropsMatchingOriginTransaction(t *testing.T) {
	f := NewFilter("pgcdc-a", zerolog.Nop())

	in := make(chan source.CDCEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := f.Run(ctx, in)

	// Transaction tagged with our own origin: Begin, Origin, Insert, Commit
	// should all be dropped.
	in <- source.CDCEvent{Kind: source.EventBegin, FinalLSN: 100, XID: 1}
	in <- source.CDCEvent{Kind: source.EventOrigin, OriginName: "pgcdc-a"}
	in <- source.CDCEvent{Kind: source.EventInsert}
	in <- source.CDCEvent{Kind: source.EventCommit, CommitLSN: 100}

	// A second transaction with no origin message passes through whole.
	in <- source.CDCEvent{Kind: source.EventBegin, FinalLSN: 200, XID: 2}
	in <- source.CDCEvent{Kind: source.EventInsert}
	in <- source.CDCEvent{Kind: source.EventCommit, CommitLSN: 200}

	close(in)

	var received []source.CDCEvent
	for ev := range out {
		received = append(received, ev)
	}

	if len(received) != 3 {
		t.Fatalf("expected 3 events to pass through, got %d: %+v", len(received), received)
	}
	if received[0].Kind != source.EventBegin || received[0].FinalLSN != 200 {
		t.Errorf("expected first passed event to be the second transaction's Begin, got %+v", received[0])
	}
	if received[2].Kind != source.EventCommit || received[2].CommitLSN != 200 {
		t.Errorf("expected last passed event to be the second transaction's Commit, got %+v", received[2])
	}
}

func TestFilter_EmptyOriginPassesEverything(t *testing.T) {
	f := NewFilter("", zerolog.Nop())

	in := make(chan source.CDCEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := f.Run(ctx, in)

	in <- source.CDCEvent{Kind: source.EventBegin, FinalLSN: 1}
	in <- source.CDCEvent{Kind: source.EventOrigin, OriginName: "some-other-node"}
	in <- source.CDCEvent{Kind: source.EventInsert}
	in <- source.CDCEvent{Kind: source.EventCommit, CommitLSN: 1}
	close(in)

	var count int
	for range out {
		count++
	}
	if count != 4 {
		t.Errorf("expected all 4 events to pass through, got %d", count)
	}
}

func TestFilter_NonMatchingOriginPassesThrough(t *testing.T) {
	f := NewFilter("pgcdc-a", zerolog.Nop())

	in := make(chan source.CDCEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := f.Run(ctx, in)

	in <- source.CDCEvent{Kind: source.EventBegin, FinalLSN: 1}
	in <- source.CDCEvent{Kind: source.EventOrigin, OriginName: "pgcdc-b"}
	in <- source.CDCEvent{Kind: source.EventInsert}
	in <- source.CDCEvent{Kind: source.EventCommit, CommitLSN: 1}
	close(in)

	var count int
	for range out {
		count++
	}
	if count != 4 {
		t.Errorf("expected all 4 events from a non-matching origin to pass through, got %d", count)
	}
}

func TestFilter_ContextCancellationClosesOutput(t *testing.T) {
	f := NewFilter("origin", zerolog.Nop())

	in := make(chan source.CDCEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())

	out := f.Run(ctx, in)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected channel to close after context cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Error("output channel did not close after context cancellation")
	}
}
