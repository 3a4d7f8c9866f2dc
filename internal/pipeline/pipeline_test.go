package pipeline

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/sink"
	"github.com/jfoltran/pgcdc/internal/snapshot"
)

func TestPendingTables(t *testing.T) {
	tables := []snapshot.TableInfo{
		{Schema: "public", Name: "orders"},
		{Schema: "public", Name: "customers"},
		{Schema: "public", Name: "line_items"},
	}

	resume := sink.ResumptionState{
		PerTable: map[string]sink.TableState{
			"orders":    sink.TableCopied,
			"customers": sink.TableCopying,
		},
	}

	pending := pendingTables(tables, resume)

	if len(pending) != 2 {
		t.Fatalf("got %d pending tables, want 2: %+v", len(pending), pending)
	}
	names := map[string]bool{}
	for _, tb := range pending {
		names[tb.QualifiedName()] = true
	}
	if !names["customers"] {
		t.Error("expected customers (TableCopying, not TableCopied) to still be pending")
	}
	if !names["line_items"] {
		t.Error("expected line_items (absent from PerTable) to be pending")
	}
	if names["orders"] {
		t.Error("expected orders (TableCopied) to not be pending")
	}
}

func TestPendingTables_EmptyResumeState(t *testing.T) {
	tables := []snapshot.TableInfo{{Schema: "public", Name: "a"}, {Schema: "public", Name: "b"}}

	pending := pendingTables(tables, sink.ResumptionState{})
	if len(pending) != 2 {
		t.Fatalf("got %d pending tables, want 2 when nothing has been resumed", len(pending))
	}
}

func TestPendingTables_AllCopied(t *testing.T) {
	tables := []snapshot.TableInfo{{Schema: "public", Name: "a"}, {Schema: "public", Name: "b"}}
	resume := sink.ResumptionState{PerTable: map[string]sink.TableState{
		"a": sink.TableCopied,
		"b": sink.TableCopied,
	}}

	pending := pendingTables(tables, resume)
	if len(pending) != 0 {
		t.Fatalf("got %d pending tables, want 0", len(pending))
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		p    Phase
		want string
	}{
		{PhaseInit, "init"},
		{PhaseBackfilling, "backfilling"},
		{PhaseBackfillComplete, "backfill_complete"},
		{PhaseStreamingBetweenTxn, "streaming"},
		{PhaseStreamingInTxn, "streaming_in_txn"},
		{PhaseShutdown, "shutdown"},
		{Phase(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestEngine_StatusInitialPhase(t *testing.T) {
	e := New(nil, nil, ActionBoth, zerolog.Nop())
	st := e.Status()
	if st.Phase != PhaseInit {
		t.Errorf("initial Phase = %v, want PhaseInit", st.Phase)
	}
}
