package snapshot

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestTableInfo_QualifiedName(t *testing.T) {
	tests := []struct {
		schema string
		name   string
		want   string
	}{
		{"public", "orders", "orders"},
		{"", "orders", "orders"},
		{"billing", "invoices", "billing.invoices"},
	}
	for _, tt := range tests {
		tbl := TableInfo{Schema: tt.schema, Name: tt.name}
		if got := tbl.QualifiedName(); got != tt.want {
			t.Errorf("QualifiedName(%q, %q) = %q, want %q", tt.schema, tt.name, got, tt.want)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orders", `"orders"`},
		{`weird"name`, `"weird""name"`},
	}
	for _, tt := range tests {
		if got := quoteIdent(tt.in); got != tt.want {
			t.Errorf("quoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuoteQualifiedName(t *testing.T) {
	tests := []struct {
		schema string
		table  string
		want   string
	}{
		{"public", "orders", `"orders"`},
		{"", "orders", `"orders"`},
		{"billing", "invoices", `"billing"."invoices"`},
	}
	for _, tt := range tests {
		if got := quoteQualifiedName(tt.schema, tt.table); got != tt.want {
			t.Errorf("quoteQualifiedName(%q, %q) = %q, want %q", tt.schema, tt.table, got, tt.want)
		}
	}
}

func TestNewReader_ClampsWorkersToOne(t *testing.T) {
	r := NewReader(nil, nil, 0, zerolog.Nop())
	if r.workers != 1 {
		t.Errorf("workers = %d, want 1 for a non-positive input", r.workers)
	}

	r = NewReader(nil, nil, -5, zerolog.Nop())
	if r.workers != 1 {
		t.Errorf("workers = %d, want 1 for a negative input", r.workers)
	}

	r = NewReader(nil, nil, 8, zerolog.Nop())
	if r.workers != 8 {
		t.Errorf("workers = %d, want 8 unchanged", r.workers)
	}
}

func TestReader_SetProgressFunc(t *testing.T) {
	r := NewReader(nil, nil, 1, zerolog.Nop())

	var calls []string
	r.SetProgressFunc(func(table TableInfo, event string, rowsCopied int64) {
		calls = append(calls, event)
	})

	r.reportProgress(TableInfo{Name: "t"}, "start", 0)
	r.reportProgress(TableInfo{Name: "t"}, "done", 10)

	if len(calls) != 2 || calls[0] != "start" || calls[1] != "done" {
		t.Errorf("calls = %v", calls)
	}
}

func TestReader_ReportProgress_NoopWithoutCallback(t *testing.T) {
	r := NewReader(nil, nil, 1, zerolog.Nop())
	// Should not panic when no progress function has been installed.
	r.reportProgress(TableInfo{Name: "t"}, "start", 0)
}
