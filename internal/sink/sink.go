// Package sink defines the contract a downstream consumer implements to
// receive backfill and CDC events from the pipeline engine. Concrete
// sinks (stdout, OLAP stores, object stores, message brokers) are
// external collaborators; this package only declares the interface and
// the resumption-state shape sinks may choose to persist.
package sink

import (
	"context"

	"github.com/jfoltran/pgcdc/internal/catalog"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
)

// Op identifies a row-level DML operation applied to a sink.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

// TableState is the per-table backfill progress a sink reports back to
// the pipeline at startup.
type TableState int

const (
	TableNotStarted TableState = iota
	TableCopying
	TableCopied
)

// ResumptionState is what the pipeline queries from the sink before
// deciding which tables need backfilling and where to start the CDC
// stream.
type ResumptionState struct {
	// PerTable maps a relation's qualified name to its backfill state.
	// A table absent from the map is treated as TableNotStarted.
	PerTable map[string]TableState

	// CopyCursor, when a table is TableCopying, is the sink-defined
	// resume cursor for that table's backfill (e.g. last copied PK).
	CopyCursor map[string]string

	// LastCommitLSN is the last CDC commit LSN the sink has seen
	// (applied, not necessarily durable).
	LastCommitLSN uint64

	// LastDurableLSN is the last CDC commit LSN the sink has durably
	// committed.
	LastDurableLSN uint64

	// IsTransactional reports whether the sink commits atomically with
	// commit_lsn, making the dedup window unnecessary.
	IsTransactional bool
}

// Sink is the contract the pipeline engine drives. It is the only
// component that owns the sink. The CDC methods are called sequentially
// from the pipeline's single-threaded control flow; the backfill methods
// (WriteBackfillSchema, WriteBackfillRow, EndBackfill) are called
// concurrently from the backfill workers, one table per worker.
type Sink interface {
	// GetResumptionState returns the sink's current durability and
	// backfill-progress state.
	GetResumptionState(ctx context.Context) (ResumptionState, error)

	// BeginTxn opens a logical transaction identified by commit_lsn/xid.
	BeginTxn(ctx context.Context, commitLSN uint64, xid uint32) error

	// WriteRow applies one row-modifying CDC event within the open
	// transaction. oldCols is nil for Insert; newCols is nil for Delete.
	// For Update, oldCols is nil unless the relation's replica identity
	// captured a before-image (full, or the changed key columns).
	WriteRow(ctx context.Context, rel *catalog.Relation, op Op, oldCols, newCols []valuedecode.Value) error

	// Truncate applies a Truncate atomically to the given relations,
	// within the open transaction.
	Truncate(ctx context.Context, rels []*catalog.Relation, cascade, restartIdentity bool) error

	// CommitTxn finalizes the open transaction and returns the sink's
	// durable LSN after the commit (which may lag commit_lsn for
	// non-transactional sinks that only best-effort-flush).
	CommitTxn(ctx context.Context, commitLSN uint64) (durableLSN uint64, err error)

	// AbortTxn discards a partially-applied transaction, used when the
	// replication connection drops mid-transaction.
	AbortTxn(ctx context.Context) error

	// WriteBackfillSchema announces a table about to be backfilled.
	WriteBackfillSchema(ctx context.Context, rel *catalog.Relation) error

	// WriteBackfillRow applies one snapshotted row during backfill.
	WriteBackfillRow(ctx context.Context, rel *catalog.Relation, row []valuedecode.Value) error

	// EndBackfill marks a table's backfill complete at snapshotLSN.
	EndBackfill(ctx context.Context, rel *catalog.Relation, snapshotLSN uint64) error

	// DeclareTransactional reports whether this sink commits atomically
	// with commit_lsn (obviating the dedup window) or not.
	DeclareTransactional() bool
}
