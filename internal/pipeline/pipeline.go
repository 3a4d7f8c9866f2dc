// Package pipeline is the engine that drives backfill and CDC events
// from a source.Source into a sink.Sink, handling resume, transaction
// framing, and duplicate suppression for sinks that cannot commit
// atomically with commit_lsn.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/pgerrors"
	"github.com/jfoltran/pgcdc/internal/sink"
	"github.com/jfoltran/pgcdc/internal/snapshot"
	"github.com/jfoltran/pgcdc/internal/source"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
)

const dedupWindowCapacity = 4096

const (
	maxSinkRetries    = 5
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 30 * time.Second
)

// Progress is a point-in-time snapshot of the engine's state, safe to
// read concurrently with Run via Status.
type Progress struct {
	Phase        Phase
	LastLSN      pglogrepl.LSN
	DurableLSN   pglogrepl.LSN
	TablesTotal  int
	TablesCopied int
	StartedAt    time.Time
}

// Engine orchestrates one Source against one Sink.
type Engine struct {
	src    *source.Source
	sink   sink.Sink
	action Action
	logger zerolog.Logger

	dedup  *dedupWindow
	filter func(<-chan source.CDCEvent) <-chan source.CDCEvent

	mu       sync.Mutex
	progress Progress
}

// New creates an Engine driving src into sk under action.
func New(src *source.Source, sk sink.Sink, action Action, logger zerolog.Logger) *Engine {
	return &Engine{
		src:    src,
		sink:   sk,
		action: action,
		logger: logger.With().Str("component", "pipeline").Logger(),
		dedup:  newDedupWindow(dedupWindowCapacity),
		progress: Progress{
			Phase:     PhaseInit,
			StartedAt: time.Time{},
		},
	}
}

// SetFilter installs a stage (e.g. internal/bidi.Filter.Run) between the
// source and the engine's transaction framing. Must be called before Run.
func (e *Engine) SetFilter(filter func(<-chan source.CDCEvent) <-chan source.CDCEvent) {
	e.filter = filter
}

// Status returns the engine's current progress.
func (e *Engine) Status() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.progress.Phase = p
	e.mu.Unlock()
}

// Run drives the configured action to completion (ActionBackfillOnly)
// or until ctx is cancelled (ActionBoth / ActionCdcOnly, which stream
// indefinitely).
func (e *Engine) Run(ctx context.Context, publication string) error {
	e.mu.Lock()
	e.progress.StartedAt = time.Now()
	e.mu.Unlock()

	resume, err := e.sink.GetResumptionState(ctx)
	if err != nil {
		return fmt.Errorf("get resumption state: %w", err)
	}

	var snapshotName string
	if e.action != ActionCdcOnly {
		e.setPhase(PhaseBackfilling)

		tables, err := e.src.Tables(ctx, publication)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}

		startLSN := pglogrepl.LSN(0)
		if resume.LastDurableLSN != 0 {
			startLSN = pglogrepl.LSN(resume.LastDurableLSN)
		}
		var slotLSN pglogrepl.LSN
		snapshotName, slotLSN, err = e.src.CreateSlot(ctx, startLSN)
		if err != nil {
			return fmt.Errorf("create slot: %w", err)
		}

		pending := pendingTables(tables, resume)
		e.mu.Lock()
		e.progress.TablesTotal = len(tables)
		e.progress.TablesCopied = len(tables) - len(pending)
		e.mu.Unlock()

		if len(pending) > 0 {
			results := e.src.Backfill(ctx, pending, snapshotName, slotLSN, e.sink)
			for _, r := range results {
				if r.Err != nil {
					return fmt.Errorf("backfill %s: %w", r.Table.QualifiedName(), r.Err)
				}
				e.mu.Lock()
				e.progress.TablesCopied++
				e.mu.Unlock()
			}
		}

		e.setPhase(PhaseBackfillComplete)
		if e.action == ActionBackfillOnly {
			return nil
		}
	} else {
		if err := e.src.AttachSlot(ctx, pglogrepl.LSN(resume.LastDurableLSN)); err != nil {
			return fmt.Errorf("attach slot: %w", err)
		}
	}

	return e.runCDCWithRetry(ctx, resume)
}

// runCDCWithRetry drives runCDC, re-invoking it after an exponential
// backoff when it fails with a retryable pgerrors.SinkError, re-attaching
// the slot at the last durable LSN each time. Retries reset whenever the
// durable watermark advances, since that shows the sink is making
// progress rather than failing the same operation repeatedly.
func (e *Engine) runCDCWithRetry(ctx context.Context, resume sink.ResumptionState) error {
	retries := 0
	delay := initialRetryDelay
	watermark := pglogrepl.LSN(resume.LastDurableLSN)

	for {
		err := e.runCDC(ctx, resume)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !pgerrors.IsRetryable(err) {
			return err
		}

		retries++
		if retries > maxSinkRetries {
			return fmt.Errorf("sink: %w (exhausted %d retries)", err, maxSinkRetries)
		}

		e.mu.Lock()
		durableLSN := e.progress.DurableLSN
		e.mu.Unlock()

		if durableLSN > watermark {
			watermark = durableLSN
			retries = 1
			delay = initialRetryDelay
		}

		e.logger.Warn().
			Err(err).
			Int("retry", retries).
			Int("max_retries", maxSinkRetries).
			Stringer("resume_lsn", durableLSN).
			Dur("delay", delay).
			Msg("sink failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)

		if err := e.src.AttachSlot(ctx, durableLSN); err != nil {
			return fmt.Errorf("reattach slot after sink retry: %w", err)
		}
		resume.LastDurableLSN = uint64(durableLSN)
	}
}

func pendingTables(tables []snapshot.TableInfo, resume sink.ResumptionState) []snapshot.TableInfo {
	var pending []snapshot.TableInfo
	for _, t := range tables {
		state, ok := resume.PerTable[t.QualifiedName()]
		if !ok || state != sink.TableCopied {
			pending = append(pending, t)
		}
	}
	return pending
}

// runCDC streams resolved events from the source into the sink,
// maintaining transaction framing and LSN feedback.
func (e *Engine) runCDC(ctx context.Context, resume sink.ResumptionState) error {
	events, err := e.src.StartCDC(ctx)
	if err != nil {
		return fmt.Errorf("start CDC: %w", err)
	}
	if e.filter != nil {
		events = e.filter(events)
	}

	transactional := e.sink.DeclareTransactional()
	if !transactional {
		e.dedup.SeedFloor(resume.LastDurableLSN)
	}
	e.setPhase(PhaseStreamingBetweenTxn)

	var inTxn bool
	var txnHasWrite bool
	var skipTxn bool
	var beginXID uint32
	var beginCommitLSN uint64

	for {
		select {
		case <-ctx.Done():
			if inTxn {
				_ = e.sink.AbortTxn(context.Background())
			}
			e.setPhase(PhaseShutdown)
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if inTxn && txnHasWrite {
					_ = e.sink.AbortTxn(context.Background())
				}
				if err := e.src.Err(); err != nil {
					return fmt.Errorf("source stream ended: %w", err)
				}
				return nil
			}

			switch ev.Kind {
			case source.EventBegin:
				// pgoutput's Begin message carries the transaction's
				// eventual commit LSN in FinalLSN, known up front.
				beginXID = ev.XID
				beginCommitLSN = ev.FinalLSN
				inTxn = true
				txnHasWrite = false
				// A non-transactional sink already holds every transaction
				// the dedup window contains; none of its events reach it.
				skipTxn = !transactional && e.dedup.Contains(ev.FinalLSN)
				e.setPhase(PhaseStreamingInTxn)

			case source.EventCommit:
				if skipTxn {
					skipTxn = false
					inTxn = false
					e.setPhase(PhaseStreamingBetweenTxn)
					continue
				}

				if txnHasWrite {
					durable, err := e.sink.CommitTxn(ctx, ev.CommitLSN)
					if err != nil {
						return &pgerrors.SinkError{Op: "commit", Err: err, Retryable: true}
					}
					e.recordApplied(pglogrepl.LSN(ev.CommitLSN), pglogrepl.LSN(durable))
				} else {
					// Empty transaction: still advances apply_lsn even
					// though nothing was written.
					e.recordApplied(pglogrepl.LSN(ev.CommitLSN), pglogrepl.LSN(ev.CommitLSN))
				}

				if !transactional {
					e.dedup.Record(ev.CommitLSN)
				}
				inTxn = false
				e.setPhase(PhaseStreamingBetweenTxn)

			case source.EventOrigin:
				// Origin is sink-visible metadata only; no transactional
				// effect here. Consumers needing loop prevention compose
				// internal/bidi ahead of the pipeline.

			case source.EventInsert, source.EventUpdate, source.EventDelete:
				if skipTxn {
					continue
				}
				if !txnHasWrite {
					if err := e.sink.BeginTxn(ctx, beginCommitLSN, beginXID); err != nil {
						return &pgerrors.SinkError{Op: "begin txn", Err: err, Retryable: true}
					}
					txnHasWrite = true
				}
				if err := e.applyRow(ctx, ev); err != nil {
					return err
				}

			case source.EventTruncate:
				if skipTxn {
					continue
				}
				if !txnHasWrite {
					if err := e.sink.BeginTxn(ctx, beginCommitLSN, beginXID); err != nil {
						return &pgerrors.SinkError{Op: "begin txn", Err: err, Retryable: true}
					}
					txnHasWrite = true
				}
				if err := e.sink.Truncate(ctx, ev.Relations, ev.TruncateOptions.Cascade, ev.TruncateOptions.RestartIdentity); err != nil {
					return &pgerrors.SinkError{Op: "truncate", Err: err, Retryable: true}
				}

			default:
				return fmt.Errorf("pipeline: unhandled event kind %v", ev.Kind)
			}
		}
	}
}

func (e *Engine) applyRow(ctx context.Context, ev source.CDCEvent) error {
	var op sink.Op
	switch ev.Kind {
	case source.EventInsert:
		op = sink.OpInsert
	case source.EventUpdate:
		op = sink.OpUpdate
	case source.EventDelete:
		op = sink.OpDelete
	}

	var oldCols, newCols []valuedecode.Value
	if ev.Old != nil {
		oldCols = ev.Old.Columns
	}
	if ev.New != nil {
		newCols = ev.New.Columns
	}

	if err := e.sink.WriteRow(ctx, ev.Relation, op, oldCols, newCols); err != nil {
		return &pgerrors.SinkError{Op: "write row", Err: err, Retryable: true}
	}
	return nil
}

func (e *Engine) recordApplied(commitLSN, durableLSN pglogrepl.LSN) {
	e.src.ReportDurable(uint64(durableLSN))
	e.mu.Lock()
	e.progress.LastLSN = commitLSN
	e.progress.DurableLSN = durableLSN
	e.mu.Unlock()
}
