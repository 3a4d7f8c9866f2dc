// Package bidi provides an optional origin-based filter for
// bidirectional-replication setups: events whose transaction carries
// the local node's own replication origin name are dropped, so a
// subscriber re-replicating its own applied changes back to the
// original source doesn't create an infinite loop.
package bidi

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/source"
)

// Filter drops events belonging to a transaction whose Origin message
// names originID.
type Filter struct {
	originID string
	logger   zerolog.Logger
}

// NewFilter creates a Filter that suppresses transactions originating
// from originID.
func NewFilter(originID string, logger zerolog.Logger) *Filter {
	return &Filter{
		originID: originID,
		logger:   logger.With().Str("component", "bidi-filter").Logger(),
	}
}

// Run consumes in and returns a filtered channel. Origin detection
// applies per-transaction: once an Origin event matching originID is
// seen after a Begin, every event up to and including that
// transaction's Commit is dropped; the Commit itself is also dropped so
// the pipeline never advances its applied-LSN bookkeeping for a
// transaction it silently discarded here (the sink never saw it begin).
func (f *Filter) Run(ctx context.Context, in <-chan source.CDCEvent) <-chan source.CDCEvent {
	out := make(chan source.CDCEvent, cap(in))
	go func() {
		defer close(out)
		suppressing := false
		var pendingBegin *source.CDCEvent // held until its Origin (if any) is known

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}

				switch ev.Kind {
				case source.EventBegin:
					suppressing = false
					b := ev
					pendingBegin = &b
					continue
				case source.EventOrigin:
					if ev.OriginName == f.originID {
						suppressing = true
						pendingBegin = nil
						f.logger.Debug().Str("origin", ev.OriginName).Msg("suppressing transaction from own origin")
					}
				}

				if suppressing {
					if ev.Kind == source.EventCommit {
						suppressing = false
					}
					continue
				}

				batch := []source.CDCEvent{ev}
				if pendingBegin != nil {
					batch = []source.CDCEvent{*pendingBegin, ev}
					pendingBegin = nil
				}
				for _, e := range batch {
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
