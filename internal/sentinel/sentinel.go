// Package sentinel coordinates a clean cutover from one consumer of a
// replication stream to another (e.g. a planned switchover).
// WaitForDurable polls a durable LSN until it reaches a target LSN.
// Coordinator issues markers and waits until a caller confirms them; it
// does not inject markers into the CDC stream, and the pipeline does not
// recognize or confirm them, so the caller round-trips each marker by
// its own means.
package sentinel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

// Marker identifies one pending confirmation at a logical position. It
// carries no relation data; whoever observes it downstream of every real
// event before AtLSN calls Coordinator.Confirm with its ID.
type Marker struct {
	ID      string
	AtLSN   pglogrepl.LSN
	SentAt  time.Time
}

// Coordinator issues markers and blocks callers until the corresponding
// confirmation arrives.
type Coordinator struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan struct{}
	nextID  int
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		logger:  logger.With().Str("component", "sentinel").Logger(),
		pending: make(map[string]chan struct{}),
	}
}

// Issue creates a new Marker at the given logical position and
// registers a pending confirmation for it.
func (c *Coordinator) Issue(atLSN pglogrepl.LSN) Marker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("sentinel-%d-%d", time.Now().UnixNano(), c.nextID)
	c.pending[id] = make(chan struct{})
	return Marker{ID: id, AtLSN: atLSN, SentAt: time.Now()}
}

// Confirm is called by the applying side once it has observed the
// marker having passed entirely through the pipeline (e.g. surfaced as
// a row in a sentinel tracking table).
func (c *Coordinator) Confirm(id string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// WaitForDurable polls durableLSN (typically pipeline.Engine.Status().DurableLSN)
// until it reaches or passes target, used for a switchover that doesn't
// need an injected marker — just proof the pipeline has drained past a
// known point (e.g. the LSN observed immediately before traffic was
// cut over at the source).
func WaitForDurable(ctx context.Context, target pglogrepl.LSN, durableLSN func() pglogrepl.LSN, pollInterval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if durableLSN() >= target {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sentinel: durable LSN did not reach %s within %s", target, timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForConfirmation blocks until id is confirmed or timeout elapses.
func (c *Coordinator) WaitForConfirmation(ctx context.Context, id string, timeout time.Duration) error {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("sentinel: unknown marker id %q", id)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ch:
		return nil
	case <-t.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("sentinel: marker %q not confirmed within %s", id, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
