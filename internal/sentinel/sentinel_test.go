package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func TestCoordinator_IssueAndConfirm(t *testing.T) {
	coord := NewCoordinator(zerolog.Nop())

	m := coord.Issue(pglogrepl.LSN(100))
	if m.ID == "" {
		t.Fatal("expected a non-empty marker ID")
	}
	if m.AtLSN != pglogrepl.LSN(100) {
		t.Errorf("AtLSN = %v, want 100", m.AtLSN)
	}

	done := make(chan error, 1)
	go func() {
		done <- coord.WaitForConfirmation(context.Background(), m.ID, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	coord.Confirm(m.ID)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitForConfirmation() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForConfirmation() timed out")
	}
}

func TestCoordinator_WaitForConfirmation_Timeout(t *testing.T) {
	coord := NewCoordinator(zerolog.Nop())
	m := coord.Issue(pglogrepl.LSN(1))

	err := coord.WaitForConfirmation(context.Background(), m.ID, 20*time.Millisecond)
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestCoordinator_WaitForConfirmation_UnknownID(t *testing.T) {
	coord := NewCoordinator(zerolog.Nop())

	err := coord.WaitForConfirmation(context.Background(), "nonexistent", time.Second)
	if err == nil {
		t.Error("expected error for unknown marker id")
	}
}

func TestCoordinator_WaitForConfirmation_ContextCancelled(t *testing.T) {
	coord := NewCoordinator(zerolog.Nop())
	m := coord.Issue(pglogrepl.LSN(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := coord.WaitForConfirmation(ctx, m.ID, time.Second)
	if err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestCoordinator_DoubleConfirmDoesNotPanic(t *testing.T) {
	coord := NewCoordinator(zerolog.Nop())
	m := coord.Issue(pglogrepl.LSN(1))

	coord.Confirm(m.ID)
	coord.Confirm(m.ID) // should be a no-op, not panic
}

func TestCoordinator_MultipleMarkersGetDistinctIDs(t *testing.T) {
	coord := NewCoordinator(zerolog.Nop())

	m1 := coord.Issue(pglogrepl.LSN(1))
	m2 := coord.Issue(pglogrepl.LSN(2))

	if m1.ID == m2.ID {
		t.Error("expected distinct marker IDs")
	}
}

func TestWaitForDurable_AlreadyPast(t *testing.T) {
	durable := func() pglogrepl.LSN { return pglogrepl.LSN(500) }

	err := WaitForDurable(context.Background(), pglogrepl.LSN(100), durable, 10*time.Millisecond, time.Second)
	if err != nil {
		t.Errorf("WaitForDurable() error: %v", err)
	}
}

func TestWaitForDurable_CatchesUp(t *testing.T) {
	var current pglogrepl.LSN
	durable := func() pglogrepl.LSN { return current }

	go func() {
		time.Sleep(30 * time.Millisecond)
		current = pglogrepl.LSN(1000)
	}()

	err := WaitForDurable(context.Background(), pglogrepl.LSN(1000), durable, 10*time.Millisecond, time.Second)
	if err != nil {
		t.Errorf("WaitForDurable() error: %v", err)
	}
}

func TestWaitForDurable_TimesOut(t *testing.T) {
	durable := func() pglogrepl.LSN { return pglogrepl.LSN(0) }

	err := WaitForDurable(context.Background(), pglogrepl.LSN(1000), durable, 5*time.Millisecond, 40*time.Millisecond)
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestWaitForDurable_ContextCancelled(t *testing.T) {
	durable := func() pglogrepl.LSN { return pglogrepl.LSN(0) }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForDurable(ctx, pglogrepl.LSN(1000), durable, 10*time.Millisecond, time.Second)
	if err == nil {
		t.Error("expected context cancellation error")
	}
}
