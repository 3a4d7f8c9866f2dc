// Package replication owns the upstream logical-replication connection:
// slot lifecycle, publication binding, stream start, frame ingestion,
// keepalive replies, and standby status updates. It hands parsed
// wire.Message values to the source over a bounded channel; it knows
// nothing about relations or transactions, only about keeping the
// connection's LSN bookkeeping correct.
package replication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/pgerrors"
	"github.com/jfoltran/pgcdc/internal/pgwire"
	"github.com/jfoltran/pgcdc/internal/wire"
)

// ProtocolVersion selects the pgoutput proto_version START_REPLICATION
// argument.
type ProtocolVersion int

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
)

// StandbyStatusInterval is the default cadence for unsolicited standby
// status updates, well under the spec's required ≤10s ceiling.
const StandbyStatusInterval = 1 * time.Second

const receiveTimeout = 2 * time.Second

// Client owns one connection in replication mode.
type Client struct {
	conn        *pgconn.PgConn
	wire        *pgwire.Conn
	logger      zerolog.Logger
	slotName    string
	publication string
	protocol    ProtocolVersion

	startLSN pglogrepl.LSN

	mu             sync.Mutex
	confirmedLSN   pglogrepl.LSN
	serverWALEnd   pglogrepl.LSN
	lastStatusTime time.Time
	loopErr        error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a Client bound to an already-established replication
// connection (conn must have been opened with replication=database).
func NewClient(conn *pgconn.PgConn, slotName, publication string, protocol ProtocolVersion, logger zerolog.Logger) *Client {
	return &Client{
		conn:        conn,
		wire:        pgwire.NewConn(conn, logger),
		logger:      logger.With().Str("component", "replication-client").Logger(),
		slotName:    sanitizeSlotName(slotName),
		publication: publication,
		protocol:    protocol,
		done:        make(chan struct{}),
	}
}

// SetReplicationOrigin tags this connection's session with a replication
// origin name, so a downstream subscriber re-replicating these writes can
// recognize and filter them out (see internal/bidi). Must be called before
// any writes are issued on conn outside of replication mode; has no effect
// on the replication protocol itself.
func (c *Client) SetReplicationOrigin(ctx context.Context, originName string) error {
	return c.wire.SetReplicationOrigin(ctx, originName)
}

// DropSlot drops this client's replication slot. Intended for cleanup
// after a deliberate resync, not for routine shutdown (Close leaves the
// slot in place so streaming can resume from confirmed_flush_lsn).
func (c *Client) DropSlot(ctx context.Context) error {
	return c.wire.DropReplicationSlot(ctx, c.slotName)
}

func sanitizeSlotName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// CreateSlot creates the replication slot with the pgoutput plugin and
// captures the consistent snapshot LSN, returning the exported snapshot
// name backfill callers must use before StartStreaming invalidates it,
// and the slot's consistent-point LSN itself (the true snapshot_lsn a
// backfilled table's EndBackfill must be recorded at, not a later,
// live pg_current_wal_lsn() read). If startLSN is non-zero, no slot is
// created (the caller already knows where to resume and is not relying
// on CreateSlot's export).
func (c *Client) CreateSlot(ctx context.Context, startLSN pglogrepl.LSN) (snapshotName string, consistentLSN pglogrepl.LSN, err error) {
	c.startLSN = startLSN
	if startLSN != 0 {
		return "", startLSN, nil
	}

	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL pgoutput (SNAPSHOT 'export')`, c.slotName)
	result, err := pglogrepl.ParseCreateReplicationSlot(c.conn.Exec(ctx, sql))
	if err != nil {
		return "", 0, &pgerrors.ConnectError{Op: "create replication slot", Err: err}
	}
	parsed, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", 0, &pgerrors.ProtocolError{Reason: "malformed consistent point LSN", Err: err}
	}
	c.startLSN = parsed

	c.logger.Info().
		Str("slot", c.slotName).
		Str("snapshot", result.SnapshotName).
		Stringer("lsn", c.startLSN).
		Msg("created replication slot")

	return result.SnapshotName, c.startLSN, nil
}

// AttachSlot verifies that an existing slot uses the pgoutput plugin and
// captures its confirmed_flush_lsn as the resume position.
func (c *Client) AttachSlot(ctx context.Context, resumeLSN pglogrepl.LSN) error {
	rows, err := c.conn.Exec(ctx, fmt.Sprintf(
		`SELECT plugin, confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = '%s'`,
		c.slotName)).ReadAll()
	if err != nil {
		return &pgerrors.ConnectError{Op: "query replication slot", Err: err}
	}
	if len(rows) == 0 || len(rows[0].Rows) == 0 {
		return &pgerrors.SlotError{Kind: pgerrors.MissingSlot, Slot: c.slotName}
	}

	row := rows[0].Rows[0]
	plugin := string(row[0])
	if plugin != "pgoutput" {
		return &pgerrors.SlotError{Kind: pgerrors.MissingSlot, Slot: c.slotName}
	}

	confirmed, err := pglogrepl.ParseLSN(string(row[1]))
	if err != nil {
		return &pgerrors.ProtocolError{Reason: "malformed confirmed_flush_lsn", Err: err}
	}

	c.startLSN = confirmed
	if resumeLSN > c.startLSN {
		c.startLSN = resumeLSN
	}
	return nil
}

// StartLSN returns the LSN streaming will begin from.
func (c *Client) StartLSN() pglogrepl.LSN { return c.startLSN }

// StartStreaming issues START_REPLICATION and begins the background
// ingestion loop. This invalidates any snapshot returned by CreateSlot;
// backfill COPY must already be complete.
func (c *Client) StartStreaming(ctx context.Context) (<-chan wire.Message, error) {
	pluginArgs := []string{fmt.Sprintf("publication_names '%s'", c.publication)}
	if c.protocol == ProtocolV2 {
		pluginArgs = append(pluginArgs, "proto_version '2'", "streaming 'true'")
	} else {
		pluginArgs = append(pluginArgs, "proto_version '1'")
	}

	err := pglogrepl.StartReplication(ctx, c.conn, c.slotName, c.startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
	if err != nil {
		return nil, &pgerrors.ConnectError{Op: "start replication", Err: err}
	}

	c.confirmedLSN = c.startLSN
	c.lastStatusTime = time.Now()

	ch := make(chan wire.Message, 4096)
	var loopCtx context.Context
	loopCtx, c.cancel = context.WithCancel(ctx)
	go c.receiveLoop(loopCtx, ch)

	return ch, nil
}

func (c *Client) receiveLoop(ctx context.Context, ch chan<- wire.Message) {
	defer close(ch)
	defer close(c.done)

	var msgCount int64
	lastDiag := time.Now()

	setErr := func(err error) {
		c.mu.Lock()
		c.loopErr = err
		c.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(c.lastStatusTime) >= StandbyStatusInterval {
			if err := c.sendStandbyStatus(ctx, c.effectiveLSN(ch)); err != nil {
				c.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(receiveTimeout))
		rawMsg, err := c.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			c.logger.Err(err).Msg("receive message failed")
			setErr(&pgerrors.ConnectError{Op: "receive message", Err: err})
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			c.logger.Error().
				Str("severity", errResp.Severity).
				Str("code", errResp.Code).
				Str("message", errResp.Message).
				Msg("server error from replication stream")
			setErr(&pgerrors.ConnectError{Op: "replication stream", Err: fmt.Errorf("%s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code)})
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		msg, _, err := wire.Decode(copyData.Data)
		if err != nil {
			c.logger.Err(err).Msg("decode frame")
			setErr(err)
			return
		}

		switch m := msg.(type) {
		case *wire.KeepaliveMsg:
			c.mu.Lock()
			if pglogrepl.LSN(m.ServerWALEnd) > c.serverWALEnd {
				c.serverWALEnd = pglogrepl.LSN(m.ServerWALEnd)
			}
			c.mu.Unlock()
			if m.ReplyRequested {
				if err := c.sendStandbyStatus(ctx, c.effectiveLSN(ch)); err != nil {
					c.logger.Err(err).Msg("keepalive reply failed")
				}
			}
			continue
		}

		msgCount++
		if time.Since(lastDiag) >= 10*time.Second {
			c.mu.Lock()
			confirmed := c.confirmedLSN
			c.mu.Unlock()
			c.logger.Info().
				Int64("msgs", msgCount).
				Int("ch_len", len(ch)).
				Int("ch_cap", cap(ch)).
				Stringer("confirmed", confirmed).
				Msg("replication client throughput")
			lastDiag = time.Now()
		}

		c.emit(ctx, ch, msg)
	}
}

// emit sends msg on ch, sending a standby heartbeat while blocked so the
// server doesn't time the session out during a backpressure stall.
func (c *Client) emit(ctx context.Context, ch chan<- wire.Message, msg wire.Message) {
	for {
		select {
		case ch <- msg:
			return
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(c.lastStatusTime) >= StandbyStatusInterval {
			c.mu.Lock()
			lsn := c.confirmedLSN
			c.mu.Unlock()
			if err := c.sendStandbyStatus(ctx, lsn); err != nil {
				c.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}

		t := time.NewTimer(100 * time.Millisecond)
		select {
		case ch <- msg:
			t.Stop()
			return
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (c *Client) sendStandbyStatus(ctx context.Context, lsn pglogrepl.LSN) error {
	c.lastStatusTime = time.Now()
	return pglogrepl.SendStandbyStatusUpdate(ctx, c.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
}

// effectiveLSN reports the server's WAL end during idle periods (channel
// drained, nothing applied yet to confirm) so the slot doesn't appear
// stalled, and the last confirmed LSN otherwise.
func (c *Client) effectiveLSN(ch chan<- wire.Message) pglogrepl.LSN {
	c.mu.Lock()
	confirmed := c.confirmedLSN
	serverEnd := c.serverWALEnd
	c.mu.Unlock()

	if len(ch) == 0 && serverEnd > confirmed {
		return serverEnd
	}
	return confirmed
}

// ConfirmLSN advances the confirmed flush position reported to the
// server. Never regresses: spec requires standby-status to be
// monotonic.
func (c *Client) ConfirmLSN(lsn pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lsn > c.confirmedLSN {
		c.confirmedLSN = lsn
	}
}

// Err returns the error that ended the receive loop, if any. Safe to
// call once the message channel has been closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopErr
}

// Close cancels the ingestion loop and waits for it to exit, sending a
// final standby status reflecting the last confirmed LSN first.
func (c *Client) Close(ctx context.Context) {
	if c.cancel == nil {
		return
	}
	c.mu.Lock()
	lsn := c.confirmedLSN
	c.mu.Unlock()
	if err := c.sendStandbyStatus(ctx, lsn); err != nil {
		c.logger.Err(err).Msg("final standby status failed")
	}
	c.cancel()
	<-c.done
}
