// Package source is the facade the pipeline engine drives for both
// halves of replication: enumerating and backfilling published tables,
// and streaming decoded CDC events once backfill hands off. It owns the
// schema cache, resolving the replication client's raw wire.Tuple
// columns against a relation's column list before anything downstream
// sees a row.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/catalog"
	"github.com/jfoltran/pgcdc/internal/pgerrors"
	"github.com/jfoltran/pgcdc/internal/replication"
	"github.com/jfoltran/pgcdc/internal/sink"
	"github.com/jfoltran/pgcdc/internal/snapshot"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
	"github.com/jfoltran/pgcdc/internal/wire"
)

// EventKind identifies which CDC event variant a value holds.
type EventKind int

const (
	EventBegin EventKind = iota
	EventCommit
	EventOrigin
	EventInsert
	EventUpdate
	EventDelete
	EventTruncate
)

// CDCEvent is one resolved change-stream event: a wire.Message whose
// tuples, if any, have already been decoded against the schema cache.
type CDCEvent struct {
	Kind EventKind

	FinalLSN   uint64 // Begin
	CommitLSN  uint64 // Commit/Origin
	EndLSN     uint64 // Commit
	CommitTime time.Time
	XID        uint32 // Begin

	OriginName string // Origin

	Relation  *catalog.Relation   // Insert/Update/Delete
	Relations []*catalog.Relation // Truncate

	Old *wire.DecodedTuple // Update/Delete
	New *wire.DecodedTuple // Insert/Update

	TruncateOptions wire.TruncateOptions
}

// Config bundles the replication parameters a Source needs to attach.
type Config struct {
	SlotName    string
	Publication string
	Protocol    replication.ProtocolVersion
	Workers     int
	StartLSN    pglogrepl.LSN
	Policy      valuedecode.UnknownTypePolicy
}

// Source wraps the replication client and the backfill reader behind a
// single relation-aware facade.
type Source struct {
	client *replication.Client
	reader *snapshot.Reader
	cache  *catalog.Cache
	logger zerolog.Logger

	resolveErr error // set by StartCDC's goroutine before it closes its channel
}

// New creates a Source. replClient's connection must already be opened
// in replication mode; pool is a regular (non-replication) connection pool used for
// catalog introspection and backfill COPY.
func New(replClient *replication.Client, pool *pgxpool.Pool, cfg Config, logger zerolog.Logger) *Source {
	decoder := valuedecode.NewDecoder(cfg.Policy)
	return &Source{
		client: replClient,
		reader: snapshot.NewReader(pool, decoder, cfg.Workers, logger),
		cache:  catalog.New(decoder),
		logger: logger.With().Str("component", "source").Logger(),
	}
}

// SetBackfillProgress installs a progress callback on the underlying
// snapshot reader.
func (s *Source) SetBackfillProgress(fn snapshot.ProgressFunc) {
	s.reader.SetProgressFunc(fn)
}

// Tables lists every table the configured publication includes.
func (s *Source) Tables(ctx context.Context, publication string) ([]snapshot.TableInfo, error) {
	return s.reader.ListPublicationTables(ctx, publication)
}

// Backfill copies the given tables under snapshotName into sk, recording
// each table's backfill end at snapshotLSN (the slot's consistent-point
// LSN from CreateSlot, not a live WAL position). Once the copy returns it
// seeds the schema cache with each relation's current definition so the CDC
// stream's first Relation message (which may never arrive, if the table
// sees no further DDL) isn't required for decoding.
func (s *Source) Backfill(ctx context.Context, tables []snapshot.TableInfo, snapshotName string, snapshotLSN pglogrepl.LSN, sk sink.Sink) []snapshot.CopyResult {
	results := s.reader.CopyAll(ctx, tables, snapshotName, uint64(snapshotLSN), sk)
	for _, t := range tables {
		if rel, err := s.reader.LoadRelation(ctx, t); err == nil {
			s.cache.Put(rel)
		}
	}
	return results
}

// CreateSlot delegates to the replication client, returning the
// exported snapshot name backfill must use before StartCDC invalidates
// it, and the slot's consistent-point LSN (Backfill's snapshotLSN).
func (s *Source) CreateSlot(ctx context.Context, startLSN pglogrepl.LSN) (string, pglogrepl.LSN, error) {
	return s.client.CreateSlot(ctx, startLSN)
}

// AttachSlot delegates to the replication client for a resumed session.
func (s *Source) AttachSlot(ctx context.Context, resumeLSN pglogrepl.LSN) error {
	return s.client.AttachSlot(ctx, resumeLSN)
}

// StartCDC begins streaming and returns a channel of resolved CDC
// events. Relation and Type messages are absorbed into the schema cache
// rather than surfaced, matching pgoutput's own silent-catalog-update
// semantics.
func (s *Source) StartCDC(ctx context.Context) (<-chan CDCEvent, error) {
	raw, err := s.client.StartStreaming(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan CDCEvent, cap(raw))
	go func() {
		defer close(out)
		for msg := range raw {
			ev, ok, err := s.resolve(msg)
			if err != nil {
				s.logger.Err(err).Msg("resolve CDC message")
				s.resolveErr = err
				return
			}
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Err returns the error that ended the CDC channel, if any: a failure to
// resolve or decode a message, else the replication client's terminal
// error.
func (s *Source) Err() error {
	if s.resolveErr != nil {
		return s.resolveErr
	}
	return s.client.Err()
}

// ReportDurable advances the LSN the server is told has been durably
// applied.
func (s *Source) ReportDurable(lsn uint64) { s.client.ConfirmLSN(pglogrepl.LSN(lsn)) }

// Close shuts down the replication client.
func (s *Source) Close(ctx context.Context) { s.client.Close(ctx) }

func (s *Source) resolve(msg wire.Message) (CDCEvent, bool, error) {
	switch m := msg.(type) {
	case *wire.BeginMsg:
		return CDCEvent{Kind: EventBegin, FinalLSN: m.FinalLSN, CommitTime: m.CommitTime, XID: m.XID}, true, nil

	case *wire.CommitMsg:
		return CDCEvent{Kind: EventCommit, CommitLSN: m.CommitLSN, EndLSN: m.EndLSN, CommitTime: m.CommitTime}, true, nil

	case *wire.OriginMsg:
		return CDCEvent{Kind: EventOrigin, CommitLSN: m.OriginLSN, OriginName: m.Name}, true, nil

	case *wire.RelationMsg:
		s.cache.Put(relationFromWire(m))
		return CDCEvent{}, false, nil

	case *wire.TypeMsg:
		s.logger.Debug().Uint32("oid", m.TypeOID).Str("name", m.Name).Msg("type message (composite decoding not implemented)")
		return CDCEvent{}, false, nil

	case *wire.InsertMsg:
		rel, err := s.cache.Get(m.RelationID)
		if err != nil {
			return CDCEvent{}, false, err
		}
		newTup, err := s.decodeTuple(rel, m.NewTuple)
		if err != nil {
			return CDCEvent{}, false, err
		}
		return CDCEvent{Kind: EventInsert, Relation: rel, New: newTup}, true, nil

	case *wire.UpdateMsg:
		rel, err := s.cache.Get(m.RelationID)
		if err != nil {
			return CDCEvent{}, false, err
		}
		oldTup, err := s.decodeTuple(rel, m.OldTuple)
		if err != nil {
			return CDCEvent{}, false, err
		}
		newTup, err := s.decodeTuple(rel, m.NewTuple)
		if err != nil {
			return CDCEvent{}, false, err
		}
		return CDCEvent{Kind: EventUpdate, Relation: rel, Old: oldTup, New: newTup}, true, nil

	case *wire.DeleteMsg:
		rel, err := s.cache.Get(m.RelationID)
		if err != nil {
			return CDCEvent{}, false, err
		}
		oldTup, err := s.decodeTuple(rel, m.OldTuple)
		if err != nil {
			return CDCEvent{}, false, err
		}
		return CDCEvent{Kind: EventDelete, Relation: rel, Old: oldTup}, true, nil

	case *wire.TruncateMsg:
		rels := make([]*catalog.Relation, 0, len(m.RelationIDs))
		for _, id := range m.RelationIDs {
			rel, err := s.cache.Get(id)
			if err != nil {
				return CDCEvent{}, false, err
			}
			rels = append(rels, rel)
		}
		return CDCEvent{Kind: EventTruncate, Relations: rels, TruncateOptions: m.Options}, true, nil

	default:
		return CDCEvent{}, false, fmt.Errorf("source: unresolvable message type %T", msg)
	}
}

func (s *Source) decodeTuple(rel *catalog.Relation, t *wire.Tuple) (*wire.DecodedTuple, error) {
	if t == nil {
		return nil, nil
	}
	if len(t.Columns) != len(rel.Columns) {
		return nil, &pgerrors.ProtocolError{Reason: fmt.Sprintf("tuple has %d columns, relation %s has %d", len(t.Columns), rel.QualifiedName(), len(rel.Columns))}
	}

	decoder := s.cache.Decoder()
	out := make([]valuedecode.Value, len(t.Columns))
	for i, col := range t.Columns {
		relCol := rel.Columns[i]
		switch col.Tag {
		case wire.TagNull:
			out[i] = valuedecode.Null()
		case wire.TagUnchangedTOAST:
			out[i] = valuedecode.UnchangedTOAST()
		case wire.TagText:
			v, err := decoder.DecodeText(relCol.Name, relCol.TypeOID, col.Payload)
			if err != nil {
				return nil, err
			}
			out[i] = v
		case wire.TagBinary:
			v, err := decoder.DecodeBinary(relCol.Name, relCol.TypeOID, col.Payload)
			if err != nil {
				return nil, err
			}
			out[i] = v
		default:
			return nil, &pgerrors.ProtocolError{Reason: fmt.Sprintf("unknown tuple tag %q", col.Tag)}
		}
	}
	return &wire.DecodedTuple{Columns: out}, nil
}

func relationFromWire(m *wire.RelationMsg) *catalog.Relation {
	cols := make([]catalog.Column, len(m.Columns))
	for i, c := range m.Columns {
		cols[i] = catalog.Column{
			Name:            c.Name,
			TypeOID:         c.TypeOID,
			TypeModifier:    c.TypeModifier,
			ReplicaIdentity: c.Flags&1 != 0,
		}
	}
	return &catalog.Relation{
		OID:             m.RelationID,
		Namespace:       m.Namespace,
		Name:            m.RelationName,
		ReplicaIdentity: catalog.ReplicaIdentityKind(m.ReplicaIdentity),
		Columns:         cols,
	}
}
