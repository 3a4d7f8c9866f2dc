// Package wire decodes PostgreSQL logical-replication wire frames into a
// closed set of typed messages. The codec is stateless: it knows nothing
// of previously-seen relations or transactions, only how to turn one
// frame into one Message plus the byte count it consumed.
package wire

import (
	"time"

	"github.com/jfoltran/pgcdc/internal/valuedecode"
)

// Kind identifies which variant of the closed Message sum type a value
// holds.
type Kind int

const (
	KindBegin Kind = iota
	KindCommit
	KindOrigin
	KindRelation
	KindType
	KindInsert
	KindUpdate
	KindDelete
	KindTruncate
	KindKeepalive
)

// Message is the common interface satisfied by every wire-decoded or
// server-framing value the replication client hands upstream.
type Message interface {
	Kind() Kind
}

// TupleTag is the per-column tag preceding a column's payload in a tuple
// block: null, unchanged-toast, text, or binary.
type TupleTag byte

const (
	TagNull           TupleTag = 'n'
	TagUnchangedTOAST TupleTag = 'u'
	TagText           TupleTag = 't'
	TagBinary         TupleTag = 'b'
)

// RawColumn is one column's tag plus raw (still-encoded) payload, as
// lifted directly off the wire before the schema cache resolves a type
// oid and a value decoder is invoked.
type RawColumn struct {
	Tag     TupleTag
	Payload []byte // nil for Null/UnchangedTOAST
}

// Tuple is the raw, per-relation-agnostic column sequence decoded from a
// tuple block. Translating it into typed valuedecode.Value columns
// requires the relation's column list, which the codec does not have —
// that join happens in the schema cache / source layer.
type Tuple struct {
	Columns []RawColumn
}

// DecodedTuple is a Tuple whose columns have already been resolved
// against a relation's column list and run through the value decoder.
// Unlike Tuple, this is what downstream CDC/backfill events carry.
type DecodedTuple struct {
	Columns []valuedecode.Value
}

// BeginMsg marks the start of a transaction.
type BeginMsg struct {
	FinalLSN   uint64
	CommitTime time.Time
	XID        uint32
}

func (m *BeginMsg) Kind() Kind { return KindBegin }

// CommitMsg marks the end of a transaction.
type CommitMsg struct {
	CommitLSN uint64
	EndLSN    uint64
	CommitTime time.Time
}

func (m *CommitMsg) Kind() Kind { return KindCommit }

// OriginMsg identifies the replication origin of the following changes,
// present only when the upstream is itself a logical-replication
// subscriber forwarding changes (cascading replication).
type OriginMsg struct {
	OriginLSN uint64
	Name      string
}

func (m *OriginMsg) Kind() Kind { return KindOrigin }

// RelationColumn mirrors one column entry inside a Relation message,
// prior to being folded into the schema cache's Relation type.
type RelationColumn struct {
	Flags        uint8
	Name         string
	TypeOID      uint32
	TypeModifier int32
}

// RelationMsg carries relation metadata: oid, schema/table names,
// replica identity, and ordered columns.
type RelationMsg struct {
	RelationID      uint32
	Namespace       string
	RelationName    string
	ReplicaIdentity byte
	Columns         []RelationColumn
}

func (m *RelationMsg) Kind() Kind { return KindRelation }

// TypeMsg is informational metadata about a composite/domain/enum type.
// Full composite decoding is not implemented; the message is surfaced
// as-is per the source's design notes.
type TypeMsg struct {
	TypeOID   uint32
	Namespace string
	Name      string
}

func (m *TypeMsg) Kind() Kind { return KindType }

// InsertMsg is a row insertion.
type InsertMsg struct {
	RelationID uint32
	NewTuple   *Tuple
}

func (m *InsertMsg) Kind() Kind { return KindInsert }

// UpdateMsg is a row update. OldTuple is nil when the relation's replica
// identity is default and no key column changed.
type UpdateMsg struct {
	RelationID uint32
	OldTuple   *Tuple
	NewTuple   *Tuple
}

func (m *UpdateMsg) Kind() Kind { return KindUpdate }

// DeleteMsg is a row deletion. OldTuple carries either the full old row
// (replica identity full) or just the key columns.
type DeleteMsg struct {
	RelationID uint32
	OldTuple   *Tuple
}

func (m *DeleteMsg) Kind() Kind { return KindDelete }

// TruncateOptions mirrors the two flags the server can set on a
// Truncate message.
type TruncateOptions struct {
	Cascade        bool
	RestartIdentity bool
}

// TruncateMsg truncates one or more relations atomically.
type TruncateMsg struct {
	RelationIDs []uint32
	Options     TruncateOptions
}

func (m *TruncateMsg) Kind() Kind { return KindTruncate }

// KeepaliveMsg is the server's PrimaryKeepaliveMessage: its current WAL
// write position and whether an immediate standby-status reply is
// requested.
type KeepaliveMsg struct {
	ServerWALEnd   uint64
	ServerTime     time.Time
	ReplyRequested bool
}

func (m *KeepaliveMsg) Kind() Kind { return KindKeepalive }
