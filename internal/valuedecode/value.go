// Package valuedecode converts raw logical-replication column payloads
// (text or binary format) into a closed, typed value domain.
package valuedecode

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Kind tags a decoded Value with one member of the closed value domain.
type Kind int

const (
	KindNull Kind = iota
	KindUnchangedTOAST
	KindBool
	KindInt2
	KindInt4
	KindInt8
	KindFloat4
	KindFloat8
	KindNumeric
	KindText
	KindBytea
	KindTimestamp
	KindTimestamptz
	KindDate
	KindTime
	KindUUID
	KindJSON
	KindJSONB
	KindArray
	KindUnknownBytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindUnchangedTOAST:
		return "unchanged-toast"
	case KindBool:
		return "bool"
	case KindInt2:
		return "int2"
	case KindInt4:
		return "int4"
	case KindInt8:
		return "int8"
	case KindFloat4:
		return "float4"
	case KindFloat8:
		return "float8"
	case KindNumeric:
		return "numeric"
	case KindText:
		return "text"
	case KindBytea:
		return "bytea"
	case KindTimestamp:
		return "timestamp"
	case KindTimestamptz:
		return "timestamptz"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindUUID:
		return "uuid"
	case KindJSON:
		return "json"
	case KindJSONB:
		return "jsonb"
	case KindArray:
		return "array"
	case KindUnknownBytes:
		return "unknown-bytes"
	default:
		return "unknown"
	}
}

// Value is a tagged value drawn from the closed domain described in the
// data model: null, unchanged-toast, or a typed payload.
type Value struct {
	Kind     Kind
	Bool     bool
	Int      int64
	Float    float64
	Numeric  pgtype.Numeric
	Text     string
	Bytes    []byte
	Time     time.Time
	UUID     [16]byte
	Elements []Value
}

// IsNull reports whether v is the null tag.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Null returns the null-tagged Value.
func Null() Value { return Value{Kind: KindNull} }

// UnchangedTOAST returns the unchanged-toast tagged Value, used when the
// server omits an unchanged TOASTed column from a tuple.
func UnchangedTOAST() Value { return Value{Kind: KindUnchangedTOAST} }
