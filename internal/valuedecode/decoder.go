package valuedecode

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jfoltran/pgcdc/internal/pgerrors"
)

// UnknownTypePolicy controls behavior when a column's type oid has no
// registered decoder.
type UnknownTypePolicy int

const (
	// UnknownTypeError fails the decode with a SchemaError(UnknownType).
	UnknownTypeError UnknownTypePolicy = iota
	// UnknownTypeBytes falls back to an opaque KindUnknownBytes value.
	UnknownTypeBytes
)

// Decoder resolves column payloads to typed Values using a pgtype.Map,
// the same registry jackc/pgx uses for normal query results. One Decoder
// is safe for concurrent use; it holds no per-relation state (that lives
// in the schema cache).
type Decoder struct {
	types  *pgtype.Map
	policy UnknownTypePolicy
}

// NewDecoder creates a Decoder with the given unknown-type fallback policy.
func NewDecoder(policy UnknownTypePolicy) *Decoder {
	return &Decoder{types: pgtype.NewMap(), policy: policy}
}

// DecodeText decodes a column payload in PostgreSQL's logical-replication
// text format (the 't' tuple tag).
func (d *Decoder) DecodeText(column string, typeOID uint32, raw []byte) (Value, error) {
	return d.decode(column, typeOID, raw, pgtype.TextFormatCode)
}

// DecodeBinary decodes a column payload in the documented binary type
// representation (the 'b' tuple tag).
func (d *Decoder) DecodeBinary(column string, typeOID uint32, raw []byte) (Value, error) {
	return d.decode(column, typeOID, raw, pgtype.BinaryFormatCode)
}

func (d *Decoder) decode(column string, typeOID uint32, raw []byte, format int16) (Value, error) {
	dt, ok := d.types.TypeForOID(typeOID)
	if !ok {
		if d.policy == UnknownTypeBytes {
			return Value{Kind: KindUnknownBytes, Bytes: append([]byte(nil), raw...)}, nil
		}
		return Value{}, &pgerrors.SchemaError{Kind: pgerrors.UnknownType, OID: typeOID}
	}

	decoded, err := dt.Codec.DecodeValue(d.types, typeOID, format, raw)
	if err != nil {
		return Value{}, &pgerrors.ValueDecodeError{Column: column, Type: typeOID, Cause: err}
	}

	return goValueToValue(typeOID, decoded)
}

func goValueToValue(typeOID uint32, decoded any) (Value, error) {
	switch v := decoded.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Value{Kind: KindBool, Bool: v}, nil
	case int16:
		return Value{Kind: KindInt2, Int: int64(v)}, nil
	case int32:
		return Value{Kind: KindInt4, Int: int64(v)}, nil
	case int64:
		return Value{Kind: KindInt8, Int: v}, nil
	case float32:
		return Value{Kind: KindFloat4, Float: float64(v)}, nil
	case float64:
		return Value{Kind: KindFloat8, Float: v}, nil
	case pgtype.Numeric:
		return Value{Kind: KindNumeric, Numeric: v}, nil
	case string:
		return kindForTextualOID(typeOID, v), nil
	case []byte:
		return Value{Kind: KindBytea, Bytes: v}, nil
	case [16]byte:
		return Value{Kind: KindUUID, UUID: v}, nil
	case pgtype.UUID:
		if !v.Valid {
			return Null(), nil
		}
		return Value{Kind: KindUUID, UUID: v.Bytes}, nil
	case pgtype.Timestamp:
		if !v.Valid {
			return Null(), nil
		}
		return Value{Kind: KindTimestamp, Time: v.Time}, nil
	case pgtype.Timestamptz:
		if !v.Valid {
			return Null(), nil
		}
		return Value{Kind: KindTimestamptz, Time: v.Time}, nil
	case pgtype.Date:
		if !v.Valid {
			return Null(), nil
		}
		return Value{Kind: KindDate, Time: v.Time}, nil
	case pgtype.Time:
		if !v.Valid {
			return Null(), nil
		}
		return Value{Kind: KindTime, Int: v.Microseconds}, nil
	case []any:
		elems := make([]Value, 0, len(v))
		for _, raw := range v {
			elemVal, err := goValueToValue(typeOID, raw)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, elemVal)
		}
		return Value{Kind: KindArray, Elements: elems}, nil
	default:
		return Value{}, fmt.Errorf("valuedecode: unhandled decoded type %T for oid %d", decoded, typeOID)
	}
}

// kindForTextualOID distinguishes the string-backed kinds (text, json,
// jsonb) that pgtype.Codec.DecodeValue all surface as plain Go strings.
func kindForTextualOID(typeOID uint32, v string) Value {
	switch typeOID {
	case pgtype.JSONOID:
		return Value{Kind: KindJSON, Text: v}
	case pgtype.JSONBOID:
		return Value{Kind: KindJSONB, Text: v}
	default:
		return Value{Kind: KindText, Text: v}
	}
}
