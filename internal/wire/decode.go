package wire

import (
	"fmt"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcdc/internal/pgerrors"
)

// Decode parses one CopyData payload — buf[0] is the message type byte,
// either pglogrepl.PrimaryKeepaliveMessageByteID ('k') or
// pglogrepl.XLogDataByteID ('w') — into a Message, returning the number
// of bytes consumed (always len(buf) on success: each CopyData payload
// holds exactly one replication-protocol message). A malformed frame
// returns a *pgerrors.ProtocolError citing the offset and expected tag.
//
// Decode is stateless: it knows nothing of previously-seen relations.
// Callers needing typed Insert/Update/Delete tuples must resolve the raw
// Tuple's columns against a schema cache (see internal/catalog).
func Decode(buf []byte) (Message, int, error) {
	if len(buf) == 0 {
		return nil, 0, &pgerrors.ProtocolError{Offset: 0, Reason: "empty frame"}
	}

	switch buf[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(buf[1:])
		if err != nil {
			return nil, 0, &pgerrors.ProtocolError{Offset: 1, Reason: "malformed keepalive", Err: err}
		}
		return &KeepaliveMsg{
			ServerWALEnd:   uint64(pkm.ServerWALEnd),
			ServerTime:     pkm.ServerTime,
			ReplyRequested: pkm.ReplyRequested,
		}, len(buf), nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(buf[1:])
		if err != nil {
			return nil, 0, &pgerrors.ProtocolError{Offset: 1, Reason: "malformed XLogData", Err: err}
		}
		msg, err := decodeLogical(xld.WALData)
		if err != nil {
			return nil, 0, err
		}
		return msg, len(buf), nil

	default:
		return nil, 0, &pgerrors.ProtocolError{
			Offset: 0,
			Reason: fmt.Sprintf("unexpected CopyData tag %q, expected 'k' or 'w'", buf[0]),
		}
	}
}

// decodeLogical decodes the inner logical-decoding message carried by an
// XLogData frame's payload into our closed Message set.
func decodeLogical(walData []byte) (Message, error) {
	m, err := pglogrepl.Parse(walData)
	if err != nil {
		return nil, &pgerrors.ProtocolError{Offset: 0, Reason: "malformed logical message", Err: err}
	}

	switch msg := m.(type) {
	case *pglogrepl.BeginMessage:
		return &BeginMsg{
			FinalLSN:   uint64(msg.FinalLSN),
			CommitTime: msg.CommitTime,
			XID:        msg.Xid,
		}, nil

	case *pglogrepl.CommitMessage:
		return &CommitMsg{
			CommitLSN:  uint64(msg.CommitLSN),
			EndLSN:     uint64(msg.TransactionEndLSN),
			CommitTime: msg.CommitTime,
		}, nil

	case *pglogrepl.OriginMessage:
		return &OriginMsg{
			OriginLSN: uint64(msg.CommitLSN),
			Name:      msg.Name,
		}, nil

	case *pglogrepl.RelationMessage:
		cols := make([]RelationColumn, len(msg.Columns))
		for i, c := range msg.Columns {
			cols[i] = RelationColumn{
				Flags:        c.Flags,
				Name:         c.Name,
				TypeOID:      c.DataType,
				TypeModifier: c.TypeModifier,
			}
		}
		return &RelationMsg{
			RelationID:      msg.RelationID,
			Namespace:       msg.Namespace,
			RelationName:    msg.RelationName,
			ReplicaIdentity: msg.ReplicaIdentity,
			Columns:         cols,
		}, nil

	case *pglogrepl.TypeMessage:
		return &TypeMsg{
			TypeOID:   msg.DataType,
			Namespace: msg.Namespace,
			Name:      msg.Name,
		}, nil

	case *pglogrepl.InsertMessage:
		return &InsertMsg{
			RelationID: msg.RelationID,
			NewTuple:   decodeTuple(msg.Tuple),
		}, nil

	case *pglogrepl.UpdateMessage:
		return &UpdateMsg{
			RelationID: msg.RelationID,
			OldTuple:   decodeTuple(msg.OldTuple),
			NewTuple:   decodeTuple(msg.NewTuple),
		}, nil

	case *pglogrepl.DeleteMessage:
		return &DeleteMsg{
			RelationID: msg.RelationID,
			OldTuple:   decodeTuple(msg.OldTuple),
		}, nil

	case *pglogrepl.TruncateMessage:
		ids := make([]uint32, len(msg.RelationIDs))
		copy(ids, msg.RelationIDs)
		return &TruncateMsg{
			RelationIDs: ids,
			Options: TruncateOptions{
				Cascade:         msg.Option&pglogrepl.TruncateOptionCascade != 0,
				RestartIdentity: msg.Option&pglogrepl.TruncateOptionRestartIdentity != 0,
			},
		}, nil

	default:
		return nil, &pgerrors.ProtocolError{
			Offset: 0,
			Reason: fmt.Sprintf("unsupported logical message type %T", m),
		}
	}
}

func decodeTuple(tuple *pglogrepl.TupleData) *Tuple {
	if tuple == nil {
		return nil
	}
	cols := make([]RawColumn, len(tuple.Columns))
	for i, c := range tuple.Columns {
		switch c.DataType {
		case pglogrepl.TupleDataTypeNull:
			cols[i] = RawColumn{Tag: TagNull}
		case pglogrepl.TupleDataTypeToast:
			cols[i] = RawColumn{Tag: TagUnchangedTOAST}
		case pglogrepl.TupleDataTypeBinary:
			cols[i] = RawColumn{Tag: TagBinary, Payload: c.Data}
		default: // pglogrepl.TupleDataTypeText
			cols[i] = RawColumn{Tag: TagText, Payload: c.Data}
		}
	}
	return &Tuple{Columns: cols}
}
