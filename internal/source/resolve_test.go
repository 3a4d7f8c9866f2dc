package source

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/catalog"
	"github.com/jfoltran/pgcdc/internal/pgerrors"
	"github.com/jfoltran/pgcdc/internal/valuedecode"
	"github.com/jfoltran/pgcdc/internal/wire"
)

func newTestSource() *Source {
	decoder := valuedecode.NewDecoder(valuedecode.UnknownTypeError)
	return &Source{
		cache:  catalog.New(decoder),
		logger: zerolog.Nop(),
	}
}

func TestRelationFromWire(t *testing.T) {
	msg := &wire.RelationMsg{
		RelationID:      16400,
		Namespace:       "public",
		RelationName:    "orders",
		ReplicaIdentity: 'd',
		Columns: []wire.RelationColumn{
			{Name: "id", TypeOID: 23, Flags: 1},
			{Name: "total", TypeOID: 701, Flags: 0},
		},
	}

	rel := relationFromWire(msg)
	if rel.OID != 16400 || rel.Namespace != "public" || rel.Name != "orders" {
		t.Errorf("got %+v", rel)
	}
	if rel.ReplicaIdentity != catalog.ReplicaIdentityDefault {
		t.Errorf("ReplicaIdentity = %v, want ReplicaIdentityDefault", rel.ReplicaIdentity)
	}
	if len(rel.Columns) != 2 || !rel.Columns[0].ReplicaIdentity || rel.Columns[1].ReplicaIdentity {
		t.Errorf("Columns = %+v", rel.Columns)
	}
}

func TestSource_Resolve_BeginCommitOrigin(t *testing.T) {
	s := newTestSource()
	now := time.Now()

	ev, ok, err := s.resolve(&wire.BeginMsg{FinalLSN: 100, CommitTime: now, XID: 7})
	if err != nil || !ok {
		t.Fatalf("resolve(Begin) = %v, %v, %v", ev, ok, err)
	}
	if ev.Kind != EventBegin || ev.FinalLSN != 100 || ev.XID != 7 {
		t.Errorf("got %+v", ev)
	}

	ev, ok, err = s.resolve(&wire.CommitMsg{CommitLSN: 100, EndLSN: 108})
	if err != nil || !ok {
		t.Fatalf("resolve(Commit) = %v, %v, %v", ev, ok, err)
	}
	if ev.Kind != EventCommit || ev.CommitLSN != 100 || ev.EndLSN != 108 {
		t.Errorf("got %+v", ev)
	}

	ev, ok, err = s.resolve(&wire.OriginMsg{OriginLSN: 50, Name: "node-a"})
	if err != nil || !ok {
		t.Fatalf("resolve(Origin) = %v, %v, %v", ev, ok, err)
	}
	if ev.Kind != EventOrigin || ev.OriginName != "node-a" {
		t.Errorf("got %+v", ev)
	}
}

func TestSource_Resolve_RelationPopulatesCacheAndIsAbsorbed(t *testing.T) {
	s := newTestSource()

	_, ok, err := s.resolve(&wire.RelationMsg{
		RelationID:   1,
		Namespace:    "public",
		RelationName: "orders",
		Columns:      []wire.RelationColumn{{Name: "id", TypeOID: 23}},
	})
	if err != nil {
		t.Fatalf("resolve(Relation) error: %v", err)
	}
	if ok {
		t.Error("expected Relation message to be absorbed, not surfaced")
	}

	rel, err := s.cache.Get(1)
	if err != nil {
		t.Fatalf("expected relation to be cached: %v", err)
	}
	if rel.Name != "orders" {
		t.Errorf("cached relation name = %q", rel.Name)
	}
}

func TestSource_Resolve_TypeMessageIsAbsorbed(t *testing.T) {
	s := newTestSource()

	_, ok, err := s.resolve(&wire.TypeMsg{TypeOID: 99999, Namespace: "public", Name: "my_enum"})
	if err != nil {
		t.Fatalf("resolve(Type) error: %v", err)
	}
	if ok {
		t.Error("expected Type message to be absorbed, not surfaced")
	}
}

func TestSource_Resolve_InsertUnknownRelation(t *testing.T) {
	s := newTestSource()

	_, ok, err := s.resolve(&wire.InsertMsg{RelationID: 999, NewTuple: &wire.Tuple{}})
	if ok {
		t.Error("expected unresolved insert to not be surfaced")
	}
	var se *pgerrors.SchemaError
	if !errors.As(err, &se) || se.Kind != pgerrors.UnknownRelation {
		t.Fatalf("expected UnknownRelation SchemaError, got %v", err)
	}
}

func TestSource_Resolve_InsertDecodesNewTuple(t *testing.T) {
	s := newTestSource()
	s.cache.Put(&catalog.Relation{
		OID:       1,
		Namespace: "public",
		Name:      "orders",
		Columns: []catalog.Column{
			{Name: "id", TypeOID: 23},
			{Name: "note", TypeOID: 25},
		},
	})

	ev, ok, err := s.resolve(&wire.InsertMsg{
		RelationID: 1,
		NewTuple: &wire.Tuple{Columns: []wire.RawColumn{
			{Tag: wire.TagText, Payload: []byte("42")},
			{Tag: wire.TagNull},
		}},
	})
	if err != nil {
		t.Fatalf("resolve(Insert) error: %v", err)
	}
	if !ok {
		t.Fatal("expected Insert to be surfaced")
	}
	if ev.Kind != EventInsert || ev.Relation.Name != "orders" {
		t.Fatalf("got %+v", ev)
	}
	if ev.New.Columns[0].Kind != valuedecode.KindInt4 || ev.New.Columns[0].Int != 42 {
		t.Errorf("column 0 = %+v", ev.New.Columns[0])
	}
	if !ev.New.Columns[1].IsNull() {
		t.Errorf("column 1 expected null, got %+v", ev.New.Columns[1])
	}
}

func TestSource_Resolve_UpdateAndDelete(t *testing.T) {
	s := newTestSource()
	s.cache.Put(&catalog.Relation{
		OID:  2,
		Name: "widgets",
		Columns: []catalog.Column{
			{Name: "id", TypeOID: 23},
		},
	})

	tup := &wire.Tuple{Columns: []wire.RawColumn{{Tag: wire.TagText, Payload: []byte("5")}}}

	ev, ok, err := s.resolve(&wire.UpdateMsg{RelationID: 2, OldTuple: tup, NewTuple: tup})
	if err != nil || !ok || ev.Kind != EventUpdate {
		t.Fatalf("resolve(Update) = %+v, %v, %v", ev, ok, err)
	}

	ev, ok, err = s.resolve(&wire.DeleteMsg{RelationID: 2, OldTuple: tup})
	if err != nil || !ok || ev.Kind != EventDelete {
		t.Fatalf("resolve(Delete) = %+v, %v, %v", ev, ok, err)
	}
}

func TestSource_Resolve_Truncate(t *testing.T) {
	s := newTestSource()
	s.cache.Put(&catalog.Relation{OID: 3, Name: "a"})
	s.cache.Put(&catalog.Relation{OID: 4, Name: "b"})

	ev, ok, err := s.resolve(&wire.TruncateMsg{
		RelationIDs: []uint32{3, 4},
		Options:     wire.TruncateOptions{Cascade: true, RestartIdentity: true},
	})
	if err != nil || !ok {
		t.Fatalf("resolve(Truncate) = %v, %v, %v", ev, ok, err)
	}
	if len(ev.Relations) != 2 {
		t.Fatalf("Relations = %+v", ev.Relations)
	}
	if !ev.TruncateOptions.Cascade || !ev.TruncateOptions.RestartIdentity {
		t.Errorf("TruncateOptions = %+v", ev.TruncateOptions)
	}
}

func TestSource_DecodeTuple_NilTuple(t *testing.T) {
	s := newTestSource()
	rel := &catalog.Relation{Columns: []catalog.Column{{Name: "id", TypeOID: 23}}}

	got, err := s.decodeTuple(rel, nil)
	if err != nil || got != nil {
		t.Errorf("decodeTuple(nil) = %v, %v, want nil, nil", got, err)
	}
}

func TestSource_DecodeTuple_ColumnCountMismatch(t *testing.T) {
	s := newTestSource()
	rel := &catalog.Relation{Name: "t", Columns: []catalog.Column{{Name: "id", TypeOID: 23}}}

	_, err := s.decodeTuple(rel, &wire.Tuple{Columns: []wire.RawColumn{
		{Tag: wire.TagText, Payload: []byte("1")},
		{Tag: wire.TagText, Payload: []byte("2")},
	}})
	if err == nil {
		t.Fatal("expected a column-count mismatch error")
	}
	var pe *pgerrors.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *pgerrors.ProtocolError, got %T", err)
	}
}

func TestSource_DecodeTuple_UnknownTag(t *testing.T) {
	s := newTestSource()
	rel := &catalog.Relation{Columns: []catalog.Column{{Name: "id", TypeOID: 23}}}

	_, err := s.decodeTuple(rel, &wire.Tuple{Columns: []wire.RawColumn{{Tag: wire.TupleTag('?')}}})
	if err == nil {
		t.Fatal("expected an error for an unknown tuple tag")
	}
}
