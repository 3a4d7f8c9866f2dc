package valuedecode

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jfoltran/pgcdc/internal/pgerrors"
)

func TestDecoder_DecodeText_Scalars(t *testing.T) {
	d := NewDecoder(UnknownTypeError)

	tests := []struct {
		name    string
		typeOID uint32
		raw     string
		want    Value
	}{
		{"bool", pgtype.BoolOID, "t", Value{Kind: KindBool, Bool: true}},
		{"int2", pgtype.Int2OID, "7", Value{Kind: KindInt2, Int: 7}},
		{"int4", pgtype.Int4OID, "42", Value{Kind: KindInt4, Int: 42}},
		{"int8", pgtype.Int8OID, "9001", Value{Kind: KindInt8, Int: 9001}},
		{"text", pgtype.TextOID, "hello world", Value{Kind: KindText, Text: "hello world"}},
		{"json", pgtype.JSONOID, `{"a":1}`, Value{Kind: KindJSON, Text: `{"a":1}`}},
		{"jsonb", pgtype.JSONBOID, `{"a":1}`, Value{Kind: KindJSONB, Text: `{"a":1}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.DecodeText("col", tt.typeOID, []byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeText() error: %v", err)
			}
			if got.Kind != tt.want.Kind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.want.Kind)
			}
			switch tt.want.Kind {
			case KindBool:
				if got.Bool != tt.want.Bool {
					t.Errorf("Bool = %v, want %v", got.Bool, tt.want.Bool)
				}
			case KindInt2, KindInt4, KindInt8:
				if got.Int != tt.want.Int {
					t.Errorf("Int = %v, want %v", got.Int, tt.want.Int)
				}
			case KindText, KindJSON, KindJSONB:
				if got.Text != tt.want.Text {
					t.Errorf("Text = %q, want %q", got.Text, tt.want.Text)
				}
			}
		})
	}
}

func TestDecoder_DecodeText_UUID(t *testing.T) {
	d := NewDecoder(UnknownTypeError)

	got, err := d.DecodeText("id", pgtype.UUIDOID, []byte("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"))
	if err != nil {
		t.Fatalf("DecodeText() error: %v", err)
	}
	if got.Kind != KindUUID {
		t.Fatalf("Kind = %v, want KindUUID", got.Kind)
	}
	want := [16]byte{0xa0, 0xee, 0xbc, 0x99, 0x9c, 0x0b, 0x4e, 0xf8, 0xbb, 0x6d, 0x6b, 0xb9, 0xbd, 0x38, 0x0a, 0x11}
	if got.UUID != want {
		t.Errorf("UUID = %x, want %x", got.UUID, want)
	}
}

func TestDecoder_DecodeText_UnknownTypePolicy(t *testing.T) {
	const bogusOID = 999999

	errPolicy := NewDecoder(UnknownTypeError)
	_, err := errPolicy.DecodeText("col", bogusOID, []byte("whatever"))
	if err == nil {
		t.Fatal("expected an error under UnknownTypeError policy")
	}
	var se *pgerrors.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected *pgerrors.SchemaError, got %T", err)
	}
	if se.Kind != pgerrors.UnknownType || se.OID != bogusOID {
		t.Errorf("SchemaError = %+v, want Kind=UnknownType OID=%d", se, bogusOID)
	}

	bytesPolicy := NewDecoder(UnknownTypeBytes)
	got, err := bytesPolicy.DecodeText("col", bogusOID, []byte("whatever"))
	if err != nil {
		t.Fatalf("DecodeText() error under UnknownTypeBytes policy: %v", err)
	}
	if got.Kind != KindUnknownBytes {
		t.Errorf("Kind = %v, want KindUnknownBytes", got.Kind)
	}
	if string(got.Bytes) != "whatever" {
		t.Errorf("Bytes = %q, want %q", got.Bytes, "whatever")
	}
}

func TestDecoder_DecodeText_InvalidPayload(t *testing.T) {
	d := NewDecoder(UnknownTypeError)

	_, err := d.DecodeText("n", pgtype.Int4OID, []byte("not-a-number"))
	if err == nil {
		t.Fatal("expected a decode error for malformed int4 payload")
	}
	var vde *pgerrors.ValueDecodeError
	if !errors.As(err, &vde) {
		t.Fatalf("expected *pgerrors.ValueDecodeError, got %T", err)
	}
	if vde.Column != "n" {
		t.Errorf("Column = %q, want %q", vde.Column, "n")
	}
}

func TestDecoder_DecodeBinary_Bool(t *testing.T) {
	d := NewDecoder(UnknownTypeError)

	got, err := d.DecodeBinary("flag", pgtype.BoolOID, []byte{1})
	if err != nil {
		t.Fatalf("DecodeBinary() error: %v", err)
	}
	if got.Kind != KindBool || !got.Bool {
		t.Errorf("got %+v, want Kind=KindBool Bool=true", got)
	}
}
