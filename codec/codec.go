// Package codec encodes and decodes the field list carried in a frame payload.
//
// A request (or response) is an ordered FieldList whose layout is fixed by a Schema:
//
//	Schema{Scalar("before", KindInt32), List("nums", KindInt32), Scalar("after", KindUint8)}
//	FieldList{int32(1), []int32{1, 2, 3, 4}, uint8(4)}
//
// The binary codec is the normative wire format. The JSON codec carries the same
// FieldList for debugging and interop; the frame header says which one was used.
package codec

import (
	"fmt"
	"reflect"

	"cellrpc/rpcerr"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(schema Schema, fields FieldList) ([]byte, error)
	Decode(schema Schema, data []byte) (FieldList, error)
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec for codecType. Unknown types fall back to binary.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// Kind is the wire type of a field.
type Kind byte

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindString // 4-byte length + UTF-8 bytes
	KindList   // 4-byte element count + count fixed-width elements of Elem
)

var kindNames = map[Kind]string{
	KindBool: "bool", KindInt8: "int8", KindUint8: "uint8", KindInt16: "int16",
	KindUint16: "uint16", KindInt32: "int32", KindUint32: "uint32", KindInt64: "int64",
	KindUint64: "uint64", KindFloat32: "float32", KindFloat64: "float64",
	KindString: "string", KindList: "list",
}

// scalarTypes maps scalar kinds to the Go type a FieldList holds for them.
var scalarTypes = map[Kind]reflect.Type{
	KindBool:    reflect.TypeFor[bool](),
	KindInt8:    reflect.TypeFor[int8](),
	KindUint8:   reflect.TypeFor[uint8](),
	KindInt16:   reflect.TypeFor[int16](),
	KindUint16:  reflect.TypeFor[uint16](),
	KindInt32:   reflect.TypeFor[int32](),
	KindUint32:  reflect.TypeFor[uint32](),
	KindInt64:   reflect.TypeFor[int64](),
	KindUint64:  reflect.TypeFor[uint64](),
	KindFloat32: reflect.TypeFor[float32](),
	KindFloat64: reflect.TypeFor[float64](),
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Scalar reports whether k is a fixed-width kind.
func (k Kind) Scalar() bool {
	return k.Width() > 0
}

// Width is the encoded byte width of a scalar kind, 0 for variable-length kinds.
func (k Kind) Width() int {
	switch k {
	case KindBool, KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	}
	return 0
}

// Field describes one position in a Schema. Elem is only meaningful for KindList.
type Field struct {
	Name string
	Kind Kind
	Elem Kind
}

func Scalar(name string, kind Kind) Field { return Field{Name: name, Kind: kind} }
func List(name string, elem Kind) Field   { return Field{Name: name, Kind: KindList, Elem: elem} }
func String(name string) Field            { return Field{Name: name, Kind: KindString} }

// goType is the Go type a FieldList holds at this position.
func (f Field) goType() reflect.Type {
	switch f.Kind {
	case KindString:
		return reflect.TypeFor[string]()
	case KindList:
		if t, ok := scalarTypes[f.Elem]; ok {
			return reflect.SliceOf(t)
		}
		return nil
	}
	return scalarTypes[f.Kind]
}

// Schema is the ordered field layout of one message type's payload.
type Schema []Field

// Validate checks that every field has a known kind and every list holds a scalar kind.
func (s Schema) Validate() error {
	for i, f := range s {
		if f.goType() == nil {
			return fmt.Errorf("field %d (%s): invalid kind %s/%s: %w", i, f.Name, f.Kind, f.Elem, rpcerr.ErrSchemaMismatch)
		}
	}
	return nil
}

// Conforms reports an error when fields does not have the Go types schema implies.
func (s Schema) Conforms(fields FieldList) error {
	if len(fields) != len(s) {
		return fmt.Errorf("expected %d fields, got %d: %w", len(s), len(fields), rpcerr.ErrSchemaMismatch)
	}
	for i, f := range s {
		want := f.goType()
		if want == nil {
			return fmt.Errorf("field %s: invalid kind %s: %w", f.Name, f.Kind, rpcerr.ErrSchemaMismatch)
		}
		if got := reflect.TypeOf(fields[i]); got != want {
			return fmt.Errorf("field %s: want %s, got %v: %w", f.Name, want, got, rpcerr.ErrSchemaMismatch)
		}
	}
	return nil
}

// FieldList holds one value per schema field: a scalar (int32, uint8, ...), a string,
// or a slice of one scalar type ([]int32, ...).
//
// A nil slice and an empty slice are the same list value: both encode to a
// zero count, and decoding always yields a non-nil empty slice.
type FieldList []any
