package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"cellrpc/rpcerr"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, easy to debug with a packet capture.
// Cons: slower, larger payload, and lists of uint8 travel as base64 strings.
//
// The payload is a JSON array with one element per schema field. Decoding is
// schema-driven so every value comes back with the exact Go type the binary codec
// would produce.
//
// Values JSON cannot carry unchanged are refused rather than altered: strings
// that are not valid UTF-8 and non-finite floats fail Encode with
// rpcerr.ErrSchemaMismatch, and null in place of a scalar or string fails
// Decode with rpcerr.ErrMalformedPayload.
type JSONCodec struct{}

func (c *JSONCodec) Encode(schema Schema, fields FieldList) ([]byte, error) {
	if err := schema.Conforms(fields); err != nil {
		return nil, err
	}
	out := make([]any, len(fields))
	for i, f := range schema {
		if err := jsonSafe(fields[i]); err != nil {
			return nil, fmt.Errorf("json: field %s: %w", f.Name, err)
		}
		out[i] = fields[i]
		// a nil list is the empty list, not null
		if v := reflect.ValueOf(fields[i]); f.Kind == KindList && v.IsNil() {
			out[i] = reflect.MakeSlice(v.Type(), 0, 0).Interface()
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("json: %v: %w", err, rpcerr.ErrSchemaMismatch)
	}
	return data, nil
}

// jsonSafe rejects values encoding/json would rewrite or refuse.
func jsonSafe(v any) error {
	switch x := v.(type) {
	case string:
		if !utf8.ValidString(x) {
			return fmt.Errorf("string is not valid UTF-8: %w", rpcerr.ErrSchemaMismatch)
		}
	case float32:
		return finite(float64(x))
	case float64:
		return finite(x)
	case []float32:
		for _, e := range x {
			if err := finite(float64(e)); err != nil {
				return err
			}
		}
	case []float64:
		for _, e := range x {
			if err := finite(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func finite(x float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fmt.Errorf("non-finite float %v: %w", x, rpcerr.ErrSchemaMismatch)
	}
	return nil
}

var jsonNull = []byte("null")

// hasNull reports a null field, or a null element of a JSON array.
func hasNull(f Field, raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if f.Kind != KindList {
		return bytes.Equal(raw, jsonNull)
	}
	if len(raw) == 0 || raw[0] != '[' {
		return false // null list, or a base64 string for []uint8
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return false // reported by the typed decode
	}
	for _, e := range elems {
		if bytes.Equal(bytes.TrimSpace(e), jsonNull) {
			return true
		}
	}
	return false
}

func (c *JSONCodec) Decode(schema Schema, data []byte) (FieldList, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("json: %v: %w", err, rpcerr.ErrMalformedPayload)
	}
	if len(raw) != len(schema) {
		return nil, fmt.Errorf("json: expected %d fields, got %d: %w", len(schema), len(raw), rpcerr.ErrMalformedPayload)
	}

	fields := make(FieldList, len(schema))
	for i, f := range schema {
		if hasNull(f, raw[i]) {
			return nil, fmt.Errorf("json: field %s: null value: %w", f.Name, rpcerr.ErrMalformedPayload)
		}
		ptr := reflect.New(f.goType())
		if err := json.Unmarshal(raw[i], ptr.Interface()); err != nil {
			return nil, fmt.Errorf("json: field %s: %v: %w", f.Name, err, rpcerr.ErrMalformedPayload)
		}
		v := ptr.Elem()
		// null decodes to a nil slice; the binary codec always yields a non-nil one.
		if f.Kind == KindList && v.IsNil() {
			v = reflect.MakeSlice(v.Type(), 0, 0)
		}
		fields[i] = v.Interface()
	}
	return fields, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
