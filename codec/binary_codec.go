package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"cellrpc/rpcerr"
)

// BinaryCodec lays fields out back to back in schema order, big-endian, no padding.
//
//	scalar : width(kind) bytes
//	string : [4-byte length][bytes]
//	list   : [4-byte count][count × width(elem) bytes]
//
// Variable-length fields are always length-prefixed, so a decoder never infers a
// length from the end of the buffer.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(schema Schema, fields FieldList) ([]byte, error) {
	if err := schema.Conforms(fields); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, encodedSize(schema, fields))
	for i, f := range schema {
		switch f.Kind {
		case KindString:
			s := fields[i].(string)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		case KindList:
			buf = appendList(buf, f.Elem, fields[i])
		default:
			buf = appendScalar(buf, f.Kind, fields[i])
		}
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(schema Schema, data []byte) (FieldList, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	d := decoder{data: data}
	fields := make(FieldList, len(schema))
	for i, f := range schema {
		switch f.Kind {
		case KindString:
			n, err := d.count(f.Name, 1)
			if err != nil {
				return nil, err
			}
			b, _ := d.take(f.Name, n)
			fields[i] = string(b)
		case KindList:
			w := f.Elem.Width()
			n, err := d.count(f.Name, w)
			if err != nil {
				return nil, err
			}
			b, _ := d.take(f.Name, n*w)
			fields[i] = decodeList(f.Elem, n, b)
		default:
			b, err := d.take(f.Name, f.Kind.Width())
			if err != nil {
				return nil, err
			}
			fields[i] = decodeScalar(f.Kind, b)
		}
	}

	if d.off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after last field: %w", len(data)-d.off, rpcerr.ErrMalformedPayload)
	}
	return fields, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// encodedSize is exact for conforming field lists.
func encodedSize(schema Schema, fields FieldList) int {
	size := 0
	for i, f := range schema {
		switch f.Kind {
		case KindString:
			size += 4 + len(fields[i].(string))
		case KindList:
			size += 4 + listLen(fields[i])*f.Elem.Width()
		default:
			size += f.Kind.Width()
		}
	}
	return size
}

// --- encode ---

func appendScalar(buf []byte, k Kind, v any) []byte {
	switch k {
	case KindBool:
		if v.(bool) {
			return append(buf, 1)
		}
		return append(buf, 0)
	case KindInt8:
		return append(buf, byte(v.(int8)))
	case KindUint8:
		return append(buf, v.(uint8))
	case KindInt16:
		return binary.BigEndian.AppendUint16(buf, uint16(v.(int16)))
	case KindUint16:
		return binary.BigEndian.AppendUint16(buf, v.(uint16))
	case KindInt32:
		return binary.BigEndian.AppendUint32(buf, uint32(v.(int32)))
	case KindUint32:
		return binary.BigEndian.AppendUint32(buf, v.(uint32))
	case KindInt64:
		return binary.BigEndian.AppendUint64(buf, uint64(v.(int64)))
	case KindUint64:
		return binary.BigEndian.AppendUint64(buf, v.(uint64))
	case KindFloat32:
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(v.(float32)))
	case KindFloat64:
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v.(float64)))
	}
	return buf
}

func appendList(buf []byte, elem Kind, v any) []byte {
	switch vals := v.(type) {
	case []bool:
		return appendSlice(buf, elem, vals)
	case []int8:
		return appendSlice(buf, elem, vals)
	case []uint8:
		return appendSlice(buf, elem, vals)
	case []int16:
		return appendSlice(buf, elem, vals)
	case []uint16:
		return appendSlice(buf, elem, vals)
	case []int32:
		return appendSlice(buf, elem, vals)
	case []uint32:
		return appendSlice(buf, elem, vals)
	case []int64:
		return appendSlice(buf, elem, vals)
	case []uint64:
		return appendSlice(buf, elem, vals)
	case []float32:
		return appendSlice(buf, elem, vals)
	case []float64:
		return appendSlice(buf, elem, vals)
	}
	return buf
}

func appendSlice[T any](buf []byte, elem Kind, vals []T) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(vals)))
	for _, x := range vals {
		buf = appendScalar(buf, elem, x)
	}
	return buf
}

func listLen(v any) int {
	switch vals := v.(type) {
	case []bool:
		return len(vals)
	case []int8:
		return len(vals)
	case []uint8:
		return len(vals)
	case []int16:
		return len(vals)
	case []uint16:
		return len(vals)
	case []int32:
		return len(vals)
	case []uint32:
		return len(vals)
	case []int64:
		return len(vals)
	case []uint64:
		return len(vals)
	case []float32:
		return len(vals)
	case []float64:
		return len(vals)
	}
	return 0
}

// --- decode ---

// decoder walks data and never reads past its end.
type decoder struct {
	data []byte
	off  int
}

func (d *decoder) take(field string, n int) ([]byte, error) {
	if n < 0 || n > len(d.data)-d.off {
		return nil, fmt.Errorf("field %s: short data: need %d bytes, have %d: %w",
			field, n, len(d.data)-d.off, rpcerr.ErrMalformedPayload)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// count reads a 4-byte length prefix and checks that count elements of width w remain.
func (d *decoder) count(field string, w int) (int, error) {
	b, err := d.take(field, 4)
	if err != nil {
		return 0, err
	}
	n := uint64(binary.BigEndian.Uint32(b))
	if remaining := uint64(len(d.data) - d.off); n*uint64(w) > remaining {
		return 0, fmt.Errorf("field %s: declared %d elements, only %d bytes remain: %w",
			field, n, remaining, rpcerr.ErrMalformedPayload)
	}
	return int(n), nil
}

func decodeScalar(k Kind, b []byte) any {
	switch k {
	case KindBool:
		return b[0] != 0
	case KindInt8:
		return int8(b[0])
	case KindUint8:
		return b[0]
	case KindInt16:
		return int16(binary.BigEndian.Uint16(b))
	case KindUint16:
		return binary.BigEndian.Uint16(b)
	case KindInt32:
		return int32(binary.BigEndian.Uint32(b))
	case KindUint32:
		return binary.BigEndian.Uint32(b)
	case KindInt64:
		return int64(binary.BigEndian.Uint64(b))
	case KindUint64:
		return binary.BigEndian.Uint64(b)
	case KindFloat32:
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	case KindFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
	return nil
}

func decodeList(elem Kind, n int, b []byte) any {
	switch elem {
	case KindBool:
		return collect[bool](elem, n, b)
	case KindInt8:
		return collect[int8](elem, n, b)
	case KindUint8:
		return collect[uint8](elem, n, b)
	case KindInt16:
		return collect[int16](elem, n, b)
	case KindUint16:
		return collect[uint16](elem, n, b)
	case KindInt32:
		return collect[int32](elem, n, b)
	case KindUint32:
		return collect[uint32](elem, n, b)
	case KindInt64:
		return collect[int64](elem, n, b)
	case KindUint64:
		return collect[uint64](elem, n, b)
	case KindFloat32:
		return collect[float32](elem, n, b)
	case KindFloat64:
		return collect[float64](elem, n, b)
	}
	return nil
}

func collect[T any](elem Kind, n int, b []byte) []T {
	w := elem.Width()
	out := make([]T, n)
	for i := range out {
		out[i] = decodeScalar(elem, b[i*w:(i+1)*w]).(T)
	}
	return out
}
