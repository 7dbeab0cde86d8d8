// Package protocol implements the binary frame protocol for cellrpc.
//
// Every message on a connection is one frame: a fixed 20-byte header followed by a
// variable-length payload. The receiver reads the header first to learn the payload
// length, then reads exactly that many bytes, so frame boundaries never depend on
// how the byte stream was segmented.
//
// Frame format:
//
//	0      3  4  5  6    8           12          16          20
//	┌──────┬──┬──┬──┬────┬───────────┬───────────┬───────────┬───────────────┐
//	│magic │v │k │ct│type│ partition │    seq    │  bodyLen  │   body ...    │
//	│ cel  │01│  │  │u16 │  uint32   │  uint32   │  uint32   │ bodyLen bytes │
//	└──────┴──┴──┴──┴────┴───────────┴───────────┴───────────┴───────────────┘
//
// k is the frame Kind, ct the codec used for the body, type the message-type id,
// partition the target partition and seq the correlation id chosen by the caller.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"cellrpc/rpcerr"
)

// Magic number bytes: "cel".
// Used to quickly reject connections that do not speak this protocol
// (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x63 // 'c'
	MagicByte2  byte = 0x65 // 'e'
	MagicByte3  byte = 0x6c // 'l'
	Version     byte = 0x01
	HeaderSize  int  = 20 // 3 (magic) + 1 (version) + 1 (kind) + 1 (codec) + 2 (type) + 4 (partition) + 4 (seq) + 4 (bodyLen)
)

// DefaultMaxBodyLen bounds a single frame body unless the endpoint configures otherwise.
const DefaultMaxBodyLen uint32 = 16 << 20 // 16 MB

// Codec type constants, mirrored from the codec package to keep protocol dependency-free.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// ErrInvalidFrame reports a header that is not a valid cellrpc frame. Like
// rpcerr.ErrFrameTooLarge it is fatal for the stream.
var ErrInvalidFrame = errors.New("invalid frame")

// Kind says what a frame is for. Requests carry the calling convention, so the
// server knows which reply (if any) the caller waits for.
type Kind byte

const (
	KindSyn        Kind = 1 // Client → Server: request, reply with Ack after the handler ran
	KindAsyn       Kind = 2 // Client → Server: request, reply with Complete after the handler ran
	KindSynWithRsp Kind = 3 // Client → Server: request, reply with Response carrying the result
	KindAck        Kind = 4 // Server → Client: Syn handler finished, no body
	KindResponse   Kind = 5 // Server → Client: SynWithRsp result body
	KindError      Kind = 6 // Server → Client: call rejected or failed, body is an error payload
	KindComplete   Kind = 7 // Server → Client: Asyn handler finished, no body
	KindHeartbeat  Kind = 8 // KeepAlive probe, no body
)

var kindNames = map[Kind]string{
	KindSyn: "syn", KindAsyn: "asyn", KindSynWithRsp: "syn-with-rsp", KindAck: "ack",
	KindResponse: "response", KindError: "error", KindComplete: "complete", KindHeartbeat: "heartbeat",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// IsRequest reports whether k is one of the three client call kinds.
func (k Kind) IsRequest() bool {
	return k == KindSyn || k == KindAsyn || k == KindSynWithRsp
}

// Header represents the fixed 20-byte frame header.
type Header struct {
	Kind      Kind   // What the frame is for
	CodecType byte   // Serialization format of the body: 0=JSON, 1=Binary
	MsgType   uint16 // Message-type id, selects schema and handler
	Partition uint32 // Target partition
	Seq       uint32 // Correlation id: replies echo the request's seq
	BodyLen   uint32 // Body length in bytes
}

// Frame is one header plus its body. Body length always equals Header.BodyLen.
type Frame struct {
	Header
	Body []byte
}

// NewFrame addresses body to messageType on partition.
func NewFrame(kind Kind, codecType byte, msgType uint16, partition uint32, seq uint32, body []byte) *Frame {
	return &Frame{
		Header: Header{
			Kind:      kind,
			CodecType: codecType,
			MsgType:   msgType,
			Partition: partition,
			Seq:       seq,
			BodyLen:   uint32(len(body)),
		},
		Body: body,
	}
}

// Reply builds a server → client frame answering req.
func Reply(req *Header, kind Kind, body []byte) *Frame {
	return NewFrame(kind, req.CodecType, req.MsgType, req.Partition, req.Seq, body)
}

// Encode writes a complete frame (header + body) to w in a single Write.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, f *Frame) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(f.Body))

	// Magic number: 3 bytes, protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(f.Kind)
	buf[5] = f.CodecType
	binary.BigEndian.PutUint16(buf[6:8], f.MsgType)
	binary.BigEndian.PutUint32(buf[8:12], f.Partition)
	binary.BigEndian.PutUint32(buf[12:16], f.Seq)
	// Body length is always derived from the body, never trusted from the header.
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(f.Body)))

	buf = append(buf, f.Body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates magic number, version, kind and codec type, and rejects bodies
// longer than maxBodyLen before allocating them. Uses io.ReadFull so exactly
// HeaderSize + bodyLen bytes are consumed.
func Decode(r io.Reader, maxBodyLen uint32) (*Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}

	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	if h.BodyLen > maxBodyLen {
		return nil, fmt.Errorf("body of %d bytes exceeds limit %d: %w", h.BodyLen, maxBodyLen, rpcerr.ErrFrameTooLarge)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Frame{Header: h, Body: body}, nil
}

func parseHeader(b []byte) (Header, error) {
	if b[0] != MagicNumber || b[1] != MagicByte2 || b[2] != MagicByte3 {
		return Header{}, fmt.Errorf("invalid magic number %x: %w", b[0:3], ErrInvalidFrame)
	}
	if b[3] != Version {
		return Header{}, fmt.Errorf("unsupported version %d: %w", b[3], ErrInvalidFrame)
	}
	kind := Kind(b[4])
	if _, ok := kindNames[kind]; !ok {
		return Header{}, fmt.Errorf("unsupported frame kind %d: %w", b[4], ErrInvalidFrame)
	}
	if b[5] != CodecTypeJSON && b[5] != CodecTypeBinary {
		return Header{}, fmt.Errorf("unsupported codec type %d: %w", b[5], ErrInvalidFrame)
	}
	return Header{
		Kind:      kind,
		CodecType: b[5],
		MsgType:   binary.BigEndian.Uint16(b[6:8]),
		Partition: binary.BigEndian.Uint32(b[8:12]),
		Seq:       binary.BigEndian.Uint32(b[12:16]),
		BodyLen:   binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// Reader yields the frames of one byte stream in order. The sequence is finite:
// Next returns io.EOF when the stream ends cleanly between frames and any other
// error when it ends mid-frame or carries an invalid or oversized header. After
// an error the Reader is done; a new stream needs a new Reader.
type Reader struct {
	r          *bufio.Reader
	maxBodyLen uint32
	err        error
}

// NewReader wraps r with a 64KB buffer.
func NewReader(r io.Reader, maxBodyLen uint32) *Reader {
	if maxBodyLen == 0 {
		maxBodyLen = DefaultMaxBodyLen
	}
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), maxBodyLen: maxBodyLen}
}

// Next blocks only while the next frame is incomplete.
func (fr *Reader) Next() (*Frame, error) {
	if fr.err != nil {
		return nil, fr.err
	}
	f, err := Decode(fr.r, fr.maxBodyLen)
	if err != nil {
		fr.err = err
		return nil, err
	}
	return f, nil
}

// EncodeError builds the body of a KindError frame:
//
//	[2-byte code][2-byte message length][message bytes]
func EncodeError(code uint16, msg string) []byte {
	if len(msg) > 0xffff {
		msg = msg[:0xffff]
	}
	buf := make([]byte, 0, 4+len(msg))
	buf = binary.BigEndian.AppendUint16(buf, code)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg)))
	return append(buf, msg...)
}

// DecodeError parses a KindError body.
func DecodeError(body []byte) (uint16, string, error) {
	if len(body) < 4 {
		return 0, "", fmt.Errorf("short error body: %w", rpcerr.ErrMalformedPayload)
	}
	code := binary.BigEndian.Uint16(body[0:2])
	n := int(binary.BigEndian.Uint16(body[2:4]))
	if len(body)-4 != n {
		return 0, "", fmt.Errorf("error message length %d, have %d bytes: %w", n, len(body)-4, rpcerr.ErrMalformedPayload)
	}
	return code, string(body[4:]), nil
}
