// Package message defines the message model exchanged between client and server.
//
// A Descriptor is the runtime contract for one message type: its id, the calling
// convention it is served with, and the schemas of its request and response.
// Generated or hand-written stubs declare one Descriptor per message type and
// both ends of a connection must agree on it.
//
// Request and Reply are the decoded envelopes the server's middleware chain and
// handlers see once the frame and its payload have been decoded.
package message

import (
	"fmt"

	"cellrpc/codec"
	"cellrpc/protocol"
	"cellrpc/rpcerr"
)

// Type is the protocol-level message-type id. It selects both the payload
// schema and the handler.
type Type uint16

// Mode is the calling convention a message type is served with.
type Mode byte

const (
	ModeSyn        Mode = iota + 1 // caller blocks until the handler ran, no result
	ModeAsyn                       // caller returns at once, completion is signalled later
	ModeSynWithRsp                 // caller blocks and receives the handler's result
)

func (m Mode) String() string {
	switch m {
	case ModeSyn:
		return "Syn"
	case ModeAsyn:
		return "Asyn"
	case ModeSynWithRsp:
		return "SynWithRsp"
	}
	return fmt.Sprintf("mode(%d)", byte(m))
}

// Kind is the request frame kind that carries this mode.
func (m Mode) Kind() protocol.Kind {
	switch m {
	case ModeSyn:
		return protocol.KindSyn
	case ModeAsyn:
		return protocol.KindAsyn
	case ModeSynWithRsp:
		return protocol.KindSynWithRsp
	}
	return 0
}

// ModeOf maps a request frame kind back to its mode.
func ModeOf(k protocol.Kind) (Mode, bool) {
	switch k {
	case protocol.KindSyn:
		return ModeSyn, true
	case protocol.KindAsyn:
		return ModeAsyn, true
	case protocol.KindSynWithRsp:
		return ModeSynWithRsp, true
	}
	return 0, false
}

// Descriptor describes one message type.
//
//   - Request is the schema of the payload the caller sends.
//   - Response is the schema of the result; only SynWithRsp types have one.
type Descriptor struct {
	Type     Type
	Name     string // e.g. "TestSynWithRsp", used in logs
	Mode     Mode
	Request  codec.Schema
	Response codec.Schema
}

// Validate checks that the descriptor is internally consistent.
func (d *Descriptor) Validate() error {
	if d.Mode.Kind() == 0 {
		return fmt.Errorf("message %s: unknown mode %d: %w", d.Name, d.Mode, rpcerr.ErrSchemaMismatch)
	}
	if err := d.Request.Validate(); err != nil {
		return fmt.Errorf("message %s request: %w", d.Name, err)
	}
	if d.Mode != ModeSynWithRsp && len(d.Response) > 0 {
		return fmt.Errorf("message %s: %s types carry no response: %w", d.Name, d.Mode, rpcerr.ErrSchemaMismatch)
	}
	if err := d.Response.Validate(); err != nil {
		return fmt.Errorf("message %s response: %w", d.Name, err)
	}
	return nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%d,%s)", d.Name, d.Type, d.Mode)
}

// Request carries one decoded call.
//
//   - Type and Mode come from the frame header.
//   - Partition is the partition the caller addressed.
//   - Fields are decoded with the descriptor's request schema.
type Request struct {
	Type      Type
	Mode      Mode
	Partition uint32
	Fields    codec.FieldList
}

// Reply carries the outcome of one call. Fields is set only for SynWithRsp;
// Err is non-nil if the call was rejected or the handler failed.
type Reply struct {
	Fields codec.FieldList
	Err    error
}
