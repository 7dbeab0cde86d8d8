// Package rpcerr defines the error taxonomy shared by every layer of cellrpc.
//
// Each failure class has a sentinel error. Layers wrap the sentinel with context
// (fmt.Errorf("...: %w", rpcerr.ErrX)) and callers test with errors.Is.
//
// Errors that cross the wire travel as a numeric code plus a message inside an
// Error frame. FromCode rebuilds an error around the same sentinel on the client,
// so errors.Is(err, rpcerr.ErrUnhandledMessageType) holds whether the failure was
// detected locally or by the remote server.
package rpcerr

import (
	"errors"
	"fmt"
)

var (
	// Codec level: non-retriable, the frame is rejected.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrSchemaMismatch   = errors.New("value does not match schema")

	// Configuration / protocol level.
	ErrFrameTooLarge        = errors.New("frame too large")
	ErrUnknownPartition     = errors.New("unknown partition")
	ErrUnhandledMessageType = errors.New("unhandled message type")
	ErrDuplicateHandler     = errors.New("duplicate handler")
	ErrModeMismatch         = errors.New("calling mode mismatch")
	ErrServerStarted        = errors.New("server already serving")

	// Transport level.
	ErrConnectionLost = errors.New("connection lost")

	// Caller-side deadlines. No remote abort is implied.
	ErrCallTimeout  = errors.New("call timeout")
	ErrAsyncTimeout = errors.New("async completion timeout")

	// ErrHandler wraps an error returned by application handler code.
	ErrHandler = errors.New("handler error")
)

// Code is the wire representation of a sentinel.
type Code uint16

const (
	CodeUnknown Code = iota
	CodeMalformedPayload
	CodeSchemaMismatch
	CodeFrameTooLarge
	CodeUnknownPartition
	CodeUnhandledMessageType
	CodeModeMismatch
	CodeHandler
	CodeTimeout
	CodeRateLimited
	CodeShuttingDown
)

// ErrRateLimited is returned by the server when the dispatch rate limit rejects a request.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrShuttingDown answers requests that arrive after the server began to shut down.
var ErrShuttingDown = errors.New("server shutting down")

var codeToErr = map[Code]error{
	CodeMalformedPayload:     ErrMalformedPayload,
	CodeSchemaMismatch:       ErrSchemaMismatch,
	CodeFrameTooLarge:        ErrFrameTooLarge,
	CodeUnknownPartition:     ErrUnknownPartition,
	CodeUnhandledMessageType: ErrUnhandledMessageType,
	CodeModeMismatch:         ErrModeMismatch,
	CodeHandler:              ErrHandler,
	CodeTimeout:              ErrCallTimeout,
	CodeRateLimited:          ErrRateLimited,
	CodeShuttingDown:         ErrShuttingDown,
}

// CodeOf maps err to the code of the first sentinel it wraps, checked in code order.
func CodeOf(err error) Code {
	for code := CodeMalformedPayload; code <= CodeShuttingDown; code++ {
		if errors.Is(err, codeToErr[code]) {
			return code
		}
	}
	return CodeUnknown
}

// RemoteError is an error reported by the peer in an Error frame.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Unwrap lets errors.Is see the sentinel behind the code.
func (e *RemoteError) Unwrap() error {
	return codeToErr[e.Code]
}

// FromCode rebuilds an error received from the wire.
func FromCode(code Code, msg string) error {
	return &RemoteError{Code: code, Message: msg}
}

// Handlerf wraps a handler failure so it travels as CodeHandler.
func Handlerf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandler, fmt.Sprintf(format, args...))
}
