package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cellrpc/protocol"
	"cellrpc/rpcerr"
)

// Call is an outstanding Syn or SynWithRsp request. It is owned by the caller
// goroutine: the transport fills Reply or Error and signals Done exactly once.
type Call struct {
	Seq      uint32
	Kind     protocol.Kind
	IssuedAt time.Time
	Reply    *protocol.Frame // Ack or Response frame on success
	Error    error
	Done     chan *Call // buffered, receives the call itself when it finishes
}

func newCall(kind protocol.Kind) *Call {
	return &Call{Kind: kind, IssuedAt: time.Now(), Done: make(chan *Call, 1)}
}

func (c *Call) done() {
	c.Done <- c
}

// Completion is the one-shot, level-triggered signal of an Asyn request.
//
// It is set when the server reports that the handler finished. It stays unset
// if the connection drops or the server rejects the request; in the latter
// case the rejection is still observable through Wait and Err.
type Completion struct {
	Seq      uint32
	IssuedAt time.Time

	once   sync.Once
	done   chan struct{} // closed when set
	failed chan struct{} // closed when the server rejected the call
	err    error
}

func newCompletion() *Completion {
	return &Completion{
		IssuedAt: time.Now(),
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
	}
}

func (c *Completion) set() {
	c.once.Do(func() { close(c.done) })
}

func (c *Completion) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.failed)
	})
}

// Done is closed once the completion is set.
func (c *Completion) Done() <-chan struct{} { return c.done }

func (c *Completion) IsSet() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the server's rejection, if any.
func (c *Completion) Err() error {
	select {
	case <-c.failed:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the completion is set (nil), the server rejects the call
// (the remote error) or ctx ends (rpcerr.ErrAsyncTimeout). A lost connection
// is only observable as a timeout.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-c.failed:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("%w: seq %d after %s: %v", rpcerr.ErrAsyncTimeout, c.Seq, time.Since(c.IssuedAt).Round(time.Millisecond), ctx.Err())
	}
}
