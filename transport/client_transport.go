// Package transport implements the client side of a cellrpc connection: multiplexing,
// reply correlation, async completions and heartbeat.
//
// ClientTransport lets many concurrent calls share a single TCP connection.
// Each request gets a unique sequence id, and a background goroutine (recvLoop)
// reads every reply frame and routes it to the caller that owns that seq.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──SendAsyn(3)──┘
//
//	recvLoop:  ←── ack(seq=2)      → pending[2] → goroutine-2 wakes up
//	           ←── complete(seq=3) → asyn[3].set()
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cellrpc/protocol"
	"cellrpc/rpcerr"
)

// ClientTransport manages a single multiplexed connection to one server.
type ClientTransport struct {
	id     string
	conn   net.Conn
	cfg    config
	logger *zap.Logger

	sending chan struct{} // one token; serializes whole frames and is held while seq is assigned so seq order is wire order
	seq     uint32

	mu      sync.Mutex
	pending map[uint32]*Call       // Syn / SynWithRsp calls waiting for Ack, Response or Error
	asyn    map[uint32]*Completion // Asyn calls waiting for Complete or Error
	closed  bool
	err     error // why the transport stopped

	done chan struct{}
}

// NewClientTransport takes ownership of conn and starts two background goroutines:
//   - recvLoop: reads reply frames and dispatches them to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames (unless disabled)
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	id := uuid.NewString()
	t := &ClientTransport{
		id:      id,
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.logger.With(zap.String("conn", id), zap.String("remote", conn.RemoteAddr().String())),
		sending: make(chan struct{}, 1),
		pending: make(map[uint32]*Call),
		asyn:    make(map[uint32]*Completion),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	if cfg.heartbeatInterval > 0 {
		go t.heartbeatLoop(cfg.heartbeatInterval)
	}
	t.logger.Debug("transport opened")
	return t
}

func (t *ClientTransport) ID() string { return t.id }

// Alive reports whether the transport can still carry new calls.
func (t *ClientTransport) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the connection is gone.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Send writes a Syn or SynWithRsp request and registers a Call for its reply.
//
// The call is registered BEFORE the frame is written so recvLoop can never
// see a reply for a seq it does not know yet. ctx bounds the wait for the
// connection and the write itself; see write.
func (t *ClientTransport) Send(ctx context.Context, kind protocol.Kind, msgType uint16, partition uint32, body []byte) (*Call, error) {
	if kind != protocol.KindSyn && kind != protocol.KindSynWithRsp {
		return nil, fmt.Errorf("transport: Send with %s frame", kind)
	}
	call := newCall(kind)
	if err := t.lockSending(ctx); err != nil {
		return nil, err
	}
	defer t.unlockSending()

	t.mu.Lock()
	if t.closed {
		err := t.err
		t.mu.Unlock()
		return nil, lostErr(err)
	}
	t.seq++
	call.Seq = t.seq
	t.pending[call.Seq] = call
	t.mu.Unlock()

	f := protocol.NewFrame(kind, byte(t.cfg.codec), msgType, partition, call.Seq, body)
	if err := t.write(ctx, f); err != nil {
		t.removeCall(call.Seq)
		return nil, err
	}
	return call, nil
}

// SendAsyn writes an Asyn request and returns its completion signal. The
// signal is level-triggered: once set it stays set.
func (t *ClientTransport) SendAsyn(ctx context.Context, msgType uint16, partition uint32, body []byte) (*Completion, error) {
	comp := newCompletion()
	if err := t.lockSending(ctx); err != nil {
		return nil, err
	}
	defer t.unlockSending()

	t.mu.Lock()
	if t.closed {
		err := t.err
		t.mu.Unlock()
		return nil, lostErr(err)
	}
	t.seq++
	comp.Seq = t.seq
	t.asyn[comp.Seq] = comp
	t.mu.Unlock()

	f := protocol.NewFrame(protocol.KindAsyn, byte(t.cfg.codec), msgType, partition, comp.Seq, body)
	if err := t.write(ctx, f); err != nil {
		t.removeCompletion(comp.Seq)
		return nil, err
	}
	return comp, nil
}

// lockSending waits for the write token, giving up when ctx ends or the
// transport dies.
func (t *ClientTransport) lockSending(ctx context.Context) error {
	select {
	case t.sending <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting to write: %v", rpcerr.ErrCallTimeout, ctx.Err())
	case <-t.done:
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		return lostErr(err)
	}
}

func (t *ClientTransport) unlockSending() { <-t.sending }

// aLongTimeAgo is a non-zero time in the past; as a write deadline it unblocks
// a pending Write at once.
var aLongTimeAgo = time.Unix(1, 0)

// write puts f on the wire within ctx. It must be called holding the sending
// token.
//
// The write deadline follows ctx.Deadline, and cancelling ctx expires it
// immediately. A frame that was not fully written leaves the stream corrupt,
// so any write failure terminates the transport. The caller sees
// rpcerr.ErrCallTimeout when ctx ended, rpcerr.ErrConnectionLost otherwise.
func (t *ClientTransport) write(ctx context.Context, f *protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: seq %d not sent: %v", rpcerr.ErrCallTimeout, f.Seq, err)
	}
	deadline, _ := ctx.Deadline() // zero: no deadline
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		t.terminate(err)
		return lostErr(err)
	}

	cancelled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetWriteDeadline(aLongTimeAgo)
		close(cancelled)
	})
	err := protocol.Encode(t.conn, f)
	if !stop() && ctx.Err() != nil {
		<-cancelled
	}
	if err == nil {
		return nil
	}

	t.terminate(err)
	if ctx.Err() != nil {
		return fmt.Errorf("%w: writing seq %d: %v", rpcerr.ErrCallTimeout, f.Seq, ctx.Err())
	}
	return lostErr(err)
}

// Roundtrip sends a Syn or SynWithRsp request and waits for its reply.
//
// A ctx that ends first yields rpcerr.ErrCallTimeout; the request is not
// aborted on the server, and a late reply is dropped.
func (t *ClientTransport) Roundtrip(ctx context.Context, kind protocol.Kind, msgType uint16, partition uint32, body []byte) (*protocol.Frame, error) {
	call, err := t.Send(ctx, kind, msgType, partition, body)
	if err != nil {
		return nil, err
	}
	select {
	case <-call.Done:
		if call.Error != nil {
			return nil, call.Error
		}
		return call.Reply, nil
	case <-ctx.Done():
		t.removeCall(call.Seq)
		return nil, fmt.Errorf("%w: type %d seq %d after %s: %v",
			rpcerr.ErrCallTimeout, msgType, call.Seq, time.Since(call.IssuedAt).Round(time.Millisecond), ctx.Err())
	}
}

// Pending returns the number of calls and completions still waiting for a reply.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) + len(t.asyn)
}

// recvLoop runs in a dedicated goroutine and is the only reader of the connection.
// Replies may arrive in any order; the seq routes each one to its owner.
func (t *ClientTransport) recvLoop() {
	reader := protocol.NewReader(t.conn, t.cfg.maxBodyLen)
	for {
		f, err := reader.Next()
		if err != nil {
			t.terminate(err)
			return
		}

		switch f.Kind {
		case protocol.KindAck, protocol.KindResponse:
			if call := t.removeCall(f.Seq); call != nil {
				call.Reply = f
				call.done()
				continue
			}
			t.logger.Debug("dropping late reply", zap.Stringer("kind", f.Kind), zap.Uint32("seq", f.Seq))

		case protocol.KindError:
			remote := decodeRemoteError(f.Body)
			if call := t.removeCall(f.Seq); call != nil {
				call.Error = remote
				call.done()
				continue
			}
			if comp := t.removeCompletion(f.Seq); comp != nil {
				comp.fail(remote)
				continue
			}
			t.logger.Debug("dropping late error", zap.Uint32("seq", f.Seq), zap.Error(remote))

		case protocol.KindComplete:
			if comp := t.removeCompletion(f.Seq); comp != nil {
				comp.set()
				continue
			}
			t.logger.Debug("dropping unknown completion", zap.Uint32("seq", f.Seq))

		case protocol.KindHeartbeat:

		default:
			t.logger.Warn("unexpected frame from server", zap.Stringer("kind", f.Kind), zap.Uint32("seq", f.Seq))
		}
	}
}

func decodeRemoteError(body []byte) error {
	code, msg, err := protocol.DecodeError(body)
	if err != nil {
		return rpcerr.FromCode(rpcerr.CodeUnknown, err.Error())
	}
	return rpcerr.FromCode(rpcerr.Code(code), msg)
}

func (t *ClientTransport) removeCall(seq uint32) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.pending[seq]
	if !ok {
		return nil
	}
	delete(t.pending, seq)
	return call
}

func (t *ClientTransport) removeCompletion(seq uint32) *Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	comp, ok := t.asyn[seq]
	if !ok {
		return nil
	}
	delete(t.asyn, seq)
	return comp
}

// terminate fails every pending sync call with rpcerr.ErrConnectionLost.
// Async completions are dropped unset: their waiters observe a timeout.
func (t *ClientTransport) terminate(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = cause
	calls := t.pending
	t.pending = make(map[uint32]*Call)
	dropped := len(t.asyn)
	t.asyn = make(map[uint32]*Completion)
	t.mu.Unlock()

	close(t.done)
	t.conn.Close()

	for _, call := range calls {
		call.Error = lostErr(cause)
		call.done()
	}
	if errors.Is(cause, net.ErrClosed) {
		t.logger.Debug("transport closed", zap.Int("failed_calls", len(calls)), zap.Int("dropped_completions", dropped))
		return
	}
	t.logger.Warn("connection lost", zap.Error(cause), zap.Int("failed_calls", len(calls)), zap.Int("dropped_completions", dropped))
}

func lostErr(cause error) error {
	if cause == nil {
		return rpcerr.ErrConnectionLost
	}
	return fmt.Errorf("%w: %v", rpcerr.ErrConnectionLost, cause)
}

// Close shuts the connection down. Pending sync calls fail with ErrConnectionLost.
func (t *ClientTransport) Close() error {
	t.terminate(net.ErrClosed)
	return nil
}

// heartbeatLoop sends periodic heartbeat frames so idle connections stay open
// and a dead peer is noticed by the failing write. A heartbeat that cannot be
// written within one interval ends the transport.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.heartbeat(interval); err != nil {
			if t.Alive() {
				t.terminate(err)
			}
			return
		}
	}
}

func (t *ClientTransport) heartbeat(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.lockSending(ctx); err != nil {
		return err
	}
	defer t.unlockSending()
	f := protocol.NewFrame(protocol.KindHeartbeat, byte(t.cfg.codec), 0, 0, 0, nil)
	return t.write(ctx, f)
}
