// Package server implements the cellrpc server: the per-type handler dispatch
// table, the middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → partition / type / mode checks → Codec.Decode → Middleware Chain
//	      → businessHandler (slot lock held) → reply frame (Ack / Complete / Response / Error)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cellrpc/codec"
	"cellrpc/message"
	"cellrpc/middleware"
	"cellrpc/protocol"
	"cellrpc/registry"
	"cellrpc/rpcerr"
	"cellrpc/state"
)

// Server dispatches incoming requests to the one handler registered for their
// message type.
type Server struct {
	opts   options
	logger *zap.Logger
	board  *state.Board
	hosted map[uint32]struct{} // empty: every partition is accepted

	mu          sync.RWMutex
	table       map[message.Type]*entry
	middlewares []middleware.Middleware
	started     bool
	conns       map[net.Conn]struct{}

	handler       middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	listener      net.Listener
	wg            sync.WaitGroup // tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool    // set during shutdown to suppress Accept errors
	registry      registry.Registry
	advertiseAddr string // address announced to the registry, e.g. "127.0.0.1:8080"
}

func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	svr := &Server{
		opts:   o,
		logger: o.logger,
		board:  state.NewBoard(),
		hosted: make(map[uint32]struct{}, len(o.partitions)),
		table:  make(map[message.Type]*entry),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, p := range o.partitions {
		svr.hosted[p] = struct{}{}
	}
	return svr
}

// Board exposes the slots and completion events of the registered types.
func (svr *Server) Board() *state.Board { return svr.board }

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be added before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.started {
		svr.logger.Warn("middleware added after serve, ignored")
		return
	}
	svr.middlewares = append(svr.middlewares, mw)
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve listens on address and serves until Shutdown. See ServeListener.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener freezes the dispatch table, announces the hosted partitions to
// reg (if not nil) under advertiseAddr, and runs the Accept loop on listener.
//
// advertiseAddr differs from the listen address because ":8080" is not
// routable for other hosts.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	if svr.started {
		svr.mu.Unlock()
		listener.Close()
		return rpcerr.ErrServerStarted
	}
	svr.started = true
	svr.listener = listener
	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.mu.Unlock()

	if reg != nil {
		if len(svr.opts.partitions) == 0 {
			svr.logger.Warn("registry given but no partitions hosted, nothing announced")
		}
		for _, p := range svr.opts.partitions {
			if err := reg.Register(p, registry.Instance{Addr: advertiseAddr}, svr.opts.ttl); err != nil {
				svr.logger.Error("partition registration failed", zap.Uint32("partition", p), zap.Error(err))
			}
		}
	}

	svr.logger.Info("server listening",
		zap.Stringer("addr", listener.Addr()), zap.Int("types", len(svr.table)), zap.Uint32s("partitions", svr.opts.partitions))

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) track(conn net.Conn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn reads frames from one connection. Reads are sequential, but each
// request is handled in its own goroutine. All of them share writeMu so reply
// frames never interleave.
//
// An oversized or malformed frame ends the stream: the connection is closed.
func (svr *Server) handleConn(conn net.Conn) {
	logger := svr.logger.With(zap.String("conn", uuid.NewString()), zap.Stringer("remote", conn.RemoteAddr()))
	svr.track(conn, true)
	defer svr.track(conn, false)
	defer conn.Close()

	writeMu := &sync.Mutex{}
	reader := protocol.NewReader(conn, svr.opts.maxPayload)
	for {
		f, err := reader.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), svr.shutdown.Load():
				logger.Debug("connection closed")
			case errors.Is(err, rpcerr.ErrFrameTooLarge), errors.Is(err, protocol.ErrInvalidFrame):
				logger.Warn("closing connection on bad frame", zap.Error(err))
			default:
				logger.Warn("connection read failed", zap.Error(err))
			}
			return
		}

		if f.Kind == protocol.KindHeartbeat {
			continue
		}
		if !f.Kind.IsRequest() {
			logger.Warn("ignoring non-request frame", zap.Stringer("kind", f.Kind), zap.Uint32("seq", f.Seq))
			continue
		}

		if !svr.beginRequest() {
			logger.Debug("request refused during shutdown", zap.Uint32("seq", f.Seq))
			svr.writeReply(conn, writeMu, logger, errorFrame(f, rpcerr.ErrShuttingDown))
			continue
		}
		go svr.handleRequest(f, conn, writeMu, logger)
	}
}

// handleRequest serves one request frame and writes exactly one reply frame.
func (svr *Server) handleRequest(f *protocol.Frame, conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	defer svr.wg.Done()

	desc, reply := svr.dispatch(f)
	out := svr.replyFrame(f, desc, reply)
	if out.Kind == protocol.KindError {
		logger.Debug("request answered with error",
			zap.Uint16("type", f.MsgType), zap.Uint32("partition", f.Partition), zap.Uint32("seq", f.Seq), zap.Error(reply.Err))
	}

	svr.writeReply(conn, writeMu, logger, out)
}

// beginRequest counts one more in-flight request unless shutdown has begun.
// It shares svr.mu with Shutdown so no request is added once Shutdown waits.
func (svr *Server) beginRequest() bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) writeReply(conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger, out *protocol.Frame) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, out); err != nil {
		logger.Warn("reply write failed", zap.Uint32("seq", out.Seq), zap.Error(err))
	}
}

// dispatch checks the frame against the dispatch table and runs the chain.
// Rejections are logged here; handler failures travel back to the caller.
func (svr *Server) dispatch(f *protocol.Frame) (*message.Descriptor, *message.Reply) {
	reject := func(err error) *message.Reply {
		svr.logger.Warn("request rejected",
			zap.Uint16("type", f.MsgType), zap.Stringer("kind", f.Kind), zap.Uint32("partition", f.Partition), zap.Error(err))
		return &message.Reply{Err: err}
	}

	if len(svr.hosted) > 0 {
		if _, ok := svr.hosted[f.Partition]; !ok {
			return nil, reject(fmt.Errorf("partition %d not hosted: %w", f.Partition, rpcerr.ErrUnknownPartition))
		}
	}
	e, ok := svr.lookup(message.Type(f.MsgType))
	if !ok {
		return nil, reject(fmt.Errorf("no handler for type %d: %w", f.MsgType, rpcerr.ErrUnhandledMessageType))
	}
	mode, _ := message.ModeOf(f.Kind)
	if mode != e.desc.Mode {
		return nil, reject(fmt.Errorf("%s called as %s: %w", &e.desc, mode, rpcerr.ErrModeMismatch))
	}
	fields, err := codec.GetCodec(codec.CodecType(f.CodecType)).Decode(e.desc.Request, f.Body)
	if err != nil {
		return nil, reject(fmt.Errorf("%s request: %w", &e.desc, err))
	}

	req := &message.Request{
		Type:      e.desc.Type,
		Mode:      mode,
		Partition: f.Partition,
		Fields:    fields,
	}
	return &e.desc, svr.handler(context.Background(), req)
}

// replyFrame builds the frame answering f:
//
//	error      → Error frame with the error's wire code
//	Syn        → Ack (the handler has finished)
//	Asyn       → Complete (the handler has finished and the event is set)
//	SynWithRsp → Response carrying the handler's fields
func (svr *Server) replyFrame(f *protocol.Frame, desc *message.Descriptor, reply *message.Reply) *protocol.Frame {
	if reply.Err != nil {
		return errorFrame(f, reply.Err)
	}
	switch desc.Mode {
	case message.ModeSyn:
		return protocol.Reply(&f.Header, protocol.KindAck, nil)
	case message.ModeAsyn:
		return protocol.Reply(&f.Header, protocol.KindComplete, nil)
	}

	body, err := codec.GetCodec(codec.CodecType(f.CodecType)).Encode(desc.Response, reply.Fields)
	if err != nil {
		svr.logger.Error("handler response does not match schema", zap.Stringer("type", desc), zap.Error(err))
		return errorFrame(f, fmt.Errorf("%s response: %w", desc, err))
	}
	return protocol.Reply(&f.Header, protocol.KindResponse, body)
}

func errorFrame(f *protocol.Frame, err error) *protocol.Frame {
	body := protocol.EncodeError(uint16(rpcerr.CodeOf(err)), err.Error())
	return protocol.Reply(&f.Header, protocol.KindError, body)
}

// Shutdown performs graceful shutdown:
//  1. Deregister the hosted partitions (clients stop routing to this server)
//  2. Set shutdown flag (Accept errors are expected from now on, and new
//     requests are answered with rpcerr.ErrShuttingDown)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, advertiseAddr := svr.registry, svr.advertiseAddr
	svr.mu.RUnlock()
	if reg != nil {
		for _, p := range svr.opts.partitions {
			if err := reg.Deregister(p, advertiseAddr); err != nil {
				svr.logger.Warn("partition deregistration failed", zap.Uint32("partition", p), zap.Error(err))
			}
		}
	}

	// Set shutdown flag BEFORE closing listener. Under the write lock, so no
	// beginRequest is between its check and wg.Add.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	listener := svr.listener
	svr.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	svr.logger.Info("server stopped", zap.Error(err))
	return err
}
