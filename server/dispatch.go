package server

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"cellrpc/codec"
	"cellrpc/message"
	"cellrpc/rpcerr"
	"cellrpc/state"
)

// HandlerFunc serves one message type. It receives the decoded request and the
// slot of its own type, and nothing else: it cannot reach another type's slot.
// Syn and Asyn handlers return nil fields; SynWithRsp handlers return fields
// matching the descriptor's response schema.
type HandlerFunc func(ctx context.Context, req *message.Request, slot *state.Slot) (codec.FieldList, error)

type entry struct {
	desc    message.Descriptor
	handler HandlerFunc
}

// Register binds handler to desc.Type. Each type has exactly one handler, and
// all registrations must happen before Serve.
func (svr *Server) Register(desc *message.Descriptor, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("register %s: nil handler", desc)
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.started {
		return fmt.Errorf("register %s: %w", desc, rpcerr.ErrServerStarted)
	}
	if prev, ok := svr.table[desc.Type]; ok {
		return fmt.Errorf("register %s: type already bound to %s: %w", desc, &prev.desc, rpcerr.ErrDuplicateHandler)
	}
	svr.table[desc.Type] = &entry{desc: *desc, handler: handler}
	svr.board.Add(desc.Type)
	return nil
}

func (svr *Server) lookup(t message.Type) (*entry, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	e, ok := svr.table[t]
	return e, ok
}

// Descriptors lists the registered message types in ascending type order.
func (svr *Server) Descriptors() []message.Descriptor {
	svr.mu.RLock()
	out := make([]message.Descriptor, 0, len(svr.table))
	for _, e := range svr.table {
		out = append(out, e.desc)
	}
	svr.mu.RUnlock()
	slices.SortFunc(out, func(a, b message.Descriptor) int {
		return int(a.Type) - int(b.Type)
	})
	return out
}

// businessHandler is the innermost link of the middleware chain. It runs the
// handler of req.Type under that type's slot lock and, for Asyn types, sets
// the type's completion event once the handler has returned.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) *message.Reply {
	e, ok := svr.lookup(req.Type)
	if !ok {
		return &message.Reply{Err: fmt.Errorf("type %d: %w", req.Type, rpcerr.ErrUnhandledMessageType)}
	}

	var out codec.FieldList
	err := svr.board.Exec(req.Type, func(slot *state.Slot) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = rpcerr.Handlerf("%s panicked: %v", &e.desc, r)
			}
		}()
		out, err = e.handler(ctx, req, slot)
		return err
	})
	if err != nil {
		if rpcerr.CodeOf(err) == rpcerr.CodeUnknown {
			err = fmt.Errorf("%s: %w: %v", &e.desc, rpcerr.ErrHandler, err)
		}
		return &message.Reply{Err: err}
	}

	switch req.Mode {
	case message.ModeAsyn:
		svr.board.Event(req.Type).Set()
		out = nil
	case message.ModeSyn:
		out = nil
	}
	return &message.Reply{Fields: out}
}
