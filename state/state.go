// Package state holds the server-side result slots and completion events.
//
// Each message type owns exactly one Slot and one Event on a Board. The server
// creates them when the type's handler is registered, hands a handler only its
// own Slot, and clears everything on Reset. Nothing else writes them, so the
// isolation rule "handler T writes only Slot(T)" holds by construction and can
// be checked from outside with Snapshot.
//
//	Board
//	├── Slot(Syn)        value, exec lock     Event(Syn)        unset
//	├── Slot(Syn1)       value, exec lock     Event(Syn1)       unset
//	└── Slot(Asyn)       value, exec lock     Event(Asyn)       set ✓
package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"cellrpc/message"
	"cellrpc/rpcerr"
)

// Slot is the result cell of one message type.
type Slot struct {
	typ    message.Type
	exec   sync.Mutex // held for a whole handler run: same-type executions are serialized
	value  atomic.Int64
	writes atomic.Uint64
}

func (s *Slot) Type() message.Type { return s.typ }

// Store overwrites the slot value.
func (s *Slot) Store(v int64) {
	s.value.Store(v)
	s.writes.Add(1)
}

// Add adds d to the slot value and returns the new value.
func (s *Slot) Add(d int64) int64 {
	s.writes.Add(1)
	return s.value.Add(d)
}

func (s *Slot) Load() int64 { return s.value.Load() }

// Writes counts Store/Add calls since the last reset.
func (s *Slot) Writes() uint64 { return s.writes.Load() }

func (s *Slot) reset() {
	s.value.Store(0)
	s.writes.Store(0)
}

// Event is a one-shot, level-triggered completion signal. Once Set, every
// current and future Wait returns immediately until Reset.
type Event struct {
	mu   sync.Mutex
	done chan struct{}
	set  bool
}

func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Set marks the event. Setting a set event is a no-op.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.done)
	}
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel closed once the event is set. A later Reset does not
// reopen the returned channel; callers waiting across cycles must call Done again.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the event is set or ctx ends. Expiry is reported as
// rpcerr.ErrAsyncTimeout.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", rpcerr.ErrAsyncTimeout, ctx.Err())
	}
}

// Reset returns the event to unset.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.done = make(chan struct{})
	}
}

// Board owns the slots and events of every registered message type for the
// lifetime of a server.
type Board struct {
	mu     sync.RWMutex
	slots  map[message.Type]*Slot
	events map[message.Type]*Event
}

func NewBoard() *Board {
	return &Board{
		slots:  make(map[message.Type]*Slot),
		events: make(map[message.Type]*Event),
	}
}

// Add creates the slot and event of t. Adding an existing type is a no-op.
func (b *Board) Add(t message.Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.slots[t]; ok {
		return
	}
	b.slots[t] = &Slot{typ: t}
	b.events[t] = NewEvent()
}

// Slot returns the slot of t, or nil if t was never added.
func (b *Board) Slot(t message.Type) *Slot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.slots[t]
}

// Event returns the completion event of t, or nil if t was never added.
func (b *Board) Event(t message.Type) *Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events[t]
}

// Exec runs fn with the slot of t while holding that slot's execution lock.
// Executions on different slots proceed in parallel.
func (b *Board) Exec(t message.Type, fn func(*Slot) error) error {
	s := b.Slot(t)
	if s == nil {
		return fmt.Errorf("no slot for message type %d: %w", t, rpcerr.ErrUnhandledMessageType)
	}
	s.exec.Lock()
	defer s.exec.Unlock()
	return fn(s)
}

// Types lists the registered message types in ascending order.
func (b *Board) Types() []message.Type {
	b.mu.RLock()
	types := make([]message.Type, 0, len(b.slots))
	for t := range b.slots {
		types = append(types, t)
	}
	b.mu.RUnlock()
	slices.Sort(types)
	return types
}

// Snapshot copies every slot value.
func (b *Board) Snapshot() map[message.Type]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[message.Type]int64, len(b.slots))
	for t, s := range b.slots {
		out[t] = s.Load()
	}
	return out
}

// Touched lists, in ascending order, the types whose slot was written or whose
// event was set since the last reset.
func (b *Board) Touched() []message.Type {
	var out []message.Type
	for _, t := range b.Types() {
		if b.Slot(t).Writes() > 0 || b.Event(t).IsSet() {
			out = append(out, t)
		}
	}
	return out
}

// Reset clears every slot and event. It must not run while a call against any
// slot is in flight.
func (b *Board) Reset() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.slots {
		s.reset()
	}
	for _, e := range b.events {
		e.Reset()
	}
}
