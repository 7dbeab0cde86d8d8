package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellrpc/rpcerr"
)

// Dialer opens a connection to addr. ctx is cancelled when the pool closes.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// TCPDialer dials with a fixed timeout.
func TCPDialer(timeout time.Duration) Dialer {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Pool keeps up to size multiplexed transports to a single address.
//
// Transports are not borrowed: every one carries many calls at once, so Get
// hands them out round-robin. Slots are dialed lazily, and a slot whose
// transport died is redialed on the next Get that lands on it.
type Pool struct {
	addr   string
	dial   Dialer
	opts   []Option
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	slots  []slot
	next   int
	closed bool
}

type slot struct {
	t       *ClientTransport // nil or dead until (re)dialed
	pending *dialAttempt     // dial in flight, shared by every Get on this slot
}

type dialAttempt struct {
	done chan struct{}
	t    *ClientTransport
	err  error
}

func NewPool(addr string, size int, dial Dialer, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if dial == nil {
		dial = TCPDialer(5 * time.Second)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		addr:   addr,
		dial:   dial,
		opts:   opts,
		logger: cfg.logger.With(zap.String("addr", addr)),
		ctx:    ctx,
		cancel: cancel,
		slots:  make([]slot, size),
	}
}

func (p *Pool) Addr() string { return p.addr }

// Get returns a live transport, dialing if the selected slot is empty or dead.
//
// The dial runs outside the pool lock and is shared by every Get that lands on
// the slot meanwhile. A ctx that ends first yields rpcerr.ErrCallTimeout; the
// dial itself carries on and fills the slot for later calls.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.closedErr()
	}
	i := p.next
	p.next = (p.next + 1) % len(p.slots)
	s := &p.slots[i]
	if s.t != nil && s.t.Alive() {
		t := s.t
		p.mu.Unlock()
		return t, nil
	}
	a := s.pending
	if a == nil {
		a = &dialAttempt{done: make(chan struct{})}
		s.pending = a
		go p.dialSlot(i, a)
	}
	p.mu.Unlock()

	select {
	case <-a.done:
		return a.t, a.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: dialing %s: %v", rpcerr.ErrCallTimeout, p.addr, ctx.Err())
	}
}

func (p *Pool) dialSlot(i int, a *dialAttempt) {
	conn, err := p.dial(p.ctx, p.addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(a.done)
	p.slots[i].pending = nil
	switch {
	case err != nil:
		a.err = fmt.Errorf("dial %s: %w", p.addr, err)
		p.logger.Debug("pool slot dial failed", zap.Int("slot", i), zap.Error(err))
	case p.closed:
		conn.Close()
		a.err = p.closedErr()
	default:
		a.t = NewClientTransport(conn, p.opts...)
		p.slots[i].t = a.t
		p.logger.Debug("pool slot dialed", zap.Int("slot", i), zap.String("conn", a.t.ID()))
	}
}

func (p *Pool) closedErr() error {
	return fmt.Errorf("pool %s closed: %w", p.addr, rpcerr.ErrConnectionLost)
}

// Live returns the number of slots currently holding a live transport.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.t != nil && s.t.Alive() {
			n++
		}
	}
	return n
}

// Close shuts down every transport in the pool and abandons dials in flight.
// Later Gets fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	for i := range p.slots {
		if t := p.slots[i].t; t != nil {
			t.Close()
			p.slots[i].t = nil
		}
	}
	return nil
}
