package transport

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellrpc/protocol"
	"cellrpc/rpcerr"
)

// replyFunc scripts the fake server: the frames to send back for one request,
// and whether to hang up instead.
type replyFunc func(f *protocol.Frame) (out []*protocol.Frame, hangup bool)

// startFakeServer answers every request frame concurrently using reply.
func startFakeServer(t *testing.T, reply replyFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var mu sync.Mutex
				r := protocol.NewReader(conn, 0)
				for {
					f, err := r.Next()
					if err != nil {
						return
					}
					if f.Kind == protocol.KindHeartbeat {
						continue
					}
					go func() {
						out, hangup := reply(f)
						mu.Lock()
						defer mu.Unlock()
						if hangup {
							conn.Close()
							return
						}
						for _, o := range out {
							protocol.Encode(conn, o)
						}
					}()
				}
			}()
		}
	}()
	return ln.Addr().String()
}

// echoReply acks Syn, echoes SynWithRsp bodies and completes Asyn.
func echoReply(f *protocol.Frame) ([]*protocol.Frame, bool) {
	switch f.Kind {
	case protocol.KindSyn:
		return []*protocol.Frame{protocol.Reply(&f.Header, protocol.KindAck, nil)}, false
	case protocol.KindSynWithRsp:
		return []*protocol.Frame{protocol.Reply(&f.Header, protocol.KindResponse, f.Body)}, false
	case protocol.KindAsyn:
		return []*protocol.Frame{protocol.Reply(&f.Header, protocol.KindComplete, nil)}, false
	}
	return nil, false
}

func dialTransport(t *testing.T, addr string) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ct := NewClientTransport(conn, WithHeartbeat(0))
	t.Cleanup(func() { ct.Close() })
	return ct
}

func TestClientTransportSerial(t *testing.T) {
	ct := dialTransport(t, startFakeServer(t, echoReply))
	ctx := context.Background()

	for _, body := range []string{"a", "bb", "ccc"} {
		reply, err := ct.Roundtrip(ctx, protocol.KindSynWithRsp, 7, 1, []byte(body))
		require.NoError(t, err)
		assert.Equal(t, protocol.KindResponse, reply.Kind)
		assert.Equal(t, uint16(7), reply.MsgType)
		assert.Equal(t, uint32(1), reply.Partition)
		assert.Equal(t, body, string(reply.Body))
	}

	reply, err := ct.Roundtrip(ctx, protocol.KindSyn, 7, 1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindAck, reply.Kind)
	assert.Empty(t, reply.Body)
	assert.Zero(t, ct.Pending())
}

// Replies come back in random order; each must reach its own caller.
func TestClientTransportConcurrent(t *testing.T) {
	addr := startFakeServer(t, func(f *protocol.Frame) ([]*protocol.Frame, bool) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return echoReply(f)
	})
	ct := dialTransport(t, addr)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			want := strconv.Itoa(n)
			reply, err := ct.Roundtrip(context.Background(), protocol.KindSynWithRsp, 1, 0, []byte(want))
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, want, string(reply.Body))
		}(i)
	}
	wg.Wait()
	assert.Zero(t, ct.Pending())
}

func TestClientTransportRemoteError(t *testing.T) {
	addr := startFakeServer(t, func(f *protocol.Frame) ([]*protocol.Frame, bool) {
		body := protocol.EncodeError(uint16(rpcerr.CodeUnhandledMessageType), "no handler for type 9")
		return []*protocol.Frame{protocol.Reply(&f.Header, protocol.KindError, body)}, false
	})
	ct := dialTransport(t, addr)

	_, err := ct.Roundtrip(context.Background(), protocol.KindSyn, 9, 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerr.ErrUnhandledMessageType)
	assert.Contains(t, err.Error(), "no handler for type 9")

	// An async rejection is visible through Wait, the signal stays unset.
	comp, err := ct.SendAsyn(context.Background(), 9, 0, nil)
	require.NoError(t, err)
	err = comp.Wait(context.Background())
	assert.ErrorIs(t, err, rpcerr.ErrUnhandledMessageType)
	assert.False(t, comp.IsSet())
	assert.ErrorIs(t, comp.Err(), rpcerr.ErrUnhandledMessageType)
}

func TestClientTransportAsynComplete(t *testing.T) {
	ct := dialTransport(t, startFakeServer(t, echoReply))

	comp, err := ct.SendAsyn(context.Background(), 3, 0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, comp.Wait(context.Background()))
	assert.True(t, comp.IsSet())
	assert.NoError(t, comp.Err())

	// Level-triggered: waiting again returns at once.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	assert.NoError(t, comp.Wait(ctx))
}

func TestClientTransportCallTimeout(t *testing.T) {
	ct := dialTransport(t, startFakeServer(t, func(*protocol.Frame) ([]*protocol.Frame, bool) {
		return nil, false
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ct.Roundtrip(ctx, protocol.KindSyn, 1, 0, nil)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Zero(t, ct.Pending())
	assert.True(t, ct.Alive())

	comp, err := ct.SendAsyn(context.Background(), 1, 0, nil)
	require.NoError(t, err)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, comp.Wait(ctx2), rpcerr.ErrAsyncTimeout)
	assert.False(t, comp.IsSet())
}

func TestClientTransportConnectionLost(t *testing.T) {
	ct := dialTransport(t, startFakeServer(t, func(f *protocol.Frame) ([]*protocol.Frame, bool) {
		return nil, f.Kind == protocol.KindSyn
	}))

	comp, err := ct.SendAsyn(context.Background(), 2, 0, nil)
	require.NoError(t, err)

	_, err = ct.Roundtrip(context.Background(), protocol.KindSyn, 1, 0, nil)
	assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)

	select {
	case <-ct.Done():
	case <-time.After(time.Second):
		t.Fatal("transport still alive after hangup")
	}
	assert.False(t, ct.Alive())

	// The completion is never set by a lost connection.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, comp.Wait(ctx), rpcerr.ErrAsyncTimeout)

	_, err = ct.Send(context.Background(), protocol.KindSyn, 1, 0, nil)
	assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
	_, err = ct.SendAsyn(context.Background(), 1, 0, nil)
	assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
}

func TestClientTransportRejectsReplyKinds(t *testing.T) {
	ct := dialTransport(t, startFakeServer(t, echoReply))
	_, err := ct.Send(context.Background(), protocol.KindAsyn, 1, 0, nil)
	assert.Error(t, err)
	_, err = ct.Send(context.Background(), protocol.KindAck, 1, 0, nil)
	assert.Error(t, err)
}

func TestPoolRedialsDeadSlot(t *testing.T) {
	addr := startFakeServer(t, echoReply)
	pool := NewPool(addr, 1, nil, WithHeartbeat(0))
	defer pool.Close()

	t1, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Live())

	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t1.ID(), again.ID())

	t1.Close()
	assert.Zero(t, pool.Live())

	t2, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, t1.ID(), t2.ID())

	_, err = t2.Roundtrip(context.Background(), protocol.KindSyn, 1, 0, nil)
	assert.NoError(t, err)
}

func TestPoolRoundRobin(t *testing.T) {
	pool := NewPool(startFakeServer(t, echoReply), 3, nil, WithHeartbeat(0))

	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		ct, err := pool.Get(context.Background())
		require.NoError(t, err)
		seen[ct.ID()] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, pool.Live())

	require.NoError(t, pool.Close())
	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
}

func TestPoolDialError(t *testing.T) {
	pool := NewPool("unused", 1, func(context.Context, string) (net.Conn, error) {
		return nil, assert.AnError
	})
	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

// startSilentServer accepts connections and never reads from them, so writes
// stall once the socket buffers are full.
func startSilentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

// bigBody does not fit in the socket buffers of an unread connection.
var bigBody = make([]byte, 12<<20)

func TestClientTransportStalledWriteHonoursDeadline(t *testing.T) {
	ct := dialTransport(t, startSilentServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ct.Roundtrip(ctx, protocol.KindSyn, 1, 0, bigBody)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// Part of the frame may be on the wire: the stream is unusable.
	assert.False(t, ct.Alive())
	assert.Zero(t, ct.Pending())
	_, err = ct.SendAsyn(context.Background(), 1, 0, nil)
	assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
}

func TestClientTransportStalledWriteHonoursCancel(t *testing.T) {
	ct := dialTransport(t, startSilentServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	_, err := ct.SendAsyn(ctx, 1, 0, bigBody)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, ct.Alive())
}

// A writer stuck on the connection must not hold up callers with a deadline.
func TestClientTransportWaitingWriterHonoursDeadline(t *testing.T) {
	ct := dialTransport(t, startSilentServer(t))

	stuck := make(chan error, 1)
	go func() {
		_, err := ct.Send(context.Background(), protocol.KindSyn, 1, 0, bigBody)
		stuck <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ct.Roundtrip(ctx, protocol.KindSyn, 2, 0, nil)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// Closing the transport releases the stuck writer.
	ct.Close()
	select {
	case err := <-stuck:
		assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after Close")
	}
}

func TestClientTransportExpiredContextSendsNothing(t *testing.T) {
	ct := dialTransport(t, startFakeServer(t, echoReply))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ct.Roundtrip(ctx, protocol.KindSyn, 1, 0, nil)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Zero(t, ct.Pending())
}

func TestPoolSlowDialHonoursDeadline(t *testing.T) {
	addr := startFakeServer(t, echoReply)
	release := make(chan struct{})
	pool := NewPool(addr, 1, func(ctx context.Context, addr string) (net.Conn, error) {
		<-release
		return net.Dial("tcp", addr)
	}, WithHeartbeat(0))
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := pool.Get(ctx)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The abandoned dial still fills the slot.
	close(release)
	require.Eventually(t, func() bool { return pool.Live() == 1 }, time.Second, 5*time.Millisecond)
	ct, err := pool.Get(context.Background())
	require.NoError(t, err)
	_, err = ct.Roundtrip(context.Background(), protocol.KindSyn, 1, 0, nil)
	assert.NoError(t, err)
}

// Gets landing on a slot that is being dialed share that dial.
func TestPoolSharesDial(t *testing.T) {
	addr := startFakeServer(t, echoReply)
	release := make(chan struct{})
	var dials atomic.Int32
	pool := NewPool(addr, 1, func(ctx context.Context, addr string) (net.Conn, error) {
		dials.Add(1)
		<-release
		return net.Dial("tcp", addr)
	}, WithHeartbeat(0))
	defer pool.Close()

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ct, err := pool.Get(context.Background())
			if assert.NoError(t, err) {
				ids[i] = ct.ID()
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, dials.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}
