package client

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellrpc/codec"
	"cellrpc/message"
	"cellrpc/registry"
	"cellrpc/rpcerr"
	"cellrpc/server"
	"cellrpc/state"
	"cellrpc/transport"
)

var argsSchema = codec.Schema{
	codec.Scalar("a", codec.KindInt32),
	codec.List("rest", codec.KindInt32),
}

var (
	storeDesc = &message.Descriptor{Type: 10, Name: "Store", Mode: message.ModeSyn, Request: argsSchema}
	asyncDesc = &message.Descriptor{Type: 11, Name: "StoreLater", Mode: message.ModeAsyn, Request: argsSchema}
	sumDesc   = &message.Descriptor{Type: 12, Name: "Sum", Mode: message.ModeSynWithRsp, Request: argsSchema,
		Response: codec.Schema{codec.Scalar("sum", codec.KindInt64), codec.String("note")}}
	blockDesc   = &message.Descriptor{Type: 13, Name: "Block", Mode: message.ModeSyn, Request: argsSchema}
	missingDesc = &message.Descriptor{Type: 99, Name: "Missing", Mode: message.ModeSyn, Request: argsSchema}
)

var (
	testFields    = codec.FieldList{int32(1), []int32{1, 2, 3, 4}}
	testSum       = int64(11)
	testPartition = uint32(3)
)

func sum(fields codec.FieldList) int64 {
	total := int64(fields[0].(int32))
	for _, n := range fields[1].([]int32) {
		total += int64(n)
	}
	return total
}

// startServer serves the test types for testPartition and returns a table
// resolving that partition to it.
func startServer(t *testing.T, release <-chan struct{}) (*server.Server, *registry.StaticTable) {
	t.Helper()
	svr := server.NewServer(server.WithPartitions(testPartition))
	store := func(ctx context.Context, req *message.Request, slot *state.Slot) (codec.FieldList, error) {
		slot.Store(sum(req.Fields))
		return nil, nil
	}
	require.NoError(t, svr.Register(storeDesc, store))
	require.NoError(t, svr.Register(asyncDesc, store))
	require.NoError(t, svr.Register(sumDesc, func(ctx context.Context, req *message.Request, slot *state.Slot) (codec.FieldList, error) {
		s := sum(req.Fields)
		slot.Store(s)
		return codec.FieldList{s, "ok"}, nil
	}))
	require.NoError(t, svr.Register(blockDesc, func(ctx context.Context, req *message.Request, slot *state.Slot) (codec.FieldList, error) {
		<-release
		return nil, nil
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, "", nil)
	t.Cleanup(func() { svr.Shutdown(100 * time.Millisecond) })

	tbl := registry.NewStaticTable()
	tbl.Add(testPartition, registry.Instance{Addr: ln.Addr().String()})
	return svr, tbl
}

func TestClientCallModes(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeBinary, codec.CodecTypeJSON} {
		t.Run(codecName(ct), func(t *testing.T) {
			svr, tbl := startServer(t, nil)
			cli := NewClient(tbl, WithCodec(ct), WithPoolSize(2), WithHeartbeat(0))
			defer cli.Close()
			ctx := context.Background()

			require.NoError(t, cli.CallSyn(ctx, testPartition, storeDesc, testFields))
			assert.Equal(t, testSum, svr.Board().Slot(storeDesc.Type).Load())

			out, err := cli.CallSynWithRsp(ctx, testPartition, sumDesc, testFields)
			require.NoError(t, err)
			assert.Equal(t, codec.FieldList{testSum, "ok"}, out)

			comp, err := cli.CallAsyn(ctx, testPartition, asyncDesc, testFields)
			require.NoError(t, err)
			waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			require.NoError(t, comp.Wait(waitCtx))
			assert.True(t, svr.Board().Event(asyncDesc.Type).IsSet())
			assert.Equal(t, testSum, svr.Board().Slot(asyncDesc.Type).Load())
		})
	}
}

func codecName(ct codec.CodecType) string {
	if ct == codec.CodecTypeJSON {
		return "json"
	}
	return "binary"
}

func countingDialer(n *atomic.Int32) transport.Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		n.Add(1)
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Nothing is dialed, let alone sent, for a partition the resolver does not know.
func TestClientUnknownPartition(t *testing.T) {
	_, tbl := startServer(t, nil)
	var dials atomic.Int32
	cli := NewClient(tbl, WithDialer(countingDialer(&dials)), WithHeartbeat(0))
	defer cli.Close()
	ctx := context.Background()

	err := cli.CallSyn(ctx, 77, storeDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrUnknownPartition)
	_, err = cli.CallAsyn(ctx, 77, asyncDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrUnknownPartition)
	_, err = cli.CallSynWithRsp(ctx, 77, sumDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrUnknownPartition)

	assert.Zero(t, dials.Load())
}

func TestClientLocalRejections(t *testing.T) {
	_, tbl := startServer(t, nil)
	var dials atomic.Int32
	cli := NewClient(tbl, WithDialer(countingDialer(&dials)), WithHeartbeat(0))
	defer cli.Close()
	ctx := context.Background()

	err := cli.CallSyn(ctx, testPartition, asyncDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrModeMismatch)

	err = cli.CallSyn(ctx, testPartition, storeDesc, codec.FieldList{int64(1), []int32{}})
	assert.ErrorIs(t, err, rpcerr.ErrSchemaMismatch)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = cli.CallAsyn(cancelled, testPartition, asyncDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)

	assert.Zero(t, dials.Load())
}

func TestClientRemoteRejection(t *testing.T) {
	_, tbl := startServer(t, nil)
	cli := NewClient(tbl, WithHeartbeat(0))
	defer cli.Close()

	err := cli.CallSyn(context.Background(), testPartition, missingDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrUnhandledMessageType)

	// The table points partition 4 at the same server, which does not host it.
	tbl.Add(4, registry.Instance{Addr: mustResolve(t, tbl, testPartition)})
	err = cli.CallSyn(context.Background(), 4, storeDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrUnknownPartition)
}

func mustResolve(t *testing.T, tbl *registry.StaticTable, partition uint32) string {
	insts, err := tbl.Resolve(partition)
	require.NoError(t, err)
	return insts[0].Addr
}

func TestClientCallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, tbl := startServer(t, release)
	cli := NewClient(tbl, WithHeartbeat(0))
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := cli.CallSyn(ctx, testPartition, blockDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The connection is still usable.
	assert.NoError(t, cli.CallSyn(context.Background(), testPartition, storeDesc, testFields))
}

func TestClientConnectionLost(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svr, tbl := startServer(t, release)
	cli := NewClient(tbl, WithHeartbeat(0))
	defer cli.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- cli.CallSyn(context.Background(), testPartition, blockDesc, testFields)
	}()
	time.Sleep(50 * time.Millisecond)

	// Shutdown gives up on the blocked handler and drops the connection.
	svr.Shutdown(20 * time.Millisecond)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after the connection dropped")
	}
}

func TestClientClose(t *testing.T) {
	_, tbl := startServer(t, nil)
	cli := NewClient(tbl, WithHeartbeat(0))
	require.NoError(t, cli.CallSyn(context.Background(), testPartition, storeDesc, testFields))
	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close())

	err := cli.CallSyn(context.Background(), testPartition, storeDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
}

// silentListener accepts connections and never reads from them.
func silentListener(t *testing.T) string {
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

// A server that stops reading cannot hold a caller past its deadline.
func TestClientDeadlineCoversWrite(t *testing.T) {
	tbl := registry.NewStaticTable()
	tbl.Add(testPartition, registry.Instance{Addr: silentListener(t)})
	cli := NewClient(tbl, WithHeartbeat(0))
	defer cli.Close()

	huge := codec.FieldList{int32(1), make([]int32, 3<<20)}
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		errc <- cli.CallSyn(ctx, testPartition, storeDesc, huge)
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("CallSyn blocked past its deadline")
	}
}

// A dial that outlives the caller's deadline yields a timeout, not a dial error.
func TestClientDeadlineCoversDial(t *testing.T) {
	_, tbl := startServer(t, nil)
	slow := func(ctx context.Context, addr string) (net.Conn, error) {
		time.Sleep(time.Second)
		return net.Dial("tcp", addr)
	}
	cli := NewClient(tbl, WithDialer(slow), WithHeartbeat(0))
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := cli.CallSynWithRsp(ctx, testPartition, sumDesc, testFields)
	assert.ErrorIs(t, err, rpcerr.ErrCallTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func poolAddrs(c *Client) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]string, 0, len(c.pools))
	for addr := range c.pools {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// When a partition moves to another server the connections to the old owner
// are dropped.
func TestClientFollowsPartitionOwner(t *testing.T) {
	svrA, tblA := startServer(t, nil)
	svrB, tblB := startServer(t, nil)
	addrA, addrB := mustResolve(t, tblA, testPartition), mustResolve(t, tblB, testPartition)

	tbl := registry.NewStaticTable()
	tbl.Add(testPartition, registry.Instance{Addr: addrA})
	cli := NewClient(tbl, WithHeartbeat(0))
	defer cli.Close()
	ctx := context.Background()

	require.NoError(t, cli.CallSyn(ctx, testPartition, storeDesc, testFields))
	assert.Equal(t, []string{addrA}, poolAddrs(cli))

	tbl.Remove(testPartition, addrA)
	tbl.Add(testPartition, registry.Instance{Addr: addrB})
	require.Eventually(t, func() bool { return len(poolAddrs(cli)) == 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, cli.CallSyn(ctx, testPartition, storeDesc, testFields))
	assert.Equal(t, []string{addrB}, poolAddrs(cli))
	assert.EqualValues(t, 1, svrA.Board().Slot(storeDesc.Type).Writes())
	assert.EqualValues(t, 1, svrB.Board().Slot(storeDesc.Type).Writes())
}
