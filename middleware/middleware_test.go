package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cellrpc/codec"
	"cellrpc/message"
	"cellrpc/rpcerr"
)

// 模拟一个简单的 handler：直接返回请求字段
func echoHandler(ctx context.Context, req *message.Request) *message.Reply {
	return &message.Reply{Fields: req.Fields}
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Request) *message.Reply {
	time.Sleep(200 * time.Millisecond)
	return &message.Reply{Fields: codec.FieldList{"ok"}}
}

func failingHandler(ctx context.Context, req *message.Request) *message.Reply {
	return &message.Reply{Err: rpcerr.Handlerf("boom")}
}

func newRequest() *message.Request {
	return &message.Request{Type: 5, Mode: message.ModeSynWithRsp, Partition: 1, Fields: codec.FieldList{"ok"}}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	resp := Logging(logger)(echoHandler)(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.Equal(t, codec.FieldList{"ok"}, resp.Fields)

	resp = Logging(logger)(failingHandler)(context.Background(), newRequest())
	assert.ErrorIs(t, resp.Err, rpcerr.ErrHandler)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "request served", entries[0].Message)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "request failed", entries[1].Message)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.EqualValues(t, 5, entries[1].ContextMap()["type"])
}

func TestLoggingNilLogger(t *testing.T) {
	resp := Logging(nil)(echoHandler)(context.Background(), newRequest())
	assert.NoError(t, resp.Err)
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	resp := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), newRequest())
	assert.NoError(t, resp.Err)
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	resp := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), newRequest())
	assert.ErrorIs(t, resp.Err, rpcerr.ErrCallTimeout)
	assert.Nil(t, resp.Fields)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	var served atomic.Int32
	handler := RateLimit(1, 2)(func(ctx context.Context, req *message.Request) *message.Reply {
		served.Add(1)
		return echoHandler(ctx, req)
	})

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		require.NoError(t, resp.Err, "request %d should pass", i)
	}

	resp := handler(context.Background(), newRequest())
	assert.ErrorIs(t, resp.Err, rpcerr.ErrRateLimited)
	assert.EqualValues(t, 2, served.Load())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Reply {
				order = append(order, name+".before")
				reply := next(ctx, req)
				order = append(order, name+".after")
				return reply
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), Timeout(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.NoError(t, resp.Err)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
