package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-kp/apm-agent/internal/collectortest"
	"github.com/harry-kp/apm-agent/internal/protocol"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewValidatesBounds(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{SocketPath: "/tmp/x.sock", Min: 3, Max: 2})
	assert.Error(t, err)

	p, err := New(Config{SocketPath: "/tmp/x.sock"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMax, p.Config().Max)
	assert.Equal(t, DefaultFailureThreshold, p.Config().FailureThreshold)
}

func TestAcquireReleaseReusesConnection(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 2})
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(second)

	assert.Same(t, first, second)
	assert.Eventually(t, func() bool { return server.Accepted() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoolMaxOneQueuedAcquirerGetsReleasedConnection(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 1})
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			acquired <- c
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait while the only connection is borrowed")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(first)
	second := collectortest.RequireReceive(t, acquired, 2*time.Second, "queued acquire")
	assert.Same(t, first, second)
	assert.Eventually(t, func() bool { return server.Accepted() == 1 }, time.Second, 5*time.Millisecond)
	p.Release(second)
}

func TestPoolBoundBlocksExcessAcquirers(t *testing.T) {
	server := collectortest.New(t)
	const limit = 3
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: limit})
	ctx := context.Background()

	held := make([]*Conn, 0, limit)
	for i := 0; i < limit; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, c)
	}

	acquired := make(chan *Conn, limit)
	for i := 0; i < limit; i++ {
		go func() {
			c, err := p.Acquire(ctx)
			if err == nil {
				acquired <- c
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, acquired, 0)
	assert.Equal(t, limit, p.Stats().Borrowed)

	for _, c := range held {
		p.Release(c)
	}
	for i := 0; i < limit; i++ {
		c := collectortest.RequireReceive(t, acquired, 2*time.Second, "pending acquirer")
		defer p.Release(c)
	}
	assert.Eventually(t, func() bool { return server.Accepted() == limit }, time.Second, 5*time.Millisecond)
	assert.Equal(t, limit, p.Stats().Total)
}

func TestAcquireHonorsContext(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteReceivesReply(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath()})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	replies, err := c.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)
	reply := collectortest.RequireReceive(t, replies, 2*time.Second, "version reply")
	require.NoError(t, reply.Err)
	assert.Equal(t, collectortest.DefaultVersion, reply.Response.Version)
}

func TestRepliesResolveInWriteOrder(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath()})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	// The discarded reply to the async write must not reach the next waiter.
	_, err = c.Write(protocol.NewStartRequest("req-1", time.Now()), false)
	require.NoError(t, err)
	replies, err := c.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)

	reply := collectortest.RequireReceive(t, replies, 2*time.Second, "version reply")
	require.NoError(t, reply.Err)
	assert.Equal(t, protocol.KindGetVersion, reply.Response.Kind)
}

func TestUndecodableReplyFailsOnlyThatExchange(t *testing.T) {
	var calls atomic.Int32
	server := collectortest.New(t, collectortest.WithHandler(func(kind protocol.Kind, body json.RawMessage) (any, bool) {
		if calls.Add(1) == 1 {
			return []byte(`{not json`), true
		}
		return collectortest.DefaultHandler(kind, body)
	}))
	p := newTestPool(t, Config{SocketPath: server.SocketPath()})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	replies, err := c.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)
	reply := collectortest.RequireReceive(t, replies, 2*time.Second, "bad reply")
	var decodeErr *protocol.DecodeError
	assert.ErrorAs(t, reply.Err, &decodeErr)
	assert.True(t, c.Valid())

	replies, err = c.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)
	reply = collectortest.RequireReceive(t, replies, 2*time.Second, "good reply")
	assert.NoError(t, reply.Err)
}

func TestConnectionErrorClearsIdleConnections(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 3})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(b)
	p.Release(c)
	require.Equal(t, 2, p.Available())

	// Fail the borrowed connection from our side.
	a.fail(errors.New("simulated socket error"))

	assert.False(t, a.Valid())
	assert.False(t, b.Valid())
	assert.False(t, c.Valid())
	assert.Equal(t, 0, p.Available())

	p.Release(a)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0, stats.Borrowed)

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(fresh)
	assert.NotSame(t, a, fresh)
	assert.True(t, fresh.Valid())
}

func TestCollectorCloseInvalidatesConnection(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath()})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)
	collectortest.WaitFor(t, time.Second, func() bool { return server.Accepted() == 1 }, "connection accepted")

	server.DropConnections()
	collectortest.WaitFor(t, 2*time.Second, func() bool { return !c.Valid() }, "connection invalidated")
	assert.Equal(t, 0, p.Available())
}

func TestPendingExchangeFailsWhenConnectionDrops(t *testing.T) {
	server := collectortest.New(t, collectortest.WithHandler(func(protocol.Kind, json.RawMessage) (any, bool) {
		return nil, false
	}))
	p := newTestPool(t, Config{SocketPath: server.SocketPath()})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	replies, err := c.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)
	collectortest.WaitFor(t, time.Second, func() bool { return len(server.Received()) == 1 }, "message received")

	server.DropConnections()
	reply := collectortest.RequireReceive(t, replies, 2*time.Second, "failed reply")
	assert.Error(t, reply.Err)
}

func TestIdleTimeoutDestroysConnection(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), IdleTimeout: 50 * time.Millisecond})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)

	collectortest.WaitFor(t, 2*time.Second, func() bool { return !c.Valid() }, "idle connection destroyed")
	assert.Equal(t, 0, p.Stats().Total)
}

func TestBackoffAfterRepeatedDialFailures(t *testing.T) {
	var dials atomic.Int32
	p := newTestPool(t, Config{
		SocketPath:       filepath.Join(collectortest.SocketDir(t), "missing.sock"),
		FailureThreshold: 2,
		BackoffInterval:  150 * time.Millisecond,
		Dial: func(ctx context.Context, socketPath string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Acquire(ctx)
		require.Error(t, err)
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 3, p.Stats().Failures)

	start = time.Now()
	_, err := p.Acquire(ctx)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int32(4), dials.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(4), dials.Load())
}

func TestFillCreatesMinimumConnections(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Min: 2, Max: 4})

	require.NoError(t, p.Fill(context.Background()))
	assert.Equal(t, 2, p.Available())
	assert.Eventually(t, func() bool { return server.Accepted() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseRejectsAcquireAndDestroysOnRelease(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath()})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close()
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	p.Release(c)
	assert.False(t, c.Valid())
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)
	p.Release(c)

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestReleaseIgnoresConnectionFromAnotherPool(t *testing.T) {
	server := collectortest.New(t)
	first := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 1})
	second := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 1})

	a, err := first.Acquire(context.Background())
	require.NoError(t, err)
	b, err := second.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())

	second.Release(a)
	assert.Equal(t, 1, second.Stats().Borrowed)
	assert.Equal(t, 0, second.Stats().Idle)

	a.Release()
	b.Release()
	assert.Equal(t, 1, first.Stats().Idle)
	assert.Equal(t, 1, second.Stats().Idle)

	again, err := second.Acquire(context.Background())
	require.NoError(t, err)
	defer second.Release(again)
	assert.Same(t, b, again)
}

func TestAbandonedReplyRetiresConnection(t *testing.T) {
	var calls atomic.Int32
	server := collectortest.New(t, collectortest.WithHandler(func(kind protocol.Kind, body json.RawMessage) (any, bool) {
		if calls.Add(1) == 1 {
			return nil, false
		}
		return collectortest.DefaultHandler(kind, body)
	}))
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	replies, err := c.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)
	c.Abandon(replies)
	p.Release(c)

	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 0, p.Available())

	fresh, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(fresh)
	assert.NotSame(t, c, fresh)
	assert.False(t, c.Valid())
	assert.Equal(t, 1, p.Stats().Total)
	assert.Equal(t, 0, p.Stats().Failures)

	replies, err = fresh.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)
	reply := collectortest.RequireReceive(t, replies, 2*time.Second, "version reply")
	require.NoError(t, reply.Err)
	assert.Equal(t, collectortest.DefaultVersion, reply.Response.Version)
}

func TestLateReplyClearsAbandonedSlot(t *testing.T) {
	server := collectortest.New(t, collectortest.WithDelay(50*time.Millisecond))
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	replies, err := c.Write(protocol.NewGetVersion(), true)
	require.NoError(t, err)
	c.Abandon(replies)
	assert.True(t, c.awaitingAbandoned())
	p.Release(c)

	assert.Eventually(t, func() bool { return !c.awaitingAbandoned() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Available())

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(again)
	assert.Same(t, c, again)
}

func TestPrimingFlagsArePerConnection(t *testing.T) {
	server := collectortest.New(t)
	p := newTestPool(t, Config{SocketPath: server.SocketPath(), Max: 2})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(a)
	defer p.Release(b)

	a.MarkRegistrationSent()
	a.MarkAppMetadataSent()
	assert.True(t, a.RegistrationSent())
	assert.True(t, a.AppMetadataSent())
	assert.False(t, b.RegistrationSent())
	assert.False(t, b.AppMetadataSent())
}
