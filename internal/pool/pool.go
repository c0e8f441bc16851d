// Package pool maintains a bounded set of Unix socket connections to the
// collector. Connections are dialed lazily, lent to one exchange at a
// time, and destroyed on any error, close, or idle timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool defaults
const (
	DefaultMax              = 10
	DefaultDialTimeout      = 5 * time.Second
	DefaultFailureThreshold = 5
	DefaultBackoffInterval  = time.Second
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// DialFunc opens a connection to the collector socket.
type DialFunc func(ctx context.Context, socketPath string) (net.Conn, error)

// Config holds pool configuration
type Config struct {
	SocketPath string

	// Min connections are dialed up front and restored after failures.
	Min int
	// Max bounds the connections lent out at once. Acquirers beyond it
	// queue in FIFO order.
	Max int

	// IdleTimeout closes a connection with no socket activity for this
	// long. Zero disables it.
	IdleTimeout time.Duration
	DialTimeout time.Duration

	// Once more than FailureThreshold dials have failed in a row, every
	// further dial waits BackoffInterval first.
	FailureThreshold int
	BackoffInterval  time.Duration

	Dial   DialFunc
	Logger *slog.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total    int
	Idle     int
	Borrowed int
	Failures int
}

// Pool is a bounded pool of collector connections.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	idle     []*Conn
	conns    map[uint64]*Conn
	borrowed map[uint64]*Conn
	failures int
	nextID   uint64
	closed   bool
}

// New creates a new Pool. No connection is dialed until Fill or Acquire.
func New(cfg Config) (*Pool, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("no socket path specified")
	}
	if cfg.Max == 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Max < 0 || cfg.Min < 0 || cfg.Min > cfg.Max {
		return nil, fmt.Errorf("invalid pool bounds: min %d, max %d", cfg.Min, cfg.Max)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = DefaultBackoffInterval
	}
	if cfg.Dial == nil {
		cfg.Dial = dialUnix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Pool{
		cfg:      cfg,
		logger:   logger.With("socket", cfg.SocketPath),
		sem:      semaphore.NewWeighted(int64(cfg.Max)),
		conns:    make(map[uint64]*Conn),
		borrowed: make(map[uint64]*Conn),
	}, nil
}

func dialUnix(ctx context.Context, socketPath string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", socketPath)
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Fill dials connections until the pool holds Min of them. It stops
// early without error if every slot is currently lent out.
func (p *Pool) Fill(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if len(p.conns) >= p.cfg.Min {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		if !p.sem.TryAcquire(1) {
			return nil
		}
		c, err := p.create(ctx)
		if err != nil {
			p.sem.Release(1)
			return err
		}

		p.mu.Lock()
		if p.closed {
			delete(p.conns, c.id)
			p.mu.Unlock()
			c.destroy()
			p.sem.Release(1)
			return ErrPoolClosed
		}
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		p.sem.Release(1)
	}
}

// Acquire lends out a usable connection, reusing an idle one or dialing a
// new one. When Max connections are already lent, Acquire waits in FIFO
// order until one is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a connection: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	var stale []*Conn
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !c.Valid() {
			delete(p.conns, c.id)
			continue
		}
		if c.awaitingAbandoned() {
			delete(p.conns, c.id)
			stale = append(stale, c)
			continue
		}
		p.borrowed[c.id] = c
		p.mu.Unlock()
		destroyStale(stale, p.logger)
		return c, nil
	}
	p.mu.Unlock()
	destroyStale(stale, p.logger)

	c, err := p.create(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		delete(p.conns, c.id)
		p.mu.Unlock()
		c.destroy()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.borrowed[c.id] = c
	p.mu.Unlock()
	return c, nil
}

// destroyStale closes idle connections whose abandoned reply never came.
func destroyStale(stale []*Conn, logger *slog.Logger) {
	for _, c := range stale {
		logger.Debug("destroying connection with an unanswered exchange", "conn_id", c.id)
		c.destroy()
	}
}

// Release returns a borrowed connection. Usable connections go back to
// the idle set; anything else is destroyed. Releasing a connection twice,
// or to a pool that did not lend it, is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil || c.pool != p {
		return
	}

	p.mu.Lock()
	if p.borrowed[c.id] != c {
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, c.id)

	if p.closed || !c.Valid() {
		delete(p.conns, c.id)
		p.mu.Unlock()
		c.destroy()
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Available returns the number of idle connections ready to lend.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, c := range p.idle {
		if c.Valid() && !c.awaitingAbandoned() {
			count++
		}
	}
	return count
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:    len(p.conns),
		Idle:     len(p.idle),
		Borrowed: len(p.borrowed),
		Failures: p.failures,
	}
}

// Clear destroys every idle connection. Borrowed connections are left
// to their holders and destroyed on release if they have failed.
func (p *Pool) Clear() {
	p.mu.Lock()
	idle := p.takeIdleLocked()
	p.mu.Unlock()

	for _, c := range idle {
		c.destroy()
	}
}

// Close stops lending connections and destroys the idle set. Borrowed
// connections are destroyed as they are released; queued acquirers fail
// with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.takeIdleLocked()
	p.mu.Unlock()

	for _, c := range idle {
		c.destroy()
	}
	p.logger.Debug("connection pool closed", "destroyed", len(idle))
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) takeIdleLocked() []*Conn {
	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		delete(p.conns, c.id)
	}
	return idle
}

// create dials one connection, backing off first if dials keep failing.
func (p *Pool) create(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	failures := p.failures
	p.mu.Unlock()

	if failures > p.cfg.FailureThreshold {
		p.logger.Debug("backing off before dialing", "failures", failures, "backoff", p.cfg.BackoffInterval)
		timer := time.NewTimer(p.cfg.BackoffInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("backing off before dialing: %w", ctx.Err())
		case <-timer.C:
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	netConn, err := p.cfg.Dial(dialCtx, p.cfg.SocketPath)
	if err != nil {
		p.mu.Lock()
		p.failures++
		failures = p.failures
		p.mu.Unlock()
		p.logger.Warn("failed to connect to collector", "failures", failures, "error", err)
		return nil, fmt.Errorf("connecting to collector at %s: %w", p.cfg.SocketPath, err)
	}

	p.mu.Lock()
	p.failures = 0
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	c := newConn(id, netConn, p)

	p.mu.Lock()
	if c.Valid() {
		p.conns[id] = c
	}
	p.mu.Unlock()

	p.logger.Debug("connected to collector", "conn_id", id)
	return c, nil
}

// connFailed handles an error, close, or timeout on c. One bad connection
// may mean the collector itself is gone, so the whole idle set is
// destroyed along with it.
func (p *Pool) connFailed(c *Conn) {
	p.mu.Lock()
	delete(p.conns, c.id)
	idle := p.takeIdleLocked()
	replenish := !p.closed && p.cfg.Min > 0
	p.mu.Unlock()

	for _, ic := range idle {
		ic.destroy()
	}
	if len(idle) > 0 {
		p.logger.Info("cleared idle connections after connection failure", "failed_conn", c.id, "cleared", len(idle))
	}

	if replenish {
		go func() {
			if err := p.Fill(context.Background()); err != nil && !errors.Is(err, ErrPoolClosed) {
				p.logger.Warn("failed to restore minimum connections", "error", err)
			}
		}()
	}
}
