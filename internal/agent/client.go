// Package agent is the client side of the collector protocol. A Client
// owns the connection pool, primes every fresh connection with the
// registration handshake, and turns each protocol message into a
// request/response exchange bounded by a send timeout.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harry-kp/apm-agent/internal/pool"
	"github.com/harry-kp/apm-agent/internal/process"
	"github.com/harry-kp/apm-agent/internal/protocol"
)

// DefaultSendTimeout bounds one exchange when Config.SendTimeout is unset.
const DefaultSendTimeout = 5 * time.Second

var (
	// ErrDisconnected is returned by sends on a client that has not
	// connected or has been disconnected.
	ErrDisconnected = errors.New("agent client disconnected")

	// ErrUnexpected is returned when a send is given no message.
	ErrUnexpected = errors.New("unexpected empty message")

	// ErrSendTimeout is returned when no reply arrives within the send
	// timeout. The collector may still have processed the message.
	ErrSendTimeout = errors.New("timed out waiting for collector reply")
)

// Supervisor manages the collector process on the client's behalf.
// *process.Supervisor satisfies it.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop() error
	Process() (*os.Process, error)
}

// Config holds client configuration
type Config struct {
	// Pool configures the connection pool built by Connect.
	Pool pool.Config

	// SendTimeout bounds every Send and SendAsync, including the wait
	// for a connection.
	SendTimeout time.Duration

	// Registration is sent once per connection before any other message.
	// The zero Message disables registration.
	Registration protocol.Message

	// AppMetadata is sent once per connection after registration. The
	// zero Message disables it.
	AppMetadata protocol.Message

	// Supervisor launches and stops the collector. Nil means the
	// collector is managed elsewhere.
	Supervisor Supervisor

	Logger *slog.Logger
}

// Status reports the client's connection state.
type Status struct {
	Connected bool
	Stopped   bool
	Pool      pool.Stats
}

// Option configures a Client.
type Option func(*Client)

// WithObserver registers fn to be called after every exchange, including
// priming exchanges. fn runs on the sending goroutine and must not block.
func WithObserver(fn func(Exchange)) Option {
	return func(c *Client) {
		c.observer = fn
	}
}

// Client talks to the collector
type Client struct {
	cfg      Config
	logger   *slog.Logger
	observer func(Exchange)

	mu      sync.Mutex
	pool    *pool.Pool
	stopped bool
}

// New creates a new Client. No connection is opened until Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Pool.SocketPath == "" {
		return nil, fmt.Errorf("no socket path specified")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Pool.Logger == nil {
		cfg.Pool.Logger = logger
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		stopped: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the collector through the supervisor.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Supervisor == nil {
		return process.ErrLaunchDisabled
	}
	return c.cfg.Supervisor.Start(ctx)
}

// Stop terminates the collector launched by Start.
func (c *Client) Stop() error {
	if c.cfg.Supervisor == nil {
		return process.ErrNoProcess
	}
	return c.cfg.Supervisor.Stop()
}

// Process returns the collector process handle.
func (c *Client) Process() (*os.Process, error) {
	if c.cfg.Supervisor == nil {
		return nil, process.ErrNoProcess
	}
	return c.cfg.Supervisor.Process()
}

// Connect builds the pool if needed and accepts sends from now on. With
// a pool minimum, the minimum connections are dialed first and the
// client reports connected only if at least one is ready.
func (c *Client) Connect(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.pool == nil {
		p, err := pool.New(c.cfg.Pool)
		if err != nil {
			c.mu.Unlock()
			return Status{Stopped: true}, fmt.Errorf("creating connection pool: %w", err)
		}
		c.pool = p
	}
	c.stopped = false
	p := c.pool
	c.mu.Unlock()

	if p.Config().Min > 0 {
		if err := p.Fill(ctx); err != nil {
			c.logger.Warn("could not fill connection pool", "error", err)
		}
	}

	status := c.Status()
	c.logger.Info("agent client connected", "connected", status.Connected, "idle", status.Pool.Idle)
	return status, nil
}

// Disconnect rejects every further send and closes the pool.
func (c *Client) Disconnect() Status {
	c.mu.Lock()
	p := c.pool
	c.pool = nil
	c.stopped = true
	c.mu.Unlock()

	if p != nil {
		p.Close()
		c.logger.Info("agent client disconnected")
	}
	return c.Status()
}

// Status reports whether the client can currently serve sends.
func (c *Client) Status() Status {
	c.mu.Lock()
	p := c.pool
	stopped := c.stopped
	c.mu.Unlock()

	if p == nil || stopped {
		return Status{Stopped: stopped}
	}
	stats := p.Stats()
	return Status{
		Connected: p.Config().Min == 0 || p.Available() > 0,
		Pool:      stats,
	}
}

// Send writes message on a pooled connection and waits for the
// collector's reply. A reply that reports failure is still returned as a
// Response; use Response.Err to treat it as an error.
func (c *Client) Send(ctx context.Context, message protocol.Message) (protocol.Response, error) {
	if message.IsZero() {
		return protocol.Response{}, ErrUnexpected
	}
	p, err := c.activePool()
	if err != nil {
		return protocol.Response{}, err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.SendTimeout, ErrSendTimeout)
	defer cancel()

	conn, err := p.Acquire(ctx)
	if err != nil {
		return protocol.Response{}, c.contextError(ctx, err)
	}
	defer p.Release(conn)

	return c.exchange(ctx, conn, message, false)
}

// Acquire borrows a connection from the client's pool for a sequence of
// SendOn calls. It must be returned with Release.
func (c *Client) Acquire(ctx context.Context) (*pool.Conn, error) {
	p, err := c.activePool()
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns a connection borrowed with Acquire to the pool that lent
// it. A connection from a pool closed by Disconnect is destroyed.
func (c *Client) Release(conn *pool.Conn) {
	if conn != nil {
		conn.Release()
	}
}

// SendOn is Send over a connection borrowed with Acquire. The connection
// is primed if needed and is not released.
func (c *Client) SendOn(ctx context.Context, conn *pool.Conn, message protocol.Message) (protocol.Response, error) {
	if message.IsZero() {
		return protocol.Response{}, ErrUnexpected
	}
	if _, err := c.activePool(); err != nil {
		return protocol.Response{}, err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.SendTimeout, ErrSendTimeout)
	defer cancel()

	return c.exchange(ctx, conn, message, false)
}

// SendAsync writes message and returns once the write completes. The
// reply is read and discarded by the connection.
func (c *Client) SendAsync(ctx context.Context, message protocol.Message) error {
	if message.IsZero() {
		return ErrUnexpected
	}
	p, err := c.activePool()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.SendTimeout, ErrSendTimeout)
	defer cancel()

	conn, err := p.Acquire(ctx)
	if err != nil {
		return c.contextError(ctx, err)
	}
	defer p.Release(conn)

	if err := c.prime(ctx, conn, message); err != nil {
		return err
	}

	started := time.Now()
	_, err = conn.Write(message, false)
	if err == nil {
		c.markPrimed(conn, message)
	}
	c.observe(Exchange{
		ConnID:   conn.ID(),
		Kind:     message.Kind(),
		Message:  message,
		Err:      err,
		Started:  started,
		Duration: time.Since(started),
		Async:    true,
	})
	return err
}

// Version asks the collector for its version.
func (c *Client) Version(ctx context.Context) (string, error) {
	response, err := c.Send(ctx, protocol.NewGetVersion())
	if err != nil {
		return "", err
	}
	if err := response.Err(); err != nil {
		return "", err
	}
	return response.Version, nil
}

func (c *Client) activePool() (*pool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.pool == nil {
		return nil, ErrDisconnected
	}
	return c.pool, nil
}

// exchange primes conn unless message is itself a priming message, then
// writes message and waits for its reply.
func (c *Client) exchange(ctx context.Context, conn *pool.Conn, message protocol.Message, priming bool) (protocol.Response, error) {
	if !priming {
		if err := c.prime(ctx, conn, message); err != nil {
			return protocol.Response{}, err
		}
	}

	started := time.Now()
	result := Exchange{
		ConnID:  conn.ID(),
		Kind:    message.Kind(),
		Message: message,
		Started: started,
		Priming: priming,
	}

	replies, err := conn.Write(message, true)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(started)
		c.observe(result)
		return protocol.Response{}, err
	}

	select {
	case reply := <-replies:
		result.Response = reply.Response
		result.Err = reply.Err
	case <-ctx.Done():
		conn.Abandon(replies)
		result.Err = fmt.Errorf("sending %s: %w", message.Kind(), c.contextError(ctx, ctx.Err()))
	}
	result.Duration = time.Since(started)
	c.observe(result)

	if result.Err != nil {
		return protocol.Response{}, result.Err
	}
	c.markPrimed(conn, message)
	return result.Response, nil
}

// markPrimed records on conn that a registration or app metadata message
// went out, whoever sent it.
func (c *Client) markPrimed(conn *pool.Conn, message protocol.Message) {
	switch {
	case message.Kind() == protocol.KindRegister:
		conn.MarkRegistrationSent()
	case sameEvent(c.cfg.AppMetadata, message):
		conn.MarkAppMetadataSent()
	}
}

// prime sends the registration and app metadata over conn if they have
// not gone out on it yet. A priming message never primes itself.
func (c *Client) prime(ctx context.Context, conn *pool.Conn, message protocol.Message) error {
	if message.Kind() == protocol.KindRegister {
		return nil
	}

	if reg := c.cfg.Registration; !reg.IsZero() && !conn.RegistrationSent() {
		response, err := c.exchange(ctx, conn, reg, true)
		if err != nil {
			return fmt.Errorf("registering on connection %d: %w", conn.ID(), err)
		}
		if !response.Succeeded() {
			c.logger.Warn("collector rejected registration", "conn_id", conn.ID(), "error", response.Err())
		}
	}

	if meta := c.cfg.AppMetadata; !meta.IsZero() && !conn.AppMetadataSent() && !sameEvent(meta, message) {
		response, err := c.exchange(ctx, conn, meta, true)
		if err != nil {
			return fmt.Errorf("sending app metadata on connection %d: %w", conn.ID(), err)
		}
		if !response.Succeeded() {
			c.logger.Warn("collector rejected app metadata", "conn_id", conn.ID(), "error", response.Err())
		}
	}
	return nil
}

// sameEvent reports whether message is an application event of the same
// type as meta. A zero meta matches nothing.
func sameEvent(meta, message protocol.Message) bool {
	if message.Kind() != protocol.KindApplicationEvent {
		return false
	}
	a, ok := meta.Payload().(protocol.ApplicationEventPayload)
	if !ok {
		return false
	}
	b, ok := message.Payload().(protocol.ApplicationEventPayload)
	if !ok {
		return false
	}
	return a.EventType == b.EventType
}

// contextError maps an error caused by ctx ending to the context's cause,
// so send timeouts surface as ErrSendTimeout.
func (c *Client) contextError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

func (c *Client) observe(exchange Exchange) {
	if c.observer != nil {
		c.observer(exchange)
	}
}
