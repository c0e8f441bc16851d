package pool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// readBufferSize is the size of each socket read.
const readBufferSize = 64 * 1024

// Reply is the outcome of one exchange on a connection: the decoded
// response, or the error that prevented one.
type Reply struct {
	Response protocol.Response
	Err      error
}

// replySlot is a reservation for the next unclaimed reply on a
// connection. Replies arrive in write order, so slots resolve FIFO.
type replySlot struct {
	ch chan Reply

	// abandoned is set when the waiter gave up on the reply.
	abandoned bool
}

// Conn is a pooled socket to the collector plus the per-connection
// protocol session state. A Conn is only handed out between Acquire and
// Release and must not be retained afterwards.
type Conn struct {
	id      uint64
	netConn net.Conn
	pool    *Pool
	logger  *slog.Logger

	idleTimeout time.Duration

	writeMu sync.Mutex

	mu               sync.Mutex
	usable           bool
	destroyed        bool
	registrationSent bool
	appMetadataSent  bool
	partial          []byte
	pending          []*replySlot
}

func newConn(id uint64, netConn net.Conn, p *Pool) *Conn {
	c := &Conn{
		id:          id,
		netConn:     netConn,
		pool:        p,
		logger:      p.logger.With("conn_id", id),
		idleTimeout: p.cfg.IdleTimeout,
		usable:      true,
	}
	c.touch()
	go c.readLoop()
	return c
}

// ID returns the pool-unique identifier of the connection.
func (c *Conn) ID() uint64 {
	return c.id
}

// Valid reports whether the connection may be lent out again.
func (c *Conn) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable && !c.destroyed
}

// RegistrationSent reports whether this connection has registered.
func (c *Conn) RegistrationSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registrationSent
}

// MarkRegistrationSent records that the Register handshake went out on
// this connection.
func (c *Conn) MarkRegistrationSent() {
	c.mu.Lock()
	c.registrationSent = true
	c.mu.Unlock()
}

// AppMetadataSent reports whether the app metadata event went out on this
// connection.
func (c *Conn) AppMetadataSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appMetadataSent
}

// MarkAppMetadataSent records that the app metadata event went out.
func (c *Conn) MarkAppMetadataSent() {
	c.mu.Lock()
	c.appMetadataSent = true
	c.mu.Unlock()
}

// Write encodes message and writes it as one frame. When wantReply is
// true the returned channel delivers the reply to this frame; otherwise
// the reply is read and dropped, and the channel is nil.
//
// A write failure invalidates the connection.
func (c *Conn) Write(message protocol.Message, wantReply bool) (<-chan Reply, error) {
	frame, err := protocol.Encode(message)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Reserve the slot before writing so a fast reply always finds it.
	slot := &replySlot{ch: make(chan Reply, 1)}
	c.mu.Lock()
	if c.destroyed || !c.usable {
		c.mu.Unlock()
		return nil, fmt.Errorf("writing %s on connection %d: %w", message.Kind(), c.id, net.ErrClosed)
	}
	c.pending = append(c.pending, slot)
	c.mu.Unlock()

	c.touch()
	if _, err := c.netConn.Write(frame); err != nil {
		c.fail(fmt.Errorf("writing %s: %w", message.Kind(), err))
		return nil, fmt.Errorf("writing %s on connection %d: %w", message.Kind(), c.id, err)
	}

	if !wantReply {
		return nil, nil
	}
	return slot.ch, nil
}

// Abandon marks the reply behind replies, a channel returned by Write, as
// unwanted. The slot stays reserved so a late reply is still absorbed, but
// until that reply arrives the pool will not lend the connection again.
func (c *Conn) Abandon(replies <-chan Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, slot := range c.pending {
		if slot.ch == replies {
			slot.abandoned = true
			return
		}
	}
}

// awaitingAbandoned reports whether an abandoned reply is still
// outstanding. Every reply read from now on would resolve the wrong slot
// if that reply never comes.
func (c *Conn) awaitingAbandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, slot := range c.pending {
		if slot.abandoned {
			return true
		}
	}
	return false
}

// Release returns the connection to the pool that lent it.
func (c *Conn) Release() {
	c.pool.Release(c)
}

// touch pushes the idle deadline out from now.
func (c *Conn) touch() {
	if c.idleTimeout > 0 {
		_ = c.netConn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// readLoop reads frames until the socket errors or is closed, resolving
// pending reply slots in order.
func (c *Conn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.touch()
			c.handleData(buf[:n])
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// handleData appends chunk to the partial buffer and dispatches every
// complete frame.
func (c *Conn) handleData(chunk []byte) {
	c.mu.Lock()
	data := append(c.partial, chunk...)
	frames, remainder, splitErr := protocol.Split(data)

	replies := make([]Reply, 0, len(frames)+1)
	for _, frame := range frames {
		response, err := protocol.Decode(frame)
		replies = append(replies, Reply{Response: response, Err: err})
	}
	if splitErr != nil {
		// The stream cannot be realigned past a bad length; drop what is
		// buffered and fail only the exchange it belonged to.
		replies = append(replies, Reply{Err: splitErr})
		remainder = nil
	}
	c.partial = append([]byte(nil), remainder...)

	slots := make([]*replySlot, 0, len(replies))
	for range replies {
		if len(c.pending) == 0 {
			break
		}
		slots = append(slots, c.pending[0])
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	for i, reply := range replies {
		if reply.Err != nil {
			c.logger.Warn("discarding undecodable frame", "error", reply.Err)
		}
		if i >= len(slots) {
			c.logger.Warn("dropping unsolicited reply", "kind", reply.Response.Kind)
			continue
		}
		slots[i].ch <- reply
	}
}

// fail marks the connection unusable after an error, timeout, or close,
// and reports it to the pool. Failures caused by our own destroy are not
// reported.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.usable = false
	c.destroyed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	_ = c.netConn.Close()

	err := fmt.Errorf("connection %d: %w", c.id, cause)
	for _, slot := range pending {
		slot.ch <- Reply{Err: err}
	}

	switch {
	case isTimeout(cause):
		c.logger.Debug("connection idle timeout", "timeout", c.idleTimeout)
	case isExpectedClose(cause):
		c.logger.Debug("connection closed", "error", cause)
	default:
		c.logger.Warn("connection failed", "error", cause)
	}
	c.pool.connFailed(c)
}

// destroy closes the connection on the pool's behalf. Pending exchanges
// are failed with net.ErrClosed.
func (c *Conn) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.usable = false
	c.destroyed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	_ = c.netConn.Close()
	for _, slot := range pending {
		slot.ch <- Reply{Err: fmt.Errorf("connection %d: %w", c.id, net.ErrClosed)}
	}
}

// isExpectedClose reports whether err is an ordinary termination: EOF,
// closed connection, broken pipe, or reset.
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// isTimeout reports whether err is an idle deadline expiry.
func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
