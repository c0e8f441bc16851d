// Package collectortest runs a fake collector on a Unix socket. It speaks
// the real wire protocol, records every message it receives, and replies
// according to a configurable handler. Used by tests and by the
// mock-collector command.
package collectortest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// DefaultVersion is the version the fake collector reports.
const DefaultVersion = "1.4.0"

// Received is one message read by the fake collector.
type Received struct {
	ConnID int
	Kind   protocol.Kind
	Body   json.RawMessage
	At     time.Time
}

// Handler decides the reply to a message. Returning ok=false sends no
// reply at all.
type Handler func(kind protocol.Kind, body json.RawMessage) (reply any, ok bool)

// Option configures a Server.
type Option func(*Server)

// WithHandler replaces the default always-succeed handler.
func WithHandler(handler Handler) Option {
	return func(s *Server) {
		s.handler = handler
	}
}

// WithDelay delays every reply.
func WithDelay(delay time.Duration) Option {
	return func(s *Server) {
		s.delay = delay
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server is a fake collector
type Server struct {
	socketPath string
	listener   net.Listener
	handler    Handler
	delay      time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	received []Received
	conns    map[int]net.Conn
	accepted int
	closed   bool

	wg sync.WaitGroup
}

// Start listens on socketPath and serves connections in the background.
// A stale socket file at the path is removed first.
func Start(socketPath string, opts ...Option) (*Server, error) {
	s := &Server{
		socketPath: socketPath,
		handler:    DefaultHandler,
		conns:      make(map[int]net.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("fake collector listening", "socket", socketPath)
	return s, nil
}

// DefaultHandler answers a version query with DefaultVersion and every
// other message with a success result.
func DefaultHandler(kind protocol.Kind, _ json.RawMessage) (any, bool) {
	if kind == protocol.KindGetVersion {
		return map[string]any{string(kind): map[string]string{"version": DefaultVersion}}, true
	}
	return map[string]any{string(kind): map[string]string{"result": "Success"}}, true
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.accepted++
		id := s.accepted
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(id, conn)
		}()
	}
}

func (s *Server) serve(id int, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
	}()

	var partial []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, remainder, splitErr := protocol.Split(append(partial, buf[:n]...))
			if splitErr != nil {
				s.logger.Warn("malformed frame from client", "error", splitErr)
				return
			}
			partial = append([]byte(nil), remainder...)

			for _, frame := range frames {
				if err := s.handleFrame(id, conn, frame); err != nil {
					s.logger.Warn("failed to handle frame", "conn_id", id, "error", err)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleFrame(id int, conn net.Conn, frame []byte) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}

	for key, body := range envelope {
		kind := protocol.Kind(key)
		s.mu.Lock()
		s.received = append(s.received, Received{
			ConnID: id,
			Kind:   kind,
			Body:   append(json.RawMessage(nil), body...),
			At:     time.Now(),
		})
		s.mu.Unlock()

		reply, ok := s.handler(kind, body)
		if !ok {
			continue
		}
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if err := writeReply(conn, reply); err != nil {
			return err
		}
	}
	return nil
}

// writeReply frames reply. A []byte reply is written as the raw payload
// so tests can send arbitrary bytes.
func writeReply(conn net.Conn, reply any) error {
	var payload []byte
	switch value := reply.(type) {
	case []byte:
		payload = value
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding reply: %w", err)
		}
		payload = encoded
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := conn.Write(frame)
	return err
}

// Received returns a copy of every message received so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Kinds returns the kinds of every message received so far, in order.
func (s *Server) Kinds() []protocol.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]protocol.Kind, 0, len(s.received))
	for _, r := range s.received {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

// KindsOn returns the kinds received on one connection, in order.
func (s *Server) KindsOn(connID int) []protocol.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []protocol.Kind
	for _, r := range s.received {
		if r.ConnID == connID {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

// Accepted returns how many connections have been accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open client connection, simulating a
// collector restart without removing the listener.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Close stops the listener, drops every connection, and waits for the
// serving goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return err
}
