// Package trace builds trees of timed requests and spans and transmits
// them to the collector. A Request is the root of a tree; Spans nest
// under it or under each other. Sending a node sends its whole subtree
// in parent-before-child order.
package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// Tracer defaults
const (
	DefaultSlowThreshold   = 500 * time.Millisecond
	DefaultStackFrameLimit = 50
)

var (
	// ErrFinished is returned when attaching a span to a stopped node.
	ErrFinished = errors.New("trace node already finished")

	// ErrSent is returned when tagging a node that has been sent.
	ErrSent = errors.New("trace node already sent")

	// ErrNoRequest is returned when a span is requested from a context
	// that carries no request.
	ErrNoRequest = errors.New("no request in context")
)

// Sender delivers one protocol message and returns the collector's reply.
// *agent.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, message protocol.Message) (protocol.Response, error)
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithSlowThreshold sets the duration at which a span keeps its captured
// stack as a tag.
func WithSlowThreshold(threshold time.Duration) Option {
	return func(t *Tracer) {
		t.slowThreshold = threshold
	}
}

// WithStackFrameLimit bounds the frames captured per span. Zero disables
// stack capture.
func WithStackFrameLimit(limit int) Option {
	return func(t *Tracer) {
		t.frameLimit = limit
	}
}

// WithLogger sets the tracer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) {
		t.logger = logger
	}
}

// Tracer creates requests and sends finished trees through a Sender.
type Tracer struct {
	sender        Sender
	slowThreshold time.Duration
	frameLimit    int
	logger        *slog.Logger
	now           func() time.Time
}

// NewTracer creates a new Tracer
func NewTracer(sender Sender, opts ...Option) *Tracer {
	t := &Tracer{
		sender:        sender,
		slowThreshold: DefaultSlowThreshold,
		frameLimit:    DefaultStackFrameLimit,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t
}

// deliver sends one message and treats a non-success reply as an error.
func (t *Tracer) deliver(ctx context.Context, message protocol.Message) error {
	response, err := t.sender.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("sending %s: %w", message.Kind(), err)
	}
	if err := response.Err(); err != nil {
		return fmt.Errorf("sending %s: %w", message.Kind(), err)
	}
	return nil
}
