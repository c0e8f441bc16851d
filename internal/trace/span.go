package trace

import (
	"context"
	"runtime"

	"github.com/google/uuid"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// stackTag is the tag a slow span's captured call stack is kept under.
const stackTag = "stack"

// Span is a timed operation inside a request
type Span struct {
	node

	request   *Request
	parent    *Span
	operation string

	// callers is captured at start and dropped at stop unless the span
	// turns out slow.
	callers []uintptr
}

var _ Traceable = (*Span)(nil)

func (t *Tracer) newSpan(request *Request, parent *Span, operation string) *Span {
	return &Span{
		node: node{
			tracer: t,
			id:     "span-" + uuid.NewString(),
		},
		request:   request,
		parent:    parent,
		operation: operation,
	}
}

// Operation returns the span's operation name.
func (s *Span) Operation() string {
	return s.operation
}

// Request returns the request the span belongs to.
func (s *Span) Request() *Request {
	return s.request
}

// Parent returns the enclosing span, or nil for a top-level span.
func (s *Span) Parent() *Span {
	return s.parent
}

// Start records the start time and captures the caller's stack.
func (s *Span) Start() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		return
	}

	var callers []uintptr
	if limit := s.tracer.frameLimit; limit > 0 {
		callers = make([]uintptr, limit)
		// Skip runtime.Callers, Start, and StartChildSpan.
		callers = callers[:runtime.Callers(3, callers)]
	}

	s.mu.Lock()
	s.callers = callers
	s.mu.Unlock()
	s.node.Start()
}

// Stop stops every child span, then this one. A span at or above the
// slow threshold keeps its captured stack as the "stack" tag.
func (s *Span) Stop() {
	if !s.stop() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	callers := s.callers
	s.callers = nil
	if len(callers) > 0 && s.endTime.Sub(s.startTime) >= s.tracer.slowThreshold {
		s.setTagLocked(stackTag, stackFrames(callers))
	}
}

// StartChildSpan starts a span nested under this one.
func (s *Span) StartChildSpan(operation string) (*Span, error) {
	child := s.tracer.newSpan(s.request, s, operation)
	if err := s.attach(child); err != nil {
		return nil, err
	}
	child.Start()
	return child, nil
}

// Send stops the span if needed and transmits it with its children.
func (s *Span) Send(ctx context.Context) error {
	return s.send(ctx, s.Stop, s)
}

func (s *Span) parentID() string {
	if s.parent == nil {
		return ""
	}
	return s.parent.id
}

func (s *Span) startMessage() protocol.Message {
	return protocol.NewStartSpan(s.request.id, s.id, s.parentID(), s.operation, s.StartTime())
}

func (s *Span) tagMessage(tag Tag) protocol.Message {
	return protocol.NewTagSpan(s.request.id, s.id, tag.Name, tag.Value, tag.At)
}

func (s *Span) stopMessage() protocol.Message {
	return protocol.NewStopSpan(s.request.id, s.id, s.EndTime())
}
