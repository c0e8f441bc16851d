package trace

import (
	"context"

	"github.com/google/uuid"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// Request is the root of a trace tree
type Request struct {
	node
}

var _ Traceable = (*Request)(nil)

// NewRequest creates an unstarted request.
func (t *Tracer) NewRequest() *Request {
	return &Request{node: node{
		tracer: t,
		id:     "req-" + uuid.NewString(),
	}}
}

// StartRequest creates a request and starts it.
func (t *Tracer) StartRequest() *Request {
	r := t.NewRequest()
	r.Start()
	return r
}

// Stop stops every span under the request, then the request itself.
func (r *Request) Stop() {
	r.stop()
}

// StartChildSpan starts a span directly under the request.
func (r *Request) StartChildSpan(operation string) (*Span, error) {
	span := r.tracer.newSpan(r, nil, operation)
	if err := r.attach(span); err != nil {
		return nil, err
	}
	span.Start()
	return span, nil
}

// Spans returns the spans directly under the request.
func (r *Request) Spans() []*Span {
	return r.Children()
}

// Send stops the request if needed and transmits the whole tree. It is
// safe to call concurrently; the tree is transmitted once.
func (r *Request) Send(ctx context.Context) error {
	return r.send(ctx, r.Stop, r)
}

func (r *Request) startMessage() protocol.Message {
	return protocol.NewStartRequest(r.id, r.StartTime())
}

func (r *Request) tagMessage(tag Tag) protocol.Message {
	return protocol.NewTagRequest(r.id, tag.Name, tag.Value, tag.At)
}

func (r *Request) stopMessage() protocol.Message {
	return protocol.NewFinishRequest(r.id, r.EndTime())
}
