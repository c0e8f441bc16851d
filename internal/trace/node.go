package trace

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// Tag is a named value attached to a request or span. Values are scalars
// or lists of scalars.
type Tag struct {
	Name  string
	Value any
	At    time.Time
}

// Traceable is the lifecycle shared by requests and spans.
type Traceable interface {
	ID() string
	Start()
	Stop()
	Send(ctx context.Context) error
	AddTag(name string, value any) error
	StartChildSpan(operation string) (*Span, error)
	Ignore()
}

// events renders a node's wire messages.
type events interface {
	startMessage() protocol.Message
	tagMessage(tag Tag) protocol.Message
	stopMessage() protocol.Message
}

// node holds the state shared by Request and Span.
type node struct {
	tracer *Tracer
	id     string

	mu        sync.Mutex
	started   bool
	stopped   bool
	sent      bool
	ignored   bool
	startTime time.Time
	endTime   time.Time
	tags      []Tag
	children  []*Span

	sending singleflight.Group
}

// ID returns the node's identifier.
func (n *node) ID() string {
	return n.id
}

// Start records the start time. Starting twice has no effect.
func (n *node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true
	n.startTime = n.tracer.now()
}

// stop closes the node after stopping every child, so a child never ends
// after its parent. It reports false if the node was already stopped.
func (n *node) stop() bool {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return false
	}
	if !n.started {
		n.started = true
		n.startTime = n.tracer.now()
	}
	n.stopped = true
	children := append([]*Span(nil), n.children...)
	n.mu.Unlock()

	for _, child := range children {
		child.Stop()
	}

	n.mu.Lock()
	n.endTime = n.tracer.now()
	n.mu.Unlock()
	return true
}

// AddTag attaches a tag. Tagging a name again replaces its value in place.
func (n *node) AddTag(name string, value any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent {
		return ErrSent
	}
	n.setTagLocked(name, value)
	return nil
}

func (n *node) setTagLocked(name string, value any) {
	tag := Tag{Name: name, Value: value, At: n.tracer.now()}
	for i := range n.tags {
		if n.tags[i].Name == name {
			n.tags[i] = tag
			return
		}
	}
	n.tags = append(n.tags, tag)
}

// Ignore marks the node and all of its descendants to skip transmission.
// Spans started later inherit the mark.
func (n *node) Ignore() {
	n.mu.Lock()
	n.ignored = true
	children := append([]*Span(nil), n.children...)
	n.mu.Unlock()

	for _, child := range children {
		child.Ignore()
	}
}

// attach links a new child span, refusing once the node has stopped.
func (n *node) attach(child *Span) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrFinished
	}
	child.ignored = n.ignored
	n.children = append(n.children, child)
	return nil
}

// send transmits the node at most once. Concurrent callers share one
// transmission.
func (n *node) send(ctx context.Context, stop func(), wire events) error {
	_, err, _ := n.sending.Do(n.id, func() (any, error) {
		return nil, n.transmit(ctx, stop, wire)
	})
	return err
}

// transmit writes start, then every child subtree, then each tag, then
// stop. Ignored subtrees complete locally without touching the wire.
func (n *node) transmit(ctx context.Context, stop func(), wire events) error {
	if n.IsSent() {
		return nil
	}
	stop()

	if n.IsIgnored() {
		for _, child := range n.Children() {
			if err := child.Send(ctx); err != nil {
				return err
			}
		}
		n.markSent()
		return nil
	}

	if err := n.tracer.deliver(ctx, wire.startMessage()); err != nil {
		return err
	}
	for _, child := range n.Children() {
		if err := child.Send(ctx); err != nil {
			return err
		}
	}
	for _, tag := range n.Tags() {
		if err := n.tracer.deliver(ctx, wire.tagMessage(tag)); err != nil {
			return err
		}
	}
	if err := n.tracer.deliver(ctx, wire.stopMessage()); err != nil {
		return err
	}

	n.markSent()
	n.tracer.logger.Debug("sent trace node", "id", n.id)
	return nil
}

func (n *node) markSent() {
	n.mu.Lock()
	n.sent = true
	n.mu.Unlock()
}

// Tags returns a copy of the node's tags in insertion order.
func (n *node) Tags() []Tag {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Tag(nil), n.tags...)
}

// Children returns the node's direct child spans.
func (n *node) Children() []*Span {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Span(nil), n.children...)
}

// StartTime returns when the node started.
func (n *node) StartTime() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.startTime
}

// EndTime returns when the node stopped, or the zero time.
func (n *node) EndTime() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endTime
}

// Duration returns the time between start and stop. It is zero until
// the node stops.
func (n *node) Duration() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endTime.IsZero() {
		return 0
	}
	return n.endTime.Sub(n.startTime)
}

func (n *node) IsStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

func (n *node) IsStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

func (n *node) IsSent() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *node) IsIgnored() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ignored
}
