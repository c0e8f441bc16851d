package protocol

import (
	"encoding/json"
	"time"
)

// Kind names a protocol message. It is also the single top-level JSON key
// of every frame on the wire.
type Kind string

// Message kinds understood by the collector
const (
	KindGetVersion       Kind = "CoreAgentVersion"
	KindRegister         Kind = "Register"
	KindStartRequest     Kind = "StartRequest"
	KindFinishRequest    Kind = "FinishRequest"
	KindTagRequest       Kind = "TagRequest"
	KindStartSpan        Kind = "StartSpan"
	KindStopSpan         Kind = "StopSpan"
	KindTagSpan          Kind = "TagSpan"
	KindApplicationEvent Kind = "ApplicationEvent"

	// KindFailure is only ever received: the collector reports an error.
	KindFailure Kind = "Failure"

	// KindUnknown marks a decoded response whose shape matched no known kind.
	KindUnknown Kind = "Unknown"
)

// Known reports whether k is one of the request-side message kinds.
func (k Kind) Known() bool {
	switch k {
	case KindGetVersion, KindRegister, KindStartRequest, KindFinishRequest, KindTagRequest,
		KindStartSpan, KindStopSpan, KindTagSpan, KindApplicationEvent:
		return true
	}
	return false
}

// Message is an outbound protocol unit. It is immutable once built; use
// the New* constructors.
type Message struct {
	kind    Kind
	payload any
}

// Kind returns the message kind
func (m Message) Kind() Kind {
	return m.kind
}

// Payload returns the JSON-serializable body of the message.
func (m Message) Payload() any {
	return m.payload
}

// IsZero reports whether m is the zero Message (no kind, nothing to send).
func (m Message) IsZero() bool {
	return m.kind == ""
}

// MarshalJSON renders the message as a single-key object: {"<Kind>": payload}.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[Kind]any{m.kind: m.payload})
}

// VersionPayload is the (empty) body of a CoreAgentVersion query.
type VersionPayload struct{}

// RegisterPayload identifies the application to the collector.
type RegisterPayload struct {
	APIVersion string `json:"api_version"`
	App        string `json:"app"`
	Key        string `json:"key"`
}

// RequestPayload is the body of StartRequest and FinishRequest.
type RequestPayload struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TagRequestPayload attaches a tag to a request.
type TagRequestPayload struct {
	RequestID string    `json:"request_id"`
	Tag       string    `json:"tag"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// StartSpanPayload opens a span. ParentID is omitted for spans directly
// under the request.
type StartSpanPayload struct {
	Operation string    `json:"operation"`
	RequestID string    `json:"request_id"`
	SpanID    string    `json:"span_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StopSpanPayload closes a span.
type StopSpanPayload struct {
	RequestID string    `json:"request_id"`
	SpanID    string    `json:"span_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TagSpanPayload attaches a tag to a span.
type TagSpanPayload struct {
	RequestID string    `json:"request_id"`
	SpanID    string    `json:"span_id"`
	Tag       string    `json:"tag"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ApplicationEventPayload carries application-level events such as the
// app metadata sent once per connection.
type ApplicationEventPayload struct {
	Source     string    `json:"source"`
	EventType  string    `json:"event_type"`
	EventValue any       `json:"event_value"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewGetVersion builds a collector version query.
func NewGetVersion() Message {
	return Message{kind: KindGetVersion, payload: VersionPayload{}}
}

// NewRegister builds the registration handshake message.
func NewRegister(app, key, apiVersion string) Message {
	return Message{kind: KindRegister, payload: RegisterPayload{
		APIVersion: apiVersion,
		App:        app,
		Key:        key,
	}}
}

// NewStartRequest builds a StartRequest message.
func NewStartRequest(requestID string, timestamp time.Time) Message {
	return Message{kind: KindStartRequest, payload: RequestPayload{
		RequestID: requestID,
		Timestamp: timestamp.UTC(),
	}}
}

// NewFinishRequest builds a FinishRequest message.
func NewFinishRequest(requestID string, timestamp time.Time) Message {
	return Message{kind: KindFinishRequest, payload: RequestPayload{
		RequestID: requestID,
		Timestamp: timestamp.UTC(),
	}}
}

// NewTagRequest builds a TagRequest message.
func NewTagRequest(requestID, tag string, value any, timestamp time.Time) Message {
	return Message{kind: KindTagRequest, payload: TagRequestPayload{
		RequestID: requestID,
		Tag:       tag,
		Value:     value,
		Timestamp: timestamp.UTC(),
	}}
}

// NewStartSpan builds a StartSpan message. Pass an empty parentID for a
// span that hangs directly off the request.
func NewStartSpan(requestID, spanID, parentID, operation string, timestamp time.Time) Message {
	return Message{kind: KindStartSpan, payload: StartSpanPayload{
		Operation: operation,
		RequestID: requestID,
		SpanID:    spanID,
		ParentID:  parentID,
		Timestamp: timestamp.UTC(),
	}}
}

// NewStopSpan builds a StopSpan message.
func NewStopSpan(requestID, spanID string, timestamp time.Time) Message {
	return Message{kind: KindStopSpan, payload: StopSpanPayload{
		RequestID: requestID,
		SpanID:    spanID,
		Timestamp: timestamp.UTC(),
	}}
}

// NewTagSpan builds a TagSpan message.
func NewTagSpan(requestID, spanID, tag string, value any, timestamp time.Time) Message {
	return Message{kind: KindTagSpan, payload: TagSpanPayload{
		RequestID: requestID,
		SpanID:    spanID,
		Tag:       tag,
		Value:     value,
		Timestamp: timestamp.UTC(),
	}}
}

// NewApplicationEvent builds an ApplicationEvent message.
func NewApplicationEvent(source, eventType string, value any, timestamp time.Time) Message {
	return Message{kind: KindApplicationEvent, payload: ApplicationEventPayload{
		Source:     source,
		EventType:  eventType,
		EventValue: value,
		Timestamp:  timestamp.UTC(),
	}}
}
