package agent

import (
	"time"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

// Exchange records one message sent to the collector and its outcome.
type Exchange struct {
	ConnID   uint64
	Kind     protocol.Kind
	Message  protocol.Message
	Response protocol.Response
	Err      error
	Started  time.Time
	Duration time.Duration

	// Async exchanges have no Response; the reply was discarded.
	Async bool
	// Priming exchanges were sent by the client itself to register a
	// connection or announce app metadata.
	Priming bool
}

// Failed reports whether the exchange errored or the collector did not
// report success.
func (e Exchange) Failed() bool {
	if e.Err != nil {
		return true
	}
	return !e.Async && !e.Response.Succeeded()
}
