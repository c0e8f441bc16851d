package protocol

import (
	"encoding/json"
	"fmt"
)

// resultSuccess is the result string the collector uses for success.
const resultSuccess = "Success"

// Response is a decoded collector reply.
type Response struct {
	Kind    Kind
	Result  string
	Version string
	Message string
	Raw     json.RawMessage
}

// Succeeded reports whether the collector accepted the message.
func (r Response) Succeeded() bool {
	switch r.Kind {
	case KindFailure, KindUnknown, "":
		return false
	case KindGetVersion:
		return r.Version != ""
	default:
		return r.Result == resultSuccess
	}
}

// Err returns nil for a successful response and a *FailureError otherwise.
func (r Response) Err() error {
	if r.Succeeded() {
		return nil
	}
	return &FailureError{Kind: r.Kind, Result: r.Result, Message: r.Message}
}

// FailureError describes a reply that did not report success: an explicit
// Failure, an unrecognized shape, or a non-success result.
type FailureError struct {
	Kind    Kind
	Result  string
	Message string
}

func (e *FailureError) Error() string {
	switch e.Kind {
	case KindFailure:
		return fmt.Sprintf("collector failure: %s", e.Message)
	case KindUnknown:
		return "collector sent an unknown response"
	default:
		return fmt.Sprintf("collector rejected %s: result %q", e.Kind, e.Result)
	}
}
