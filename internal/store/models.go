package store

import (
	"time"
)

// Session statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Session is one run of the agent against a collector socket
type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	SocketPath string    `json:"socket_path"`
	Status     string    `json:"status"` // "running", "completed", "error"
}

// Exchange is one message sent to the collector and its outcome
type Exchange struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ConnID     uint64    `json:"conn_id"`
	Kind       string    `json:"kind"` // protocol message kind like "StartSpan"
	RequestID  string    `json:"request_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationUs int64     `json:"duration_us"`
	Async      bool      `json:"async"`
	Priming    bool      `json:"priming"`
	Succeeded  bool      `json:"succeeded"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Body       string    `json:"body"`               // JSON frame payload as sent
	Response   string    `json:"response,omitempty"` // JSON frame payload as received
}

// Duration returns the exchange's round-trip time.
func (e *Exchange) Duration() time.Duration {
	return time.Duration(e.DurationUs) * time.Microsecond
}

// Insight represents an automatically detected issue or pattern
type Insight struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Type       string    `json:"type"`     // "error", "warning", "info"
	Category   string    `json:"category"` // "slow_exchange", "failed_exchange", "failure_streak"
	Title      string    `json:"title"`
	Details    string    `json:"details"`
	Timestamp  time.Time `json:"timestamp"`
}

// FeedEvent is pushed to live feed viewers
type FeedEvent struct {
	Type    string      `json:"type"` // "exchange", "insight", "session_status"
	Payload interface{} `json:"payload"`
}
