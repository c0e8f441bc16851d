package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harry-kp/apm-agent/internal/agent"
	"github.com/harry-kp/apm-agent/internal/analyzer"
	"github.com/harry-kp/apm-agent/internal/protocol"
	"github.com/harry-kp/apm-agent/internal/store"
	"github.com/harry-kp/apm-agent/internal/websocket"
)

// monitor journals every collector exchange of one session, runs the
// analyzer over it, and pushes both to live feed viewers.
type monitor struct {
	store    *store.Store
	session  *store.Session
	hub      *websocket.Hub
	analyzer *analyzer.Analyzer
	logger   *slog.Logger

	stopHub context.CancelFunc
}

// openMonitor opens the journal at journalPath (in-memory when empty) and
// starts a session for socketPath.
func openMonitor(journalPath, socketPath string, slowThreshold time.Duration, logger *slog.Logger) (*monitor, error) {
	dataStore, err := store.New(journalPath)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	session, err := dataStore.CreateSession(socketPath)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("creating session: %w", err)
	}

	hub := websocket.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	m := &monitor{
		store:   dataStore,
		session: session,
		hub:     hub,
		logger:  logger,
		stopHub: cancel,
	}
	m.analyzer = analyzer.New(analyzer.Config{
		Store:         dataStore,
		SessionID:     session.ID,
		SlowThreshold: slowThreshold,
		OnInsight: func(insight *store.Insight) {
			hub.BroadcastInsight(insight)
			logger.Debug("insight", "category", insight.Category, "title", insight.Title)
		},
	})

	logger.Info("journal session started", "session", session.ID, "journal", journalPath)
	return m, nil
}

// Observe is an agent.Client observer.
func (m *monitor) Observe(exchange agent.Exchange) {
	record := newRecord(m.session.ID, exchange)
	if err := m.store.SaveExchange(record); err != nil {
		m.logger.Warn("failed to journal exchange", "kind", record.Kind, "error", err)
		return
	}
	m.hub.BroadcastExchange(record)
	m.analyzer.AnalyzeExchange(record)
}

// Close ends the session with status and closes the journal.
func (m *monitor) Close(status string) error {
	if err := m.store.UpdateSessionStatus(m.session.ID, status); err != nil {
		m.logger.Warn("failed to update session status", "error", err)
	} else {
		m.session.Status = status
		m.hub.BroadcastSessionStatus(m.session)
	}
	m.stopHub()
	return m.store.Close()
}

// newRecord converts an agent exchange into its journal form.
func newRecord(sessionID string, exchange agent.Exchange) *store.Exchange {
	record := &store.Exchange{
		SessionID:  sessionID,
		ConnID:     exchange.ConnID,
		Kind:       string(exchange.Kind),
		Timestamp:  exchange.Started,
		DurationUs: exchange.Duration.Microseconds(),
		Async:      exchange.Async,
		Priming:    exchange.Priming,
		Succeeded:  !exchange.Async && !exchange.Failed(),
	}
	record.RequestID, record.SpanID = traceIDs(exchange.Message)

	if body, err := json.Marshal(exchange.Message); err == nil {
		record.Body = string(body)
	}
	if exchange.Err != nil {
		record.Error = exchange.Err.Error()
	}

	response := exchange.Response
	if len(response.Raw) > 0 {
		record.Response = string(response.Raw)
	}
	switch {
	case response.Kind == protocol.KindFailure:
		record.Result = string(protocol.KindFailure)
	case response.Version != "":
		record.Result = response.Version
	default:
		record.Result = response.Result
	}
	return record
}

// traceIDs returns the request and span a message belongs to, if any.
func traceIDs(message protocol.Message) (requestID, spanID string) {
	switch payload := message.Payload().(type) {
	case protocol.RequestPayload:
		return payload.RequestID, ""
	case protocol.TagRequestPayload:
		return payload.RequestID, ""
	case protocol.StartSpanPayload:
		return payload.RequestID, payload.SpanID
	case protocol.StopSpanPayload:
		return payload.RequestID, payload.SpanID
	case protocol.TagSpanPayload:
		return payload.RequestID, payload.SpanID
	}
	return "", ""
}
