// Package store journals collector exchanges and the insights derived
// from them in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store manages SQLite database operations for the exchange journal
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new Store instance with an in-memory or file-based SQLite database
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pooled connection to ":memory:" would open its own database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the database schema
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		socket_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running'
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		conn_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		request_id TEXT,
		span_id TEXT,
		timestamp TIMESTAMP NOT NULL,
		duration_us INTEGER DEFAULT 0,
		async INTEGER NOT NULL DEFAULT 0,
		priming INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT,
		body TEXT,
		response TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		exchange_id TEXT,
		type TEXT NOT NULL,
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		details TEXT,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_session_id ON exchanges(session_id);
	CREATE INDEX IF NOT EXISTS idx_exchanges_timestamp ON exchanges(timestamp);
	CREATE INDEX IF NOT EXISTS idx_exchanges_request_id ON exchanges(request_id);
	CREATE INDEX IF NOT EXISTS idx_insights_session_id ON insights(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateSession starts a new journal session for socketPath
func (s *Store) CreateSession(socketPath string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &Session{
		ID:         uuid.New().String(),
		StartedAt:  time.Now(),
		SocketPath: socketPath,
		Status:     StatusRunning,
	}

	_, err := s.db.Exec(
		"INSERT INTO sessions (id, started_at, socket_path, status) VALUES (?, ?, ?, ?)",
		session.ID, session.StartedAt, session.SocketPath, session.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// UpdateSessionStatus updates the status of a session
func (s *Store) UpdateSessionStatus(sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET status = ? WHERE id = ?", status, sessionID)
	return err
}

// GetSession retrieves a session by ID. It returns nil if there is none.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session := &Session{}
	err := s.db.QueryRow(
		"SELECT id, started_at, socket_path, status FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&session.ID, &session.StartedAt, &session.SocketPath, &session.Status)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}

// GetSessions lists sessions, newest first
func (s *Store) GetSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, started_at, socket_path, status FROM sessions ORDER BY started_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(&session.ID, &session.StartedAt, &session.SocketPath, &session.Status); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// SaveExchange saves an exchange to the journal
func (s *Store) SaveExchange(exchange *Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exchange.ID == "" {
		exchange.ID = uuid.New().String()
	}

	_, err := s.db.Exec(`
		INSERT INTO exchanges (
			id, session_id, conn_id, kind, request_id, span_id, timestamp,
			duration_us, async, priming, succeeded, result, error, body, response
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exchange.ID, exchange.SessionID, int64(exchange.ConnID), exchange.Kind,
		exchange.RequestID, exchange.SpanID, exchange.Timestamp, exchange.DurationUs,
		exchange.Async, exchange.Priming, exchange.Succeeded, exchange.Result,
		exchange.Error, exchange.Body, exchange.Response,
	)
	return err
}

// GetExchanges retrieves all exchanges for a session in send order
func (s *Store) GetExchanges(sessionID string) ([]*Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, conn_id, kind, request_id, span_id, timestamp,
			duration_us, async, priming, succeeded, result, error, body, response
		FROM exchanges WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []*Exchange
	for rows.Next() {
		exchange := &Exchange{}
		var connID int64
		var requestID, spanID, result, errStr, body, response sql.NullString
		err := rows.Scan(
			&exchange.ID, &exchange.SessionID, &connID, &exchange.Kind,
			&requestID, &spanID, &exchange.Timestamp, &exchange.DurationUs,
			&exchange.Async, &exchange.Priming, &exchange.Succeeded,
			&result, &errStr, &body, &response,
		)
		if err != nil {
			return nil, err
		}
		exchange.ConnID = uint64(connID)
		exchange.RequestID = requestID.String
		exchange.SpanID = spanID.String
		exchange.Result = result.String
		exchange.Error = errStr.String
		exchange.Body = body.String
		exchange.Response = response.String
		exchanges = append(exchanges, exchange)
	}

	return exchanges, rows.Err()
}

// SaveInsight saves an insight to the database
func (s *Store) SaveInsight(insight *Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if insight.ID == "" {
		insight.ID = uuid.New().String()
	}

	_, err := s.db.Exec(`
		INSERT INTO insights (id, session_id, exchange_id, type, category, title, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		insight.ID, insight.SessionID, insight.ExchangeID, insight.Type, insight.Category,
		insight.Title, insight.Details, insight.Timestamp,
	)
	return err
}

// GetInsights retrieves all insights for a session, newest first
func (s *Store) GetInsights(sessionID string) ([]*Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, exchange_id, type, category, title, details, timestamp
		FROM insights WHERE session_id = ? ORDER BY timestamp DESC, rowid DESC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		insight := &Insight{}
		var exchangeID, details sql.NullString
		err := rows.Scan(
			&insight.ID, &insight.SessionID, &exchangeID, &insight.Type,
			&insight.Category, &insight.Title, &details, &insight.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		insight.ExchangeID = exchangeID.String
		insight.Details = details.String
		insights = append(insights, insight)
	}

	return insights, rows.Err()
}

// ExportSession exports a session with its exchanges and insights as JSON
func (s *Store) ExportSession(sessionID string) ([]byte, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	exchanges, err := s.GetExchanges(sessionID)
	if err != nil {
		return nil, err
	}

	insights, err := s.GetInsights(sessionID)
	if err != nil {
		return nil, err
	}

	export := map[string]interface{}{
		"session":   session,
		"exchanges": exchanges,
		"insights":  insights,
	}

	return json.MarshalIndent(export, "", "  ")
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
