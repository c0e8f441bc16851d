// Package analyzer watches journaled collector exchanges and raises
// insights for slow, failed, and misrouted ones.
package analyzer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harry-kp/apm-agent/internal/store"
)

// Insight categories
const (
	CategorySlow      = "slow_exchange"
	CategoryFailed    = "failed_exchange"
	CategoryStreak    = "failure_streak"
	CategoryViolation = "protocol_violation"
)

// streakLength is how many consecutive failures of one kind raise a
// failure streak insight.
const streakLength = 5

// Analyzer detects patterns and issues in collector traffic
type Analyzer struct {
	store         *store.Store
	sessionID     string
	slowThreshold time.Duration
	onInsight     func(*store.Insight)

	mu          sync.Mutex
	kindStreaks map[string]int
}

// Config holds analyzer configuration
type Config struct {
	Store         *store.Store
	SessionID     string
	SlowThreshold time.Duration
	OnInsight     func(*store.Insight)
}

// Summary aggregates a session's exchanges
type Summary struct {
	TotalExchanges int            `json:"total_exchanges"`
	TotalInsights  int            `json:"total_insights"`
	FailureCount   int            `json:"failure_count"`
	SuccessCount   int            `json:"success_count"`
	AsyncCount     int            `json:"async_count"`
	AvgDuration    time.Duration  `json:"avg_duration"`
	KindCounts     map[string]int `json:"kind_counts"`
}

// New creates a new Analyzer instance
func New(cfg Config) *Analyzer {
	threshold := cfg.SlowThreshold
	if threshold == 0 {
		threshold = 100 * time.Millisecond
	}

	return &Analyzer{
		store:         cfg.Store,
		sessionID:     cfg.SessionID,
		slowThreshold: threshold,
		onInsight:     cfg.OnInsight,
		kindStreaks:   make(map[string]int),
	}
}

// AnalyzeExchange checks one exchange, saves any insights it produces,
// and hands each saved insight to the OnInsight callback.
func (a *Analyzer) AnalyzeExchange(exchange *store.Exchange) []*store.Insight {
	var insights []*store.Insight

	a.mu.Lock()
	failed := exchange.Error != "" || (!exchange.Async && !exchange.Succeeded)
	if failed {
		a.kindStreaks[exchange.Kind]++
	} else {
		a.kindStreaks[exchange.Kind] = 0
	}
	streak := a.kindStreaks[exchange.Kind]
	a.mu.Unlock()

	if insight := a.checkSlow(exchange); insight != nil {
		insights = append(insights, insight)
	}
	if failed {
		insights = append(insights, a.failedInsight(exchange))
	}
	if insight := a.checkViolation(exchange); insight != nil {
		insights = append(insights, insight)
	}
	if failed && streak%streakLength == 0 {
		insights = append(insights, a.newInsight(exchange, "error", CategoryStreak,
			"Repeated Collector Failures",
			formatDetails(map[string]interface{}{
				"kind":        exchange.Kind,
				"consecutive": streak,
				"suggestion":  "Check that the collector is running and accepts this app's registration",
			})))
	}

	saved := insights[:0]
	for _, insight := range insights {
		if a.store != nil {
			if err := a.store.SaveInsight(insight); err != nil {
				continue
			}
		}
		saved = append(saved, insight)
		if a.onInsight != nil {
			a.onInsight(insight)
		}
	}

	return saved
}

// checkSlow flags a reply that took longer than the threshold. Async
// exchanges only measure the write and are never slow.
func (a *Analyzer) checkSlow(exchange *store.Exchange) *store.Insight {
	if exchange.Async || exchange.Duration() <= a.slowThreshold {
		return nil
	}

	return a.newInsight(exchange, "warning", CategorySlow, "Slow Collector Reply",
		formatDetails(map[string]interface{}{
			"kind":        exchange.Kind,
			"duration_ms": exchange.Duration().Milliseconds(),
			"conn_id":     exchange.ConnID,
			"suggestion":  "The collector may be overloaded or blocked on its upstream",
		}))
}

func (a *Analyzer) failedInsight(exchange *store.Exchange) *store.Insight {
	insightType := "warning"
	title := fmt.Sprintf("Collector Rejected %s", exchange.Kind)
	if exchange.Error != "" {
		insightType = "error"
		title = fmt.Sprintf("%s Exchange Failed", exchange.Kind)
	}

	return a.newInsight(exchange, insightType, CategoryFailed, title,
		formatDetails(map[string]interface{}{
			"kind":       exchange.Kind,
			"error":      exchange.Error,
			"result":     exchange.Result,
			"request_id": exchange.RequestID,
			"conn_id":    exchange.ConnID,
		}))
}

// checkViolation flags a reply whose kind does not match the message it
// answers, which means replies on the connection are out of step.
func (a *Analyzer) checkViolation(exchange *store.Exchange) *store.Insight {
	if exchange.Response == "" {
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(exchange.Response), &envelope); err != nil {
		return nil
	}

	var problem string
	switch {
	case len(envelope) != 1:
		problem = fmt.Sprintf("reply has %d top-level keys, want 1", len(envelope))
	default:
		for key := range envelope {
			if key != exchange.Kind && key != "Failure" {
				problem = fmt.Sprintf("reply to %s is keyed %s", exchange.Kind, key)
			}
		}
	}
	if problem == "" {
		return nil
	}

	return a.newInsight(exchange, "warning", CategoryViolation, "Protocol Violation",
		formatDetails(map[string]interface{}{
			"kind":    exchange.Kind,
			"problem": problem,
			"conn_id": exchange.ConnID,
		}))
}

func (a *Analyzer) newInsight(exchange *store.Exchange, insightType, category, title, details string) *store.Insight {
	return &store.Insight{
		ID:         uuid.New().String(),
		SessionID:  a.sessionID,
		ExchangeID: exchange.ID,
		Type:       insightType,
		Category:   category,
		Title:      title,
		Details:    details,
		Timestamp:  time.Now(),
	}
}

// Summary returns aggregate statistics for the session
func (a *Analyzer) Summary() (Summary, error) {
	summary := Summary{KindCounts: make(map[string]int)}
	if a.store == nil {
		return summary, nil
	}

	exchanges, err := a.store.GetExchanges(a.sessionID)
	if err != nil {
		return summary, err
	}
	insights, err := a.store.GetInsights(a.sessionID)
	if err != nil {
		return summary, err
	}

	var total time.Duration
	var timed int
	for _, exchange := range exchanges {
		summary.KindCounts[exchange.Kind]++
		switch {
		case exchange.Error != "" || (!exchange.Async && !exchange.Succeeded):
			summary.FailureCount++
		default:
			summary.SuccessCount++
		}
		if exchange.Async {
			summary.AsyncCount++
			continue
		}
		total += exchange.Duration()
		timed++
	}

	summary.TotalExchanges = len(exchanges)
	summary.TotalInsights = len(insights)
	if timed > 0 {
		summary.AvgDuration = total / time.Duration(timed)
	}
	return summary, nil
}

func formatDetails(data map[string]interface{}) string {
	bytes, _ := json.MarshalIndent(data, "", "  ")
	return string(bytes)
}
