package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-kp/apm-agent/internal/store"
)

func setup(t *testing.T) (*Analyzer, *store.Store, string, *[]*store.Insight) {
	t.Helper()
	s, err := store.New("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	session, err := s.CreateSession("/tmp/core-agent.sock")
	require.NoError(t, err)

	var broadcast []*store.Insight
	a := New(Config{
		Store:         s,
		SessionID:     session.ID,
		SlowThreshold: 50 * time.Millisecond,
		OnInsight:     func(i *store.Insight) { broadcast = append(broadcast, i) },
	})
	return a, s, session.ID, &broadcast
}

func ok(sessionID, kind string, duration time.Duration) *store.Exchange {
	return &store.Exchange{
		ID:         kind + "-ok",
		SessionID:  sessionID,
		Kind:       kind,
		Timestamp:  time.Now(),
		DurationUs: duration.Microseconds(),
		Succeeded:  true,
		Result:     "Success",
		Response:   `{"` + kind + `":{"result":"Success"}}`,
	}
}

func categories(insights []*store.Insight) []string {
	var out []string
	for _, i := range insights {
		out = append(out, i.Category)
	}
	return out
}

func TestHealthyExchangeRaisesNothing(t *testing.T) {
	a, _, sessionID, broadcast := setup(t)

	assert.Empty(t, a.AnalyzeExchange(ok(sessionID, "StartSpan", time.Millisecond)))
	assert.Empty(t, *broadcast)
}

func TestSlowExchange(t *testing.T) {
	a, s, sessionID, broadcast := setup(t)

	insights := a.AnalyzeExchange(ok(sessionID, "StartSpan", 80*time.Millisecond))
	assert.Equal(t, []string{CategorySlow}, categories(insights))
	assert.Len(t, *broadcast, 1)

	saved, err := s.GetInsights(sessionID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "StartSpan-ok", saved[0].ExchangeID)
}

func TestAsyncExchangeIsNeverSlow(t *testing.T) {
	a, _, sessionID, _ := setup(t)

	exchange := ok(sessionID, "StopSpan", time.Second)
	exchange.Async = true
	exchange.Succeeded = false
	exchange.Response = ""
	assert.Empty(t, a.AnalyzeExchange(exchange))
}

func TestFailedExchange(t *testing.T) {
	a, _, sessionID, _ := setup(t)

	rejected := ok(sessionID, "TagSpan", time.Millisecond)
	rejected.Succeeded = false
	rejected.Response = `{"Failure":{"message":"unknown span"}}`
	insights := a.AnalyzeExchange(rejected)
	require.Equal(t, []string{CategoryFailed}, categories(insights))
	assert.Equal(t, "warning", insights[0].Type)

	broken := ok(sessionID, "TagSpan", time.Millisecond)
	broken.Succeeded = false
	broken.Response = ""
	broken.Error = "connection reset"
	insights = a.AnalyzeExchange(broken)
	require.Equal(t, []string{CategoryFailed}, categories(insights))
	assert.Equal(t, "error", insights[0].Type)
}

func TestFailureStreak(t *testing.T) {
	a, _, sessionID, _ := setup(t)

	failing := func() *store.Exchange {
		e := ok(sessionID, "Register", time.Millisecond)
		e.Succeeded = false
		e.Response = ""
		e.Error = "timed out"
		return e
	}

	for i := 0; i < streakLength-1; i++ {
		assert.NotContains(t, categories(a.AnalyzeExchange(failing())), CategoryStreak)
	}
	assert.Contains(t, categories(a.AnalyzeExchange(failing())), CategoryStreak)

	// A success resets the streak.
	a.AnalyzeExchange(ok(sessionID, "Register", time.Millisecond))
	assert.NotContains(t, categories(a.AnalyzeExchange(failing())), CategoryStreak)
}

func TestProtocolViolation(t *testing.T) {
	a, _, sessionID, _ := setup(t)

	misrouted := ok(sessionID, "StartSpan", time.Millisecond)
	misrouted.Response = `{"StopSpan":{"result":"Success"}}`
	assert.Equal(t, []string{CategoryViolation}, categories(a.AnalyzeExchange(misrouted)))

	crowded := ok(sessionID, "StartSpan", time.Millisecond)
	crowded.Response = `{"StartSpan":{},"StopSpan":{}}`
	assert.Equal(t, []string{CategoryViolation}, categories(a.AnalyzeExchange(crowded)))
}

func TestSummary(t *testing.T) {
	a, s, sessionID, _ := setup(t)

	good := ok(sessionID, "StartRequest", 10*time.Millisecond)
	good.ID = ""
	require.NoError(t, s.SaveExchange(good))

	slow := ok(sessionID, "FinishRequest", 30*time.Millisecond)
	slow.ID = ""
	require.NoError(t, s.SaveExchange(slow))

	async := ok(sessionID, "StopSpan", time.Second)
	async.ID = ""
	async.Async = true
	async.Succeeded = false
	require.NoError(t, s.SaveExchange(async))

	failed := ok(sessionID, "StartRequest", 20*time.Millisecond)
	failed.ID = ""
	failed.Succeeded = false
	require.NoError(t, s.SaveExchange(failed))
	a.AnalyzeExchange(failed)

	summary, err := a.Summary()
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalExchanges)
	assert.Equal(t, 1, summary.TotalInsights)
	assert.Equal(t, 1, summary.FailureCount)
	assert.Equal(t, 3, summary.SuccessCount)
	assert.Equal(t, 1, summary.AsyncCount)
	assert.Equal(t, 20*time.Millisecond, summary.AvgDuration)
	assert.Equal(t, 2, summary.KindCounts["StartRequest"])
}
