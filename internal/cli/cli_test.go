package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-kp/apm-agent/internal/agent"
	"github.com/harry-kp/apm-agent/internal/collectortest"
	"github.com/harry-kp/apm-agent/internal/protocol"
	"github.com/harry-kp/apm-agent/internal/store"
)

// lockedBuffer is a bytes.Buffer safe for a command writing on another
// goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execute runs the command tree with args and returns its output.
func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(Options{Out: &out, Err: io.Discard})
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestPing(t *testing.T) {
	server := collectortest.New(t)

	out, err := execute(t, context.Background(), "ping", "--socket", server.SocketPath(), "-n", "2")
	require.NoError(t, err)

	assert.Contains(t, out, "collector 1.4.0 answered in")
	assert.Equal(t, []protocol.Kind{protocol.KindGetVersion, protocol.KindGetVersion}, server.Kinds())
}

func TestPingWithoutCollector(t *testing.T) {
	socket := filepath.Join(collectortest.SocketDir(t), "missing.sock")

	_, err := execute(t, context.Background(), "ping", "--socket", socket)
	assert.Error(t, err)
}

func TestInvalidFlagValuesAreRejected(t *testing.T) {
	_, err := execute(t, context.Background(), "ping", "--log-level", "loud")
	assert.Error(t, err)
}

func TestTraceDemoSendsRequestTree(t *testing.T) {
	server := collectortest.New(t)
	journal := filepath.Join(t.TempDir(), "journal.db")

	out, err := execute(t, context.Background(),
		"trace-demo", "--socket", server.SocketPath(), "--no-launch", "--journal", journal)
	require.NoError(t, err)
	assert.Contains(t, out, "sent (3 spans")
	assert.Contains(t, out, "APM Agent Summary")

	assert.Equal(t, []protocol.Kind{
		protocol.KindStartRequest,
		protocol.KindStartSpan, // Controller/demo
		protocol.KindStartSpan, // SQL/Query
		protocol.KindTagSpan,
		protocol.KindStopSpan,
		protocol.KindStartSpan, // Template/Render
		protocol.KindStopSpan,
		protocol.KindStopSpan,
		protocol.KindTagRequest,
		protocol.KindFinishRequest,
	}, server.Kinds())

	dataStore, err := store.New(journal)
	require.NoError(t, err)
	defer dataStore.Close()

	sessions, err := dataStore.GetSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.StatusCompleted, sessions[0].Status)

	exchanges, err := dataStore.GetExchanges(sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, exchanges, 10)
	assert.Equal(t, "StartRequest", exchanges[0].Kind)
	assert.NotEmpty(t, exchanges[0].RequestID)
	assert.NotEmpty(t, exchanges[1].SpanID)
	assert.True(t, exchanges[0].Succeeded)
}

func TestJournalListAndExport(t *testing.T) {
	server := collectortest.New(t)
	journal := filepath.Join(t.TempDir(), "journal.db")

	_, err := execute(t, context.Background(),
		"trace-demo", "--socket", server.SocketPath(), "--no-launch", "--journal", journal)
	require.NoError(t, err)

	out, err := execute(t, context.Background(), "journal", "list", "--journal", journal)
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, store.StatusCompleted)
	assert.Contains(t, out, server.SocketPath())

	dataStore, err := store.New(journal)
	require.NoError(t, err)
	sessions, err := dataStore.GetSessions()
	require.NoError(t, err)
	require.NoError(t, dataStore.Close())
	require.Len(t, sessions, 1)

	exportPath := filepath.Join(t.TempDir(), "export.json")
	out, err = execute(t, context.Background(), "journal", "export", sessions[0].ID, "--journal", journal, "-o", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported session")

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FinishRequest"`)
}

func TestJournalRequiresPath(t *testing.T) {
	_, err := execute(t, context.Background(), "journal", "list")
	assert.ErrorContains(t, err, "no journal configured")
}

func TestRunUntilCancelled(t *testing.T) {
	server := collectortest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var published []*agent.Client
	out := &lockedBuffer{}
	root := NewRootCommand(Options{
		Out: out,
		Err: io.Discard,
		OnClient: func(client *agent.Client) {
			published = append(published, client)
		},
	})
	root.SetArgs([]string{"run", "--socket", server.SocketPath()})

	done := make(chan error, 1)
	go func() {
		done <- root.ExecuteContext(ctx)
	}()

	collectortest.WaitFor(t, 2*time.Second, func() bool {
		return strings.Contains(out.String(), "Connected to collector 1.4.0")
	}, "version reply")
	assert.Equal(t, []protocol.Kind{protocol.KindGetVersion}, server.Kinds())
	cancel()

	require.NoError(t, collectortest.RequireReceive(t, done, 2*time.Second, "run to return"))
	assert.Contains(t, out.String(), "APM Agent Summary")

	require.Len(t, published, 2)
	assert.NotNil(t, published[0])
	assert.Nil(t, published[1])
}

func TestMockCollectorFailsListedKinds(t *testing.T) {
	socket := filepath.Join(collectortest.SocketDir(t), "mock.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mockOut bytes.Buffer
	mock := NewMockCollectorCommand(Options{Out: &mockOut, Err: io.Discard})
	mock.SetArgs([]string{"start", "--socket", socket, "--fail", "StartSpan"})

	done := make(chan error, 1)
	go func() {
		done <- mock.ExecuteContext(ctx)
	}()
	collectortest.WaitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, "mock collector socket")

	_, err := execute(t, context.Background(), "trace-demo", "--socket", socket, "--no-launch")
	var failure *protocol.FailureError
	require.True(t, errors.As(err, &failure), "got %v", err)
	assert.Equal(t, protocol.KindFailure, failure.Kind)
	assert.Contains(t, failure.Message, "StartSpan rejected by mock collector")

	cancel()
	require.NoError(t, collectortest.RequireReceive(t, done, 2*time.Second, "mock collector to stop"))
	assert.Contains(t, mockOut.String(), "Mock collector stopped after")
}

func TestNewRecord(t *testing.T) {
	started := time.Now()
	message := protocol.NewStartSpan("req-1", "span-1", "", "SQL/Query", started)
	response, err := protocol.Decode([]byte(`{"StartSpan":{"result":"Success"}}`))
	require.NoError(t, err)

	record := newRecord("session-1", agent.Exchange{
		ConnID:   4,
		Kind:     protocol.KindStartSpan,
		Message:  message,
		Response: response,
		Started:  started,
		Duration: 1500 * time.Microsecond,
	})

	assert.Equal(t, "session-1", record.SessionID)
	assert.Equal(t, uint64(4), record.ConnID)
	assert.Equal(t, "StartSpan", record.Kind)
	assert.Equal(t, "req-1", record.RequestID)
	assert.Equal(t, "span-1", record.SpanID)
	assert.Equal(t, int64(1500), record.DurationUs)
	assert.True(t, record.Succeeded)
	assert.Equal(t, "Success", record.Result)
	assert.Contains(t, record.Body, `"operation":"SQL/Query"`)
	assert.JSONEq(t, `{"StartSpan":{"result":"Success"}}`, record.Response)
}

func TestNewRecordForFailuresAndAsync(t *testing.T) {
	failure, err := protocol.Decode([]byte(`{"Failure":{"message":"nope"}}`))
	require.NoError(t, err)

	rejected := newRecord("s", agent.Exchange{
		Kind:     protocol.KindRegister,
		Message:  protocol.NewRegister("app", "key", "1.0"),
		Response: failure,
	})
	assert.False(t, rejected.Succeeded)
	assert.Equal(t, "Failure", rejected.Result)
	assert.Empty(t, rejected.RequestID)

	async := newRecord("s", agent.Exchange{
		Kind:    protocol.KindStopSpan,
		Message: protocol.NewStopSpan("req-1", "span-1", time.Now()),
		Async:   true,
	})
	assert.False(t, async.Succeeded)
	assert.True(t, async.Async)
	assert.Empty(t, async.Error)
	assert.Empty(t, async.Response)

	broken := newRecord("s", agent.Exchange{
		Kind:    protocol.KindStopSpan,
		Message: protocol.NewStopSpan("req-1", "span-1", time.Now()),
		Err:     agent.ErrSendTimeout,
	})
	assert.Equal(t, agent.ErrSendTimeout.Error(), broken.Error)
}
