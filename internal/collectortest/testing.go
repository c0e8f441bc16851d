package collectortest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// SocketDir creates a short temporary directory for Unix sockets.
// t.TempDir paths can exceed the 108-byte sun_path limit.
func SocketDir(t testing.TB) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "apm-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// New starts a fake collector in a fresh socket directory and closes it
// when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	server, err := Start(filepath.Join(SocketDir(t), "collector.sock"), opts...)
	if err != nil {
		t.Fatalf("starting fake collector: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

// WaitFor polls cond until it holds or timeout elapses, then fails the
// test.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v: %s", timeout, msg)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}
