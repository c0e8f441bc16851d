package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Supervisor defaults
const (
	DefaultStartupWait  = 2 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	probeTimeout        = 250 * time.Millisecond
)

var (
	// ErrLaunchDisabled is returned by Start when launching the collector
	// has been turned off by configuration.
	ErrLaunchDisabled = errors.New("collector launch disabled")

	// ErrNoProcess is returned when there is no tracked collector process.
	ErrNoProcess = errors.New("no process reference")

	// ErrSocketTimeout is returned when the collector does not create its
	// socket within the startup window.
	ErrSocketTimeout = errors.New("collector socket did not appear")
)

// Config holds supervisor configuration
type Config struct {
	BinPath    string
	SocketPath string
	LogFile    string
	ConfigFile string
	LogLevel   string

	// DisallowLaunch turns Start into an error; the collector is expected
	// to be managed by something else.
	DisallowLaunch bool

	StartupWait  time.Duration
	PollInterval time.Duration

	Logger *slog.Logger
}

// Supervisor launches the collector as a detached child process and keeps
// a handle to it for later termination.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	started bool
}

// New creates a new Supervisor
func New(cfg Config) (*Supervisor, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("no socket path specified")
	}
	if !cfg.DisallowLaunch && cfg.BinPath == "" {
		return nil, fmt.Errorf("no collector binary specified")
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = DefaultStartupWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("socket", cfg.SocketPath),
	}, nil
}

// Start launches the collector unless something is already listening on
// the socket path, then waits for the socket file to appear.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.DisallowLaunch {
		return ErrLaunchDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("collector already started")
	}

	if listening(s.cfg.SocketPath) {
		s.logger.Info("collector already listening, not launching")
		return nil
	}

	cmd := exec.Command(s.cfg.BinPath, s.buildArgs()...)
	cmd.SysProcAttr = detachedAttr()

	// Fully detached: no inherited stdio.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start collector: %w", err)
	}

	s.cmd = cmd
	s.started = true
	s.exited = make(chan struct{})

	// Reap the child so it never lingers as a zombie.
	exited := s.exited
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	s.logger.Info("launched collector", "pid", cmd.Process.Pid, "command", s.CommandString())

	return s.waitForSocket(ctx)
}

// buildArgs creates the collector command line
func (s *Supervisor) buildArgs() []string {
	args := []string{"start", "--socket", s.cfg.SocketPath}
	if s.cfg.LogFile != "" {
		args = append(args, "--log-file", s.cfg.LogFile)
	}
	if s.cfg.ConfigFile != "" {
		args = append(args, "--config-file", s.cfg.ConfigFile)
	}
	if s.cfg.LogLevel != "" {
		args = append(args, "--log-level", s.cfg.LogLevel)
	}
	return args
}

// waitForSocket polls for the socket file until it exists, the startup
// window closes, or ctx is done.
func (s *Supervisor) waitForSocket(ctx context.Context) error {
	deadline := time.NewTimer(s.cfg.StartupWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(s.cfg.SocketPath); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w at %s after %s", ErrSocketTimeout, s.cfg.SocketPath, s.cfg.StartupWait)
		case <-ticker.C:
		}
	}
}

// listening reports whether something accepts connections on socketPath.
func listening(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Stop sends SIGTERM to the collector and removes its socket.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return ErrNoProcess
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop collector: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket %s: %w", s.cfg.SocketPath, err)
	}

	s.logger.Info("stopped collector", "pid", s.cmd.Process.Pid)
	return nil
}

// Process returns the launched collector's process handle.
func (s *Supervisor) Process() (*os.Process, error) {
	if s.cfg.DisallowLaunch {
		return nil, fmt.Errorf("%w: collector launch disabled", ErrNoProcess)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return nil, ErrNoProcess
	}
	return s.cmd.Process, nil
}

// Wait blocks until the launched collector exits or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	if exited == nil {
		return ErrNoProcess
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PID returns the process ID of the collector
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// IsRunning returns true if the collector is still running
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// CommandString returns the collector command as a string
func (s *Supervisor) CommandString() string {
	if s.cmd == nil {
		return ""
	}
	return strings.Join(s.cmd.Args, " ")
}
