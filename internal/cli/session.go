package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/harry-kp/apm-agent/internal/agent"
	"github.com/harry-kp/apm-agent/internal/config"
	"github.com/harry-kp/apm-agent/internal/pool"
	"github.com/harry-kp/apm-agent/internal/process"
	"github.com/harry-kp/apm-agent/internal/store"
	"github.com/harry-kp/apm-agent/internal/trace"
)

// session is everything a connected command needs: configuration, a
// logger, the agent client, and the journal monitor when one is open.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	client  *agent.Client
	monitor *monitor
	opts    Options
}

// openSession resolves configuration and builds the agent client. A
// journal monitor is opened when journal is set or the configuration
// names a journal path or feed port.
func openSession(cmd *cobra.Command, f *flags, opts Options, journal bool) (*session, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel, opts.Err)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:    cfg,
		logger: logger,
		out:    opts.Out,
		opts:   opts,
	}

	var clientOpts []agent.Option
	if journal || cfg.JournalPath != "" || cfg.UIPort != 0 {
		s.monitor, err = openMonitor(cfg.JournalPath, cfg.SocketPath, cfg.SlowRequestThreshold, logger)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, agent.WithObserver(s.monitor.Observe))
	}

	clientCfg := agent.Config{
		Pool: pool.Config{
			SocketPath:  cfg.SocketPath,
			Min:         cfg.PoolMin,
			Max:         cfg.PoolMax,
			IdleTimeout: cfg.SocketTimeout,
		},
		SendTimeout:  cfg.SendTimeout,
		Registration: cfg.Registration(),
		Logger:       logger,
	}
	if cfg.AppName != "" {
		clientCfg.AppMetadata = cfg.AppMetadata()
	}

	supervisor, err := newSupervisor(cfg, logger)
	if err != nil {
		s.closeMonitor(false)
		return nil, err
	}
	if supervisor != nil {
		clientCfg.Supervisor = supervisor
	}

	s.client, err = agent.New(clientCfg, clientOpts...)
	if err != nil {
		s.closeMonitor(false)
		return nil, err
	}
	return s, nil
}

// newSupervisor returns nil when launching is enabled but no collector
// binary is configured.
func newSupervisor(cfg *config.Config, logger *slog.Logger) (*process.Supervisor, error) {
	if cfg.CoreAgentLaunch && cfg.CoreAgentBinPath == "" {
		logger.Debug("no collector binary configured")
		return nil, nil
	}
	return process.New(process.Config{
		BinPath:        cfg.CoreAgentBinPath,
		SocketPath:     cfg.SocketPath,
		LogFile:        cfg.CoreAgentLogFile,
		ConfigFile:     cfg.CoreAgentConfigFile,
		LogLevel:       cfg.CoreAgentLogLevel,
		DisallowLaunch: !cfg.CoreAgentLaunch,
		StartupWait:    cfg.StartupWait,
		Logger:         logger,
	})
}

// connect optionally launches the collector, then connects the client
// and publishes it to the host program.
func (s *session) connect(ctx context.Context, launch bool) error {
	if launch {
		err := s.client.Start(ctx)
		switch {
		case err == nil:
			if proc, perr := s.client.Process(); perr == nil {
				PrintSuccess(s.out, fmt.Sprintf("Collector launched (PID: %d)", proc.Pid))
			}
		case errors.Is(err, process.ErrLaunchDisabled):
			s.logger.Debug("not launching collector", "socket", s.cfg.SocketPath)
		default:
			return fmt.Errorf("launching collector: %w", err)
		}
	}

	status, err := s.client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting to collector at %s: %w", s.cfg.SocketPath, err)
	}
	s.logger.Debug("connected", "connected", status.Connected, "open", status.Pool.Total)

	s.opts.OnClient(s.client)
	return nil
}

// newTracer builds a tracer that sends through the session's client.
func (s *session) newTracer() *trace.Tracer {
	return trace.NewTracer(s.client,
		trace.WithSlowThreshold(s.cfg.SlowRequestThreshold),
		trace.WithStackFrameLimit(s.cfg.StackFrameLimit),
		trace.WithLogger(s.logger),
	)
}

// disconnect closes every connection and withdraws the client from the
// host program.
func (s *session) disconnect() {
	s.opts.OnClient(nil)
	s.client.Disconnect()
}

// stopCollector terminates a collector this session launched.
func (s *session) stopCollector() {
	if err := s.client.Stop(); err != nil && !errors.Is(err, process.ErrNoProcess) && !errors.Is(err, process.ErrLaunchDisabled) {
		PrintWarning(s.out, fmt.Sprintf("Failed to stop collector: %v", err))
	}
}

// closeMonitor ends the journal session, if any.
func (s *session) closeMonitor(ok bool) {
	if s.monitor == nil {
		return
	}
	status := store.StatusCompleted
	if !ok {
		status = store.StatusError
	}
	if err := s.monitor.Close(status); err != nil {
		s.logger.Warn("failed to close journal", "error", err)
	}
	s.monitor = nil
}

// printSummary prints the journal summary for the session.
func (s *session) printSummary() {
	if s.monitor == nil {
		return
	}
	summary, err := s.monitor.analyzer.Summary()
	if err != nil {
		PrintWarning(s.out, fmt.Sprintf("Failed to summarize session: %v", err))
		return
	}

	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(s.out, "  APM Agent Summary")
	fmt.Fprintln(s.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(s.out, "  Session:     %s\n", s.monitor.session.ID)
	fmt.Fprintf(s.out, "  Exchanges:   %d (%d async)\n", summary.TotalExchanges, summary.AsyncCount)
	fmt.Fprintf(s.out, "  Insights:    %d\n", summary.TotalInsights)
	fmt.Fprintf(s.out, "  Failures:    %d\n", summary.FailureCount)
	fmt.Fprintf(s.out, "  Avg Latency: %s\n", summary.AvgDuration)
	fmt.Fprintln(s.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(s.out)
}
