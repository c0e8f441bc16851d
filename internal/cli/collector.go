package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harry-kp/apm-agent/internal/collectortest"
	"github.com/harry-kp/apm-agent/internal/protocol"
)

// NewMockCollectorCommand builds the mock-collector command. Its start
// subcommand takes the same arguments the supervisor passes to a real
// collector, so a binary built around it can stand in for one.
func NewMockCollectorCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	return newMockCollectorCommand(opts)
}

func newMockCollectorCommand(opts Options) *cobra.Command {
	var (
		socket     string
		logFile    string
		configFile string
		logLevel   string
		delay      time.Duration
		fail       []string
	)

	cmd := &cobra.Command{
		Use:   "mock-collector",
		Short: "Run a fake collector for local development",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Serve the collector protocol on a Unix socket until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				return fmt.Errorf("--socket is required")
			}

			var logOut io.Writer = opts.Err
			if logFile != "" {
				file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				defer file.Close()
				logOut = file
			}
			logger, err := newLogger(logLevel, logOut)
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.Debug("ignoring collector config file", "path", configFile)
			}

			server, err := collectortest.Start(socket,
				collectortest.WithHandler(failingHandler(fail)),
				collectortest.WithDelay(delay),
				collectortest.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			PrintSuccess(opts.Out, fmt.Sprintf("Mock collector listening on %s", socket))
			<-cmd.Context().Done()

			received := len(server.Received())
			if err := server.Close(); err != nil {
				logger.Warn("failed to close listener", "error", err)
			}
			PrintInfo(opts.Out, fmt.Sprintf("Mock collector stopped after %d messages", received))
			return nil
		},
	}

	flags := start.Flags()
	flags.StringVar(&socket, "socket", "", "Socket path to listen on")
	flags.StringVar(&logFile, "log-file", "", "Append logs to this file")
	flags.StringVar(&configFile, "config-file", "", "Accepted for compatibility; ignored")
	flags.StringVar(&logLevel, "log-level", "info", "Log level")
	flags.DurationVar(&delay, "delay", 0, "Delay every reply")
	flags.StringSliceVar(&fail, "fail", nil, "Message kinds to answer with a Failure reply")

	cmd.AddCommand(start)
	return cmd
}

// failingHandler answers the listed kinds with a Failure and everything
// else the way the default handler does.
func failingHandler(kinds []string) collectortest.Handler {
	failing := make(map[protocol.Kind]bool, len(kinds))
	for _, kind := range kinds {
		failing[protocol.Kind(strings.TrimSpace(kind))] = true
	}

	return func(kind protocol.Kind, body json.RawMessage) (any, bool) {
		if failing[kind] {
			return map[string]any{
				string(protocol.KindFailure): map[string]string{
					"message": fmt.Sprintf("%s rejected by mock collector", kind),
				},
			}, true
		}
		return collectortest.DefaultHandler(kind, body)
	}
}
