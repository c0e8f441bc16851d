// Package cli implements the apm-agent command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/harry-kp/apm-agent/internal/agent"
	"github.com/harry-kp/apm-agent/internal/config"
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Options wires the command tree to its host program.
type Options struct {
	Out io.Writer
	Err io.Writer

	// OnClient is called with each agent client a command connects, and
	// with nil once the command is done with it.
	OnClient func(*agent.Client)
}

// flags holds the persistent flags shared by every command.
type flags struct {
	configPath string
	socket     string
	logLevel   string
	journal    string
	uiPort     int
	noLaunch   bool
}

// NewRootCommand builds the apm-agent command tree
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.OnClient == nil {
		opts.OnClient = func(*agent.Client) {}
	}

	f := &flags{}
	rootCmd := &cobra.Command{
		Use:   "apm-agent",
		Short: "APM agent - client runtime for the core-agent collector",
		Long: `apm-agent talks to a co-located core-agent collector over a Unix socket.
It launches the collector, keeps a pool of registered connections to it,
and sends request and span traces using the collector's framed JSON protocol.

Configuration is read from defaults, an optional YAML file (--config),
APM_* environment variables, and finally command line flags.`,
		Example: `  # Launch the collector and stay connected until interrupted
  apm-agent run --config apm.yaml

  # Check that a collector is answering on the socket
  apm-agent ping --socket /tmp/core-agent.sock

  # Send a sample trace and journal every exchange
  apm-agent trace-demo --journal apm.db`,
		Version:       formatVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(opts.Out)
	rootCmd.SetErr(opts.Err)

	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	persistent.StringVarP(&f.socket, "socket", "s", "", "Collector socket path")
	persistent.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	persistent.StringVar(&f.journal, "journal", "", "SQLite journal path (default: in-memory)")
	persistent.IntVar(&f.uiPort, "ui-port", 0, "Serve the live exchange feed on this port")
	persistent.BoolVar(&f.noLaunch, "no-launch", false, "Never launch the collector")

	rootCmd.AddCommand(
		newRunCommand(f, opts),
		newPingCommand(f, opts),
		newTraceDemoCommand(f, opts),
		newJournalCommand(f, opts),
		newMockCollectorCommand(opts),
		newVersionCommand(opts),
	)

	return rootCmd
}

// loadConfig resolves configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("socket") {
		cfg.SocketPath = f.socket
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("journal") {
		cfg.JournalPath = f.journal
	}
	if changed("ui-port") {
		cfg.UIPort = f.uiPort
	}
	if changed("no-launch") {
		cfg.CoreAgentLaunch = !f.noLaunch
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a text logger at the named level.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// formatVersion returns formatted version information
func formatVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// PrintBanner prints the startup banner
func PrintBanner(w io.Writer, cfg *config.Config) {
	banner := `
    _   ___ __  __    _                    _
   /_\ | _ \  \/  |  /_\  __ _ ___ _ _  __| |_
  / _ \|  _/ |\/| | / _ \/ _' / -_) ' \|  _|
 /_/ \_\_| |_|  |_|/_/ \_\__, \___|_||_|\__|
                         |___/
`
	fmt.Fprint(w, banner)
	fmt.Fprintf(w, "  Version: %s\n", Version)
	fmt.Fprintf(w, "  Socket:  %s\n", cfg.SocketPath)
	if cfg.AppName != "" {
		fmt.Fprintf(w, "  App:     %s\n", cfg.AppName)
	}
	if cfg.UIPort != 0 {
		fmt.Fprintf(w, "  Feed:    ws://127.0.0.1:%d/ws\n", cfg.UIPort)
	}
	if cfg.JournalPath != "" {
		fmt.Fprintf(w, "  Journal: %s\n", cfg.JournalPath)
	}
	fmt.Fprintln(w)
}

// PrintError prints an error message
func PrintError(w io.Writer, msg string, err error) {
	fmt.Fprintf(w, "❌ %s: %v\n", msg, err)
}

// PrintSuccess prints a success message
func PrintSuccess(w io.Writer, msg string) {
	fmt.Fprintf(w, "✅ %s\n", msg)
}

// PrintInfo prints an info message
func PrintInfo(w io.Writer, msg string) {
	fmt.Fprintf(w, "ℹ️  %s\n", msg)
}

// PrintWarning prints a warning message
func PrintWarning(w io.Writer, msg string) {
	fmt.Fprintf(w, "⚠️  %s\n", msg)
}

