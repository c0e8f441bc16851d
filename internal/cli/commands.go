package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harry-kp/apm-agent/internal/store"
	"github.com/harry-kp/apm-agent/internal/trace"
)

func newRunCommand(f *flags, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Launch the collector and stay connected until interrupted",
		Long: `run launches the collector (unless launching is disabled or one is
already listening), connects and registers, and then waits for an
interrupt. Every exchange is journaled; with --ui-port the journal and a
live WebSocket feed are served over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(cmd, f, opts, true)
			if err != nil {
				return err
			}

			PrintBanner(s.out, s.cfg)

			if err := s.connect(ctx, true); err != nil {
				s.closeMonitor(false)
				return err
			}

			version, err := s.client.Version(ctx)
			if err != nil {
				PrintWarning(s.out, fmt.Sprintf("Collector did not report its version: %v", err))
			} else {
				PrintSuccess(s.out, fmt.Sprintf("Connected to collector %s", version))
			}

			var server *http.Server
			if s.cfg.UIPort != 0 {
				server = &http.Server{
					Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.UIPort),
					Handler:           newMux(s.monitor, s.client),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						PrintError(s.out, "Feed server error", err)
					}
				}()
			}

			<-ctx.Done()
			PrintInfo(s.out, "Shutting down...")

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = server.Shutdown(shutdownCtx)
				cancel()
			}

			s.disconnect()
			s.stopCollector()
			s.printSummary()
			s.closeMonitor(true)
			return nil
		},
	}
}

func newPingCommand(f *flags, opts Options) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ask a running collector for its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(cmd, f, opts, false)
			if err != nil {
				return err
			}
			defer s.closeMonitor(true)

			if err := s.connect(ctx, false); err != nil {
				return err
			}
			defer s.disconnect()

			for i := 0; i < count; i++ {
				start := time.Now()
				version, err := s.client.Version(ctx)
				if err != nil {
					return fmt.Errorf("ping %d: %w", i+1, err)
				}
				fmt.Fprintf(s.out, "collector %s answered in %s\n", version, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of version queries to send")
	return cmd
}

func newTraceDemoCommand(f *flags, opts Options) *cobra.Command {
	var requests int
	var slow time.Duration

	cmd := &cobra.Command{
		Use:   "trace-demo",
		Short: "Send sample request traces to the collector",
		Long: `trace-demo launches and connects like run, then records and sends
sample requests, each with a controller span and two nested child spans.
Use --slow to make the query span exceed the slow threshold so its
captured stack is sent as a tag.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(cmd, f, opts, false)
			if err != nil {
				return err
			}
			if err := s.connect(ctx, true); err != nil {
				s.closeMonitor(false)
				return err
			}

			tracer := s.newTracer()
			var sendErr error
			for i := 0; i < requests; i++ {
				request, err := demoRequest(ctx, tracer, i, slow, s.cfg.Monitor)
				if err != nil {
					sendErr = err
					PrintError(s.out, fmt.Sprintf("Request %s", request.ID()), err)
					continue
				}
				if request.IsIgnored() {
					PrintInfo(s.out, fmt.Sprintf("Request %s not sent (monitoring disabled)", request.ID()))
					continue
				}
				PrintSuccess(s.out, fmt.Sprintf("Request %s sent (%d spans, %s)", request.ID(), countSpans(request.Spans()), request.Duration().Round(time.Microsecond)))
			}

			s.disconnect()
			s.stopCollector()
			s.printSummary()
			s.closeMonitor(sendErr == nil)
			return sendErr
		},
	}
	cmd.Flags().IntVarP(&requests, "requests", "n", 1, "Number of requests to send")
	cmd.Flags().DurationVar(&slow, "slow", 0, "Time the query span takes")
	return cmd
}

// demoRequest records one sample request and sends it.
func demoRequest(ctx context.Context, tracer *trace.Tracer, n int, slow time.Duration, monitor bool) (*trace.Request, error) {
	request := tracer.StartRequest()
	if !monitor {
		request.Ignore()
	}
	if err := request.AddTag("path", fmt.Sprintf("/demo/%d", n)); err != nil {
		return request, err
	}
	ctx = trace.ContextWithRequest(ctx, request)

	err := tracer.Instrument(ctx, "Controller/demo", func(ctx context.Context) error {
		err := tracer.Instrument(ctx, "SQL/Query", func(ctx context.Context) error {
			if span := trace.SpanFromContext(ctx); span != nil {
				_ = span.AddTag("db.statement", "SELECT * FROM widgets")
			}
			if slow > 0 {
				time.Sleep(slow)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tracer.Instrument(ctx, "Template/Render", func(ctx context.Context) error {
			return nil
		})
	})
	if err != nil {
		return request, err
	}

	return request, request.Send(ctx)
}

func countSpans(spans []*trace.Span) int {
	total := len(spans)
	for _, span := range spans {
		total += countSpans(span.Children())
	}
	return total
}

func newJournalCommand(f *flags, opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the exchange journal",
	}

	openJournal := func(cmd *cobra.Command) (*store.Store, error) {
		cfg, err := loadConfig(cmd, f)
		if err != nil {
			return nil, err
		}
		if cfg.JournalPath == "" {
			return nil, fmt.Errorf("no journal configured: pass --journal or set journal_path")
		}
		if _, err := os.Stat(cfg.JournalPath); err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		return store.New(cfg.JournalPath)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer journal.Close()

			sessions, err := journal.GetSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				PrintInfo(opts.Out, "No sessions recorded")
				return nil
			}

			w := tabwriter.NewWriter(opts.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTARTED\tSTATUS\tEXCHANGES\tSOCKET")
			for _, session := range sessions {
				exchanges, err := journal.GetExchanges(session.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					session.ID,
					session.StartedAt.Local().Format(time.DateTime),
					session.Status,
					len(exchanges),
					session.SocketPath)
			}
			return w.Flush()
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session with its exchanges and insights as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer journal.Close()

			data, err := journal.ExportSession(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				_, err = fmt.Fprintln(opts.Out, string(data))
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			PrintSuccess(opts.Out, fmt.Sprintf("Exported session %s to %s", args[0], output))
			return nil
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")

	cmd.AddCommand(list, export)
	return cmd
}

func newVersionCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(opts.Out, "apm-agent %s\n", formatVersion())
		},
	}
}
