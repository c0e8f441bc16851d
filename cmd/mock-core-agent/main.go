package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/harry-kp/apm-agent/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewMockCollectorCommand(cli.Options{Out: os.Stdout, Err: os.Stderr})
	rootCmd.Use = "mock-core-agent"
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cli.PrintError(os.Stderr, "mock-core-agent", err)
		stop()
		os.Exit(1)
	}
}
