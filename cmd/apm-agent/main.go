package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/harry-kp/apm-agent/internal/agent"
	"github.com/harry-kp/apm-agent/internal/cli"
)

// globalClient is the process-wide agent client, set while a command is
// connected to the collector.
var globalClient atomic.Pointer[agent.Client]

func setGlobalClient(client *agent.Client) {
	globalClient.Store(client)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCommand(cli.Options{
		Out:      os.Stdout,
		Err:      os.Stderr,
		OnClient: setGlobalClient,
	})

	err := rootCmd.ExecuteContext(ctx)

	// A command that failed while connected leaves its client behind.
	if client := globalClient.Load(); client != nil {
		client.Disconnect()
		setGlobalClient(nil)
	}

	if err != nil {
		cli.PrintError(os.Stderr, "apm-agent", err)
		stop()
		os.Exit(1)
	}
}
