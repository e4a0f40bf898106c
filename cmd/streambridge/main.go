// Command streambridge bridges engine CLI sessions (claude, codex, gemini)
// to WebSocket UI clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "streambridge: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:           "streambridge",
		Short:         "Bridge engine CLI sessions to WebSocket clients",
		SilenceErrors: true,
		SilenceUsage:  true,
		// Without a subcommand the server runs.
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "directory containing config.yaml")

	root.AddCommand(serve)
	root.AddCommand(newReplayCmd(opts))
	return root
}
