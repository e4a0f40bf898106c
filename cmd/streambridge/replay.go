package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/events/bus"
	"github.com/kandev/streambridge/internal/replay"
	"github.com/kandev/streambridge/internal/session"
)

const defaultReplayKey = "replay"

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Feed a recorded scenario through a session and print the UI updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
}

func runReplay(ctx context.Context, opts *rootOptions, path string, out io.Writer) error {
	cfg, log, err := bootstrap(opts)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sc, err := replay.Load(path)
	if err != nil {
		return err
	}

	// Replays always run in-process, whatever bus the server is configured for.
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()
	subjects := events.Subjects{Namespace: cfg.Events.Namespace}

	manager := session.NewManager(session.Deps{
		Bus:          eventBus,
		Subjects:     subjects,
		Presentation: replay.NewPrinter(out),
	}, cfg.Session, log)
	defer manager.Shutdown()

	key := sc.Key
	if key == "" {
		key = defaultReplayKey
	}
	if _, err := manager.Open(ctx, session.OpenRequest{
		Key:         key,
		Engine:      sc.EngineName(),
		ProjectPath: sc.ProjectPath,
		SessionID:   sc.SessionID,
	}); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	if err := replay.NewPlayer(eventBus, subjects, log).Play(ctx, sc); err != nil {
		return fmt.Errorf("replay %s: %w", sc.Name, err)
	}

	status, err := manager.Status(ctx, key)
	if err != nil {
		return err
	}
	log.Info("replay finished",
		zap.String("scenario", sc.Name),
		zap.String("session_id", status.SessionID),
		zap.String("state", status.State),
		zap.Int64("input_tokens", status.Usage.Input),
		zap.Int64("output_tokens", status.Usage.Output))
	return nil
}
