package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	gateways "github.com/kandev/streambridge/internal/gateway/websocket"
	sessionhandlers "github.com/kandev/streambridge/internal/session/handlers"
	"github.com/kandev/streambridge/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	// 1. Load configuration and logging
	cfg, log, err := bootstrap(opts)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(tctx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := tracing.Err(); err != nil {
		log.Warn("OTLP tracing disabled", zap.Error(err))
	} else if tracing.Enabled() {
		log.Info("OTLP tracing enabled")
	}

	log.Info("Starting streambridge...",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	var release cleanups
	defer release.run(log)

	// 2. Event bus
	provided, cleanup, err := provideEventBus(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	release.add(cleanup)

	// 3. Prompt store
	store, cleanup, err := provideStorage(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	release.add(cleanup)

	// 4. Gateway, execution and sessions
	gateway, err := gateways.Provide(log)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	runner := provideRunner(cfg, provided, log)
	manager := provideSessionManager(cfg, provided, runner, store, gateway.Hub, log)

	// 5. Routes
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log), corsMiddleware())
	gateway.SetupRoutes(router)
	sessionhandlers.RegisterRoutes(router, gateway.Dispatcher, manager, gateway.Hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 6. Run until a signal or a listener failure
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateway.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down streambridge...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		manager.Shutdown()
		runner.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("streambridge stopped")
	return nil
}
