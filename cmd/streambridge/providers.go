package main

import (
	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/db"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/execution"
	"github.com/kandev/streambridge/internal/orchestrator/messagequeue"
	"github.com/kandev/streambridge/internal/persistence/prompts"
	"github.com/kandev/streambridge/internal/session"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (*events.ProvidedBus, func() error, error) {
	return events.Provide(cfg, log)
}

func provideStorage(cfg *config.Config, log *logger.Logger) (*prompts.Store, func() error, error) {
	pool, poolCleanup, err := db.Provide(cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	store, storeCleanup, err := prompts.Provide(pool, log)
	if err != nil {
		_ = poolCleanup()
		return nil, nil, err
	}
	cleanup := func() error {
		if err := storeCleanup(); err != nil {
			_ = poolCleanup()
			return err
		}
		return poolCleanup()
	}
	return store, cleanup, nil
}

func provideSessionManager(
	cfg *config.Config,
	provided *events.ProvidedBus,
	exec session.Execution,
	store session.Persistence,
	presentation session.Presentation,
	log *logger.Logger,
) *session.Manager {
	return session.NewManager(session.Deps{
		Bus:          provided.Bus,
		Subjects:     provided.Subjects,
		Execution:    exec,
		Persistence:  store,
		Presentation: presentation,
		Queue:        messagequeue.NewService(log, cfg.Session.QueueLimit),
	}, cfg.Session, log)
}

func provideRunner(cfg *config.Config, provided *events.ProvidedBus, log *logger.Logger) *execution.Runner {
	return execution.NewRunner(cfg.Execution, provided.Bus, provided.Subjects, log)
}
