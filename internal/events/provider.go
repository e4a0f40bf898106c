package events

import (
	"fmt"
	"strings"

	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus      bus.EventBus
	Memory   *bus.MemoryEventBus
	NATS     *bus.NATSEventBus
	Subjects Subjects
}

// Provide builds NATS when a URL is configured and the in-process bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	subjects := Subjects{Namespace: cfg.Events.Namespace}
	if strings.TrimSpace(cfg.Events.NATSURL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus, Subjects: subjects}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus, Subjects: subjects}, cleanup, nil
}
