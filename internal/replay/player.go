package replay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/events/bus"
)

// Player publishes scenario steps the way the execution runner would.
type Player struct {
	bus      bus.EventBus
	subjects events.Subjects
	logger   *logger.Logger
}

// NewPlayer creates a player publishing onto eventBus.
func NewPlayer(eventBus bus.EventBus, subjects events.Subjects, log *logger.Logger) *Player {
	return &Player{
		bus:      eventBus,
		subjects: subjects,
		logger:   log.WithFields(zap.String("component", "replay")),
	}
}

// Play publishes every step in order. It stops early when ctx is done.
func (p *Player) Play(ctx context.Context, sc *Scenario) error {
	engine := string(sc.EngineName())
	p.logger.Info("replaying scenario",
		zap.String("scenario", sc.Name),
		zap.String("engine", engine),
		zap.Int("steps", len(sc.Steps)))

	for i := range sc.Steps {
		step := &sc.Steps[i]
		if err := sleep(ctx, step.Delay); err != nil {
			return err
		}
		err := events.PublishEngine(ctx, p.bus, p.subjects, engine, step.Channel, "replay", step.SessionID, step.data(sc.Key, int64(i+1)))
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		p.logger.Debug("replayed step",
			zap.Int("step", i+1),
			zap.String("channel", step.Channel),
			zap.String("session_id", step.SessionID))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
