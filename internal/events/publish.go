package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/kandev/streambridge/internal/events/bus"
)

// EventType returns the event type carried on a channel.
func EventType(channel string) (string, bool) {
	switch channel {
	case ChannelOutput:
		return EngineOutput, true
	case ChannelError:
		return EngineError, true
	case ChannelComplete:
		return EngineComplete, true
	case ChannelSessionInit:
		return EngineSessionInit, true
	}
	return "", false
}

// PublishEngine sends one engine event to the engine-wide subject of channel
// and, when sessionID is known, to the session-scoped subject too.
// session_init only goes to the engine-wide subject; its listeners do not
// know the new id yet.
func PublishEngine(ctx context.Context, b bus.EventBus, subjects Subjects, engine, channel, source, sessionID string, data map[string]any) error {
	eventType, ok := EventType(channel)
	if !ok {
		return fmt.Errorf("unknown channel: %s", channel)
	}
	var errs []error
	if err := b.Publish(ctx, subjects.Generic(engine, channel), bus.NewEvent(eventType, source, data)); err != nil {
		errs = append(errs, fmt.Errorf("publish %s: %w", subjects.Generic(engine, channel), err))
	}
	if sessionID != "" && channel != ChannelSessionInit {
		subject := subjects.Scoped(engine, channel, sessionID)
		if err := b.Publish(ctx, subject, bus.NewEvent(eventType, source, data)); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", subject, err))
		}
	}
	return errors.Join(errs...)
}
