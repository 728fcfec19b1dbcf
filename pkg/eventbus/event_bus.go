// Package eventbus provides event-driven communication infrastructure for the orchestrator.
package eventbus

import (
	"context"
	"errors"

	"github.com/gateflow/gateflow/pkg/events"
)

// ErrUnknownEventType indicates a message whose event type metadata matches no
// known event.
var ErrUnknownEventType = errors.New("unknown event type")

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event interface{}) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
