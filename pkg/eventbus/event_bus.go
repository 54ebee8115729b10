// Package eventbus carries conduit's domain events between the API, the
// sweeper and downstream consumers.
package eventbus

import (
	"context"

	"github.com/dukex/conduit/pkg/events"
)

// Event is any domain event from pkg/events.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes domain events. key orders events of one entity
// (an integration, rule or instance id) on partitioned transports.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches consumed events to handlers registered per type.
// Handlers must be registered before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event, for example
// *events.InstanceHeartbeat. Delivery is at least once: a returned error
// nacks the message for redelivery, so handlers must be idempotent.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}
