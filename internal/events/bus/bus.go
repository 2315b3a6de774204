// Package bus implements the Event Bus (spec §4.A): the fan-out transport
// Container Controllers and Track Engines use to publish state-change
// envelopes without knowing who, if anyone, is listening. Console Sessions
// do not publish; their Controller forwards their updates.
// Subjects are workspace- (and often track-) scoped, built by the
// contracts package rather than by this package, so the bus itself stays
// payload-agnostic.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus: an opaque, JSON-able Data payload tagged
// with a Type; the Controller and Engine publishers set Type to the subject
// the event is published on.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event, e.g. "container_controller"
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

