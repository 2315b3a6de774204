package bus

import (
	"context"
	"time"
)

// namespacedBus prefixes every subject with a fixed namespace token before
// delegating to the wrapped EventBus, so several msfailabd instances can
// share one NATS cluster without their subjects colliding (spec §4.A
// "events.namespace config prefixes subjects for multi-instance
// deployments").
type namespacedBus struct {
	inner     EventBus
	namespace string
}

// WithNamespace wraps bus so every subject it sees is prefixed with
// namespace. An empty namespace returns bus unchanged.
func WithNamespace(bus EventBus, namespace string) EventBus {
	if namespace == "" {
		return bus
	}
	return &namespacedBus{inner: bus, namespace: namespace}
}

func (b *namespacedBus) prefix(subject string) string {
	return b.namespace + "." + subject
}

func (b *namespacedBus) Publish(ctx context.Context, subject string, event *Event) error {
	return b.inner.Publish(ctx, b.prefix(subject), event)
}

func (b *namespacedBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.inner.Subscribe(b.prefix(subject), handler)
}

func (b *namespacedBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.inner.QueueSubscribe(b.prefix(subject), queue, handler)
}

func (b *namespacedBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	return b.inner.Request(ctx, b.prefix(subject), event, timeout)
}

func (b *namespacedBus) Close() {
	b.inner.Close()
}

func (b *namespacedBus) IsConnected() bool {
	return b.inner.IsConnected()
}
