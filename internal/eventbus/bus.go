// Package eventbus provides a pub/sub abstraction used by the Event Service
// (spec §4.G); internal/eventhook publishes TaskAttempt update notifications
// on it.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new Event with a generated id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes an Event delivered to a subscription.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the pub/sub interface. Subjects support NATS-style wildcards:
// "*" matches a single token, ">" matches one or more trailing tokens.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	// QueueSubscribe load-balances delivery across every subscriber sharing
	// the same queue name — exactly one member of the group gets each event.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}
