// Package ports defines the contracts between watchd components.
package ports

import (
	"context"

	"github.com/watchd-dev/watchd/internal/domain/events"
)

// Subscriber represents an event subscriber attached to the hub.
type Subscriber interface {
	// ID returns a unique identifier for this subscriber.
	ID() string

	// Send delivers an event to this subscriber.
	// Returns an error if the subscriber is closed or too slow.
	Send(event events.Event) error

	// Close closes the subscriber.
	Close() error

	// Done returns a channel that's closed when the subscriber is done.
	Done() <-chan struct{}
}

// EventHub defines the contract for event fan-out.
type EventHub interface {
	// Start begins the hub's dispatch loop.
	Start() error

	// Stop gracefully stops the hub and closes all subscribers.
	Stop() error

	// Publish fans an event out to all subscribers.
	Publish(event events.Event)

	// Subscribe adds a new subscriber.
	Subscribe(sub Subscriber)

	// Unsubscribe removes a subscriber by ID.
	Unsubscribe(id string)

	// SubscriberCount returns the number of active subscribers.
	SubscriberCount() int
}

// EventStore is the durable, sequencing event log. Append assigns the
// event its sequence number; replay is by sequence cursor.
type EventStore interface {
	Append(event events.Event) (events.Event, error)
	Since(seq int64, topic string, limit int) ([]events.Event, error)
	LastSeq() (int64, error)
	Close() error
}

// Publisher sequences an event through the store and fans it out.
type Publisher interface {
	PublishEvent(event events.Event) (events.Event, error)
}

// EventSource is a background producer of events (e.g. the file
// watcher) with a start/stop lifecycle.
type EventSource interface {
	Start(ctx context.Context) error
	Stop() error
}
