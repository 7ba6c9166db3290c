package hub

import (
	"sync"

	"github.com/watchd-dev/watchd/internal/domain"
	"github.com/watchd-dev/watchd/internal/domain/events"
)

// ChannelSubscriber delivers matching events to a channel. An empty
// topic matches every event; a non-empty topic drops events for other
// topics at delivery time so each watch only buffers what it will
// actually stream.
type ChannelSubscriber struct {
	id    string
	topic string
	send  chan events.Event
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewChannelSubscriber creates a channel-backed subscriber. bufferSize
// bounds how far the consumer may fall behind before it is dropped.
func NewChannelSubscriber(id, topic string, bufferSize int) *ChannelSubscriber {
	return &ChannelSubscriber{
		id:    id,
		topic: topic,
		send:  make(chan events.Event, bufferSize),
		done:  make(chan struct{}),
	}
}

// ID returns the subscriber's unique identifier.
func (s *ChannelSubscriber) ID() string {
	return s.id
}

// Topic returns the topic filter ("" matches all).
func (s *ChannelSubscriber) Topic() string {
	return s.topic
}

// Send delivers the event if it matches the topic filter. A full
// channel means the consumer is too slow; the subscriber reports
// itself closed so the hub drops it rather than buffer unboundedly.
func (s *ChannelSubscriber) Send(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSubscriberClosed
	}
	if s.topic != "" && event.Topic != s.topic {
		return nil
	}

	select {
	case s.send <- event:
		return nil
	default:
		return domain.ErrSubscriberClosed
	}
}

// Close closes the subscriber. Idempotent.
func (s *ChannelSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.send)
	return nil
}

// Done returns a channel that's closed when the subscriber is done.
func (s *ChannelSubscriber) Done() <-chan struct{} {
	return s.done
}

// Events returns the channel to receive events from. The channel is
// closed when the subscriber closes.
func (s *ChannelSubscriber) Events() <-chan events.Event {
	return s.send
}
