// Package testutil provides shared test utilities and mocks for
// watchd tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/watchd-dev/watchd/internal/domain"
	"github.com/watchd-dev/watchd/internal/domain/events"
)

// MockSubscriber implements ports.Subscriber for testing.
type MockSubscriber struct {
	id       string
	mu       sync.Mutex
	events   []events.Event
	closed   bool
	sendErr  error
	sendFunc func(events.Event) error
	done     chan struct{}
}

// NewMockSubscriber creates a new mock subscriber.
func NewMockSubscriber(id string) *MockSubscriber {
	return &MockSubscriber{
		id:     id,
		events: make([]events.Event, 0),
		done:   make(chan struct{}),
	}
}

// ID returns the subscriber ID.
func (m *MockSubscriber) ID() string {
	return m.id
}

// Send records the event and returns any configured error.
func (m *MockSubscriber) Send(e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendFunc != nil {
		return m.sendFunc(e)
	}
	if m.closed {
		return domain.ErrSubscriberClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}

	m.events = append(m.events, e)
	return nil
}

// Close marks the subscriber as closed.
func (m *MockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Done returns the done channel.
func (m *MockSubscriber) Done() <-chan struct{} {
	return m.done
}

// Events returns a copy of the recorded events.
func (m *MockSubscriber) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, len(m.events))
	copy(out, m.events)
	return out
}

// IsClosed reports whether Close was called.
func (m *MockSubscriber) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetSendError makes Send return err.
func (m *MockSubscriber) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// MockPublisher implements ports.Publisher, assigning sequence
// numbers in memory.
type MockPublisher struct {
	mu     sync.Mutex
	seq    int64
	events []events.Event
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishEvent records the event with the next sequence number.
func (p *MockPublisher) PublishEvent(e events.Event) (events.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	e.Seq = p.seq
	p.events = append(p.events, e)
	return e, nil
}

// Events returns a copy of the published events.
func (p *MockPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}
