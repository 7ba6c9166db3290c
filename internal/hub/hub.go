// Package hub implements the central event fan-out for watchd.
package hub

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/domain/ports"
)

// broadcastBuffer bounds how many events may be in flight before
// publishers start dropping.
const broadcastBuffer = 256

// Hub fans published events out to every attached subscriber. A watch
// request owns exactly one subscriber for its lifetime; the hub keeps
// no other per-watch state. All registry mutation happens on the
// dispatch goroutine, serialized through the register, unregister and
// broadcast channels.
type Hub struct {
	subscribers map[string]ports.Subscriber

	broadcast  chan events.Event
	register   chan ports.Subscriber
	unregister chan string

	mu      sync.RWMutex
	done    chan struct{}
	running bool
}

// New creates a stopped hub; call Start to begin dispatching.
func New() *Hub {
	return &Hub{
		subscribers: make(map[string]ports.Subscriber),
		broadcast:   make(chan events.Event, broadcastBuffer),
		register:    make(chan ports.Subscriber),
		unregister:  make(chan string),
		done:        make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Idempotent.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	go h.dispatch()

	log.Debug().Msg("event hub started")
	return nil
}

// Stop ends dispatching and closes every remaining subscriber so
// their streams terminate. Idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	close(h.done)

	h.mu.Lock()
	for _, sub := range h.subscribers {
		_ = sub.Close()
	}
	h.subscribers = make(map[string]ports.Subscriber)
	h.mu.Unlock()

	log.Debug().Msg("event hub stopped")
	return nil
}

func (h *Hub) dispatch() {
	for {
		select {
		case <-h.done:
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID()] = sub
			h.mu.Unlock()
			log.Debug().Str("subscriber_id", sub.ID()).Msg("watch subscriber registered")

		case id := <-h.unregister:
			h.remove(id)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// fanOut delivers one event to every subscriber. A failed Send means
// the subscriber is closed or too far behind; it is removed so one
// stuck watch cannot hold event history for the rest.
func (h *Hub) fanOut(event events.Event) {
	var failed []string

	h.mu.RLock()
	for id, sub := range h.subscribers {
		if err := sub.Send(event); err != nil {
			log.Warn().
				Str("subscriber_id", id).
				Err(err).
				Msg("failed to deliver event, dropping subscriber")
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range failed {
		h.remove(id)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	_ = sub.Close()
	delete(h.subscribers, id)
	log.Debug().Str("subscriber_id", id).Msg("watch subscriber unregistered")
}

// Publish hands an event to the dispatch loop. Never blocks; when the
// broadcast buffer is full the event is dropped with a warning.
func (h *Hub) Publish(event events.Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Warn().
			Str("event_type", string(event.Type)).
			Str("topic", event.Topic).
			Int64("seq", event.Seq).
			Msg("event dropped: broadcast channel full")
	}
}

// Subscribe attaches a subscriber. Returns immediately once the
// dispatch loop has it; a stopped hub ignores the request.
func (h *Hub) Subscribe(sub ports.Subscriber) {
	select {
	case h.register <- sub:
	case <-h.done:
	}
}

// Unsubscribe detaches and closes the subscriber with the given ID.
func (h *Hub) Unsubscribe(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// IsRunning reports whether the dispatch loop is live.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
