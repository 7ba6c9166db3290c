// Package events defines the event types carried on watchd streams.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the kind of change an event describes.
type EventType string

const (
	// EventTypeAdded signals a new object on the topic.
	EventTypeAdded EventType = "ADDED"

	// EventTypeModified signals an update to an existing object.
	EventTypeModified EventType = "MODIFIED"

	// EventTypeDeleted signals an object removal.
	EventTypeDeleted EventType = "DELETED"

	// EventTypeError is a terminal event carrying an ErrorObject payload.
	// A stream that delivers one closes immediately afterwards; it is the
	// only way a feed failure reaches a watcher, and is distinct from the
	// stream simply ending (which is a graceful end-of-watch).
	EventTypeError EventType = "ERROR"
)

// Event is a single entry on a watch stream. Seq is assigned by the
// event store when the event is published; events replayed or streamed
// to a watcher always carry it.
type Event struct {
	Seq    int64           `json:"seq,omitempty"`
	Type   EventType       `json:"type"`
	Topic  string          `json:"topic,omitempty"`
	Time   time.Time       `json:"time"`
	Object json.RawMessage `json:"object,omitempty"`
}

// New creates an event for the given topic with the current timestamp.
func New(t EventType, topic string, object json.RawMessage) Event {
	return Event{
		Type:   t,
		Topic:  topic,
		Time:   time.Now().UTC(),
		Object: object,
	}
}

// ToJSON serializes the event to its wire form (one NDJSON line, sans
// trailing newline).
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ErrorObject is the payload of an EventTypeError event.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError creates a terminal error event for a topic.
func NewError(topic, code, message string) Event {
	payload, _ := json.Marshal(ErrorObject{Code: code, Message: message})
	return Event{
		Type:   EventTypeError,
		Topic:  topic,
		Time:   time.Now().UTC(),
		Object: payload,
	}
}

// ErrorPayload decodes the ErrorObject of an EventTypeError event.
// Returns false when the event is not an error event.
func (e Event) ErrorPayload() (ErrorObject, bool) {
	if e.Type != EventTypeError {
		return ErrorObject{}, false
	}
	var obj ErrorObject
	if err := json.Unmarshal(e.Object, &obj); err != nil {
		return ErrorObject{Code: "UNKNOWN", Message: string(e.Object)}, true
	}
	return obj, true
}
