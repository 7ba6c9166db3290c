package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/hub"
	watchhttp "github.com/watchd-dev/watchd/internal/server/http"
	"github.com/watchd-dev/watchd/internal/store"
)

// storePublisher mirrors the app wiring: the store sequences, the hub
// fans out.
type storePublisher struct {
	store *store.Store
	hub   *hub.Hub
}

func (p *storePublisher) PublishEvent(e events.Event) (events.Event, error) {
	stored, err := p.store.Append(e)
	if err != nil {
		return events.Event{}, err
	}
	p.hub.Publish(stored)
	return stored, nil
}

// startWatchServer brings up a real watchd HTTP server with the given
// minimum request timeout.
func startWatchServer(t *testing.T, min time.Duration) (*httptest.Server, *storePublisher) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	h := hub.New()
	if err := h.Start(); err != nil {
		t.Fatalf("hub.Start() error = %v", err)
	}

	pub := &storePublisher{store: st, hub: h}
	sel := watchhttp.NewDeadlineSelector(min, rand.New(rand.NewSource(11)))
	srv := watchhttp.New("127.0.0.1", 0,
		func() map[string]interface{} { return map[string]interface{}{} },
		h, st, pub, sel, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = h.Stop()
		_ = st.Close()
	})
	return ts, pub
}

func TestEndToEnd_GracefulEndWithinRandomizedWindow(t *testing.T) {
	// Server floor of 1s: the stream must end gracefully in [1s, 2s).
	// The client's 10s request timeout never fires.
	min := time.Second
	ts, pub := startWatchServer(t, min)

	c, err := New(ts.URL, Timeout(10*time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	stream, err := c.Watch(context.Background(), WatchOptions{Topic: "alpha"})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	// A mid-stream event proves events flow before the deadline.
	if _, err := pub.PublishEvent(events.New(events.EventTypeAdded, "alpha", json.RawMessage(`{"n":1}`))); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	var sawEvent bool
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v, want graceful io.EOF", err)
		}
		if ev.Topic == "alpha" {
			sawEvent = true
		}
	}

	elapsed := time.Since(start)
	if !sawEvent {
		t.Error("no event delivered before the deadline")
	}
	if elapsed < min {
		t.Errorf("stream ended after %v, before the %v floor", elapsed, min)
	}
	if elapsed >= 2*min+time.Second {
		t.Errorf("stream ended after %v, past the %v ceiling", elapsed, 2*min)
	}
}

func TestEndToEnd_ExplicitTimeoutSecondsWins(t *testing.T) {
	// A one-hour floor proves the explicit 1s deadline is honored
	// exactly rather than randomized.
	ts, _ := startWatchServer(t, time.Hour)

	c, err := New(ts.URL, Timeout(10*time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	explicit := int64(1)
	start := time.Now()
	stream, err := c.Watch(context.Background(), WatchOptions{TimeoutSeconds: &explicit})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() error = %v, want io.EOF", err)
	}

	elapsed := time.Since(start)
	if elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("explicit 1s deadline closed the stream after %v", elapsed)
	}
}

func TestEndToEnd_ReconnectWithCursorSeesMissedEvents(t *testing.T) {
	ts, pub := startWatchServer(t, time.Hour)

	first, err := pub.PublishEvent(events.New(events.EventTypeAdded, "alpha", json.RawMessage(`{"n":1}`)))
	if err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	second, err := pub.PublishEvent(events.New(events.EventTypeModified, "alpha", json.RawMessage(`{"n":2}`)))
	if err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	c, err := New(ts.URL, Timeout(10*time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	explicit := int64(5)
	stream, err := c.Watch(context.Background(), WatchOptions{
		Topic:          "alpha",
		Since:          &first.Seq,
		TimeoutSeconds: &explicit,
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Seq != second.Seq {
		t.Errorf("replayed seq = %d, want %d", ev.Seq, second.Seq)
	}
}

func TestEndToEnd_PublishThroughClient(t *testing.T) {
	ts, _ := startWatchServer(t, time.Hour)

	c, err := New(ts.URL, RequestTimeout{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stored, err := c.Publish(context.Background(), "alpha", events.EventTypeAdded, json.RawMessage(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if stored.Seq == 0 {
		t.Error("published event has no sequence number")
	}

	explicit := int64(5)
	fromStart := int64(0)
	stream, err := c.Watch(context.Background(), WatchOptions{
		Topic:          "alpha",
		Since:          &fromStart,
		TimeoutSeconds: &explicit,
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Seq != stored.Seq {
		t.Errorf("watched seq = %d, want %d", ev.Seq, stored.Seq)
	}
}
