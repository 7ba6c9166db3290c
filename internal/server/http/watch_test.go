package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/hub"
	"github.com/watchd-dev/watchd/internal/store"
	"github.com/watchd-dev/watchd/internal/testutil"
)

// seqPublisher sequences through the store and fans out via the hub,
// the same wiring the app provides in production.
type seqPublisher struct {
	store *store.Store
	hub   *hub.Hub
}

func (p *seqPublisher) PublishEvent(e events.Event) (events.Event, error) {
	stored, err := p.store.Append(e)
	if err != nil {
		return events.Event{}, err
	}
	p.hub.Publish(stored)
	return stored, nil
}

type testEnv struct {
	hub   *hub.Hub
	store *store.Store
	pub   *seqPublisher
	srv   *Server
	ts    *httptest.Server
}

func newTestEnv(t *testing.T, min time.Duration) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}

	h := hub.New()
	if err := h.Start(); err != nil {
		t.Fatalf("hub.Start() error = %v", err)
	}

	pub := &seqPublisher{store: st, hub: h}
	sel := NewDeadlineSelector(min, rand.New(rand.NewSource(1)))
	statusFn := func() map[string]interface{} {
		return map[string]interface{}{"watchers": h.SubscriberCount()}
	}

	srv := New("127.0.0.1", 0, statusFn, h, st, pub, sel, nil)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		_ = h.Stop()
		_ = st.Close()
	})

	return &testEnv{hub: h, store: st, pub: pub, srv: srv, ts: ts}
}

func (e *testEnv) publish(t *testing.T, topic string, typ events.EventType, object string) events.Event {
	t.Helper()
	stored, err := e.pub.PublishEvent(events.New(typ, topic, json.RawMessage(object)))
	if err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	return stored
}

func readEvents(t *testing.T, body io.Reader, n int) []events.Event {
	t.Helper()
	scanner := bufio.NewScanner(body)
	var out []events.Event
	for len(out) < n && scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		out = append(out, ev)
	}
	if len(out) < n {
		t.Fatalf("stream ended after %d events, want %d (scan err: %v)", len(out), n, scanner.Err())
	}
	return out
}

func TestWatch_GracefulCloseWithinRandomizedWindow(t *testing.T) {
	min := 400 * time.Millisecond
	env := newTestEnv(t, min)

	start := time.Now()
	resp, err := http.Get(env.ts.URL + "/v1/watch")
	if err != nil {
		t.Fatalf("watch request error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}

	// No events are published; the body must end when the randomized
	// deadline elapses, with no error status.
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("stream did not end cleanly: %v", err)
	}

	elapsed := time.Since(start)
	if elapsed < min {
		t.Errorf("stream closed after %v, before the %v floor", elapsed, min)
	}
	if elapsed >= 2*min+500*time.Millisecond {
		t.Errorf("stream closed after %v, past the %v ceiling", elapsed, 2*min)
	}
}

func TestWatch_ExplicitZeroTimeoutClosesImmediately(t *testing.T) {
	// A large floor proves the explicit value wins over randomization.
	env := newTestEnv(t, time.Hour)

	start := time.Now()
	resp, err := http.Get(env.ts.URL + "/v1/watch?timeoutSeconds=0")
	if err != nil {
		t.Fatalf("watch request error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("stream did not end cleanly: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("explicit zero deadline took %v to close", elapsed)
	}
}

func TestWatch_InvalidTimeoutSecondsRejected(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	for _, raw := range []string{"-1", "abc", "1.5"} {
		resp, err := http.Get(env.ts.URL + "/v1/watch?timeoutSeconds=" + raw)
		if err != nil {
			t.Fatalf("watch request error = %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("timeoutSeconds=%s: status = %d, want 400", raw, resp.StatusCode)
		}
	}
}

func TestWatch_StreamsEventsInOrderWithTopicFilter(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	resp, err := http.Get(env.ts.URL + "/v1/watch?topic=alpha&timeoutSeconds=30")
	if err != nil {
		t.Fatalf("watch request error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	testutil.WaitFor(t, time.Second, func() bool {
		return env.hub.SubscriberCount() == 1
	}, "watch subscribed")

	env.publish(t, "alpha", events.EventTypeAdded, `{"n":1}`)
	env.publish(t, "beta", events.EventTypeAdded, `{"n":2}`)
	env.publish(t, "alpha", events.EventTypeModified, `{"n":3}`)

	got := readEvents(t, resp.Body, 2)
	if got[0].Topic != "alpha" || got[0].Type != events.EventTypeAdded {
		t.Errorf("event[0] = %+v, want alpha ADDED", got[0])
	}
	if got[1].Topic != "alpha" || got[1].Type != events.EventTypeModified {
		t.Errorf("event[1] = %+v, want alpha MODIFIED", got[1])
	}
	if got[1].Seq <= got[0].Seq {
		t.Errorf("sequence not increasing: %d then %d", got[0].Seq, got[1].Seq)
	}
}

func TestWatch_ReplaySinceCursor(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	var seqs []int64
	for i := 0; i < 5; i++ {
		stored := env.publish(t, "alpha", events.EventTypeAdded, `{}`)
		seqs = append(seqs, stored.Seq)
	}

	resp, err := http.Get(env.ts.URL + "/v1/watch?topic=alpha&since=" +
		strconv.FormatInt(seqs[1], 10) + "&timeoutSeconds=30")
	if err != nil {
		t.Fatalf("watch request error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	got := readEvents(t, resp.Body, 3)
	for i, ev := range got {
		if ev.Seq != seqs[i+2] {
			t.Errorf("replayed event %d has seq %d, want %d", i, ev.Seq, seqs[i+2])
		}
	}
}

func TestWatch_ClientDisconnectReleasesSubscription(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/v1/watch", nil)
	if err != nil {
		t.Fatalf("NewRequest error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch request error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	testutil.WaitFor(t, time.Second, func() bool {
		return env.hub.SubscriberCount() == 1
	}, "watch subscribed")

	// The handler must notice the disconnect well before its deadline
	// (one hour here) and release the subscription.
	cancel()
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return env.hub.SubscriberCount() == 0
	}, "subscription released on disconnect")
}

func TestWatch_LiveEventsAfterReplayNotDuplicated(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	first := env.publish(t, "alpha", events.EventTypeAdded, `{"n":1}`)

	resp, err := http.Get(env.ts.URL + "/v1/watch?topic=alpha&since=0&timeoutSeconds=30")
	if err != nil {
		t.Fatalf("watch request error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	testutil.WaitFor(t, time.Second, func() bool {
		return env.hub.SubscriberCount() == 1
	}, "watch subscribed")

	second := env.publish(t, "alpha", events.EventTypeModified, `{"n":2}`)

	got := readEvents(t, resp.Body, 2)
	if got[0].Seq != first.Seq {
		t.Errorf("event[0].Seq = %d, want %d", got[0].Seq, first.Seq)
	}
	if got[1].Seq != second.Seq {
		t.Errorf("event[1].Seq = %d, want %d", got[1].Seq, second.Seq)
	}
}
