package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/testutil"
)

func startTestWatcher(t *testing.T, ignore []string) (string, *testutil.MockPublisher) {
	t.Helper()

	root := t.TempDir()
	pub := testutil.NewMockPublisher()
	w := New(root, "files", pub, 20*time.Millisecond, ignore)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	return root, pub
}

func changeFor(t *testing.T, ev events.Event) FileChange {
	t.Helper()
	var fc FileChange
	if err := json.Unmarshal(ev.Object, &fc); err != nil {
		t.Fatalf("bad file change payload %s: %v", ev.Object, err)
	}
	return fc
}

func waitForEvent(t *testing.T, pub *testutil.MockPublisher, match func(events.Event) bool, msg string) events.Event {
	t.Helper()
	var found events.Event
	testutil.WaitFor(t, 3*time.Second, func() bool {
		for _, ev := range pub.Events() {
			if match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, msg)
	return found
}

func TestWatcher_PublishesCreate(t *testing.T) {
	root, pub := startTestWatcher(t, nil)

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ev := waitForEvent(t, pub, func(ev events.Event) bool {
		return changeFor(t, ev).Path == "new.txt"
	}, "create event published")

	if ev.Type != events.EventTypeAdded {
		t.Errorf("event type = %s, want ADDED", ev.Type)
	}
	if ev.Topic != "files" {
		t.Errorf("event topic = %q, want files", ev.Topic)
	}
}

func TestWatcher_PublishesDelete(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	pub := testutil.NewMockPublisher()
	w := New(root, "files", pub, 20*time.Millisecond, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	if err := os.Remove(target); err != nil {
		t.Fatalf("remove file: %v", err)
	}

	ev := waitForEvent(t, pub, func(ev events.Event) bool {
		fc := changeFor(t, ev)
		return fc.Path == "gone.txt" && ev.Type == events.EventTypeDeleted
	}, "delete event published")

	if fc := changeFor(t, ev); fc.Op != string(events.EventTypeDeleted) {
		t.Errorf("payload op = %q", fc.Op)
	}
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	root, pub := startTestWatcher(t, nil)

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// Give the watcher a moment to pick up the new directory before
	// creating inside it.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	waitForEvent(t, pub, func(ev events.Event) bool {
		return changeFor(t, ev).Path == filepath.Join("sub", "inner.txt")
	}, "event from new subdirectory")
}

func TestWatcher_IgnoresPatterns(t *testing.T) {
	root, pub := startTestWatcher(t, []string{".git", "*.tmp"})

	gitDir := filepath.Join(root, ".git")
	if err := os.Mkdir(gitDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "kept.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	waitForEvent(t, pub, func(ev events.Event) bool {
		return changeFor(t, ev).Path == "kept.txt"
	}, "non-ignored event published")

	for _, ev := range pub.Events() {
		fc := changeFor(t, ev)
		if fc.Path == "scratch.tmp" || fc.Path == ".git" {
			t.Errorf("ignored path %q was published", fc.Path)
		}
	}
}

func TestWatcher_StartStopIdempotent(t *testing.T) {
	w := New(t.TempDir(), "files", testutil.NewMockPublisher(), 20*time.Millisecond, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestWatcher_MissingRootPublishesNothing(t *testing.T) {
	pub := testutil.NewMockPublisher()
	w := New(filepath.Join(t.TempDir(), "does-not-exist"), "files", pub, 20*time.Millisecond, nil)

	if err := w.Start(context.Background()); err == nil {
		defer func() { _ = w.Stop() }()
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(pub.Events()); n != 0 {
		t.Errorf("published %d events for a missing root", n)
	}
}
