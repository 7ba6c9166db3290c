// Package watcher implements the built-in file system event source
// using fsnotify. File changes under the configured root are published
// to the daemon's topic so they reach every open watch stream.
package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/domain/ports"
)

// FileChange is the object payload of a file event.
type FileChange struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// Watcher watches a directory tree and publishes file-change events.
type Watcher struct {
	rootPath       string
	topic          string
	publisher      ports.Publisher
	debounceWindow time.Duration
	ignorePatterns []string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	running bool

	debouncer *Debouncer
}

// New creates a file system event source rooted at rootPath.
func New(rootPath, topic string, publisher ports.Publisher, debounce time.Duration, ignorePatterns []string) *Watcher {
	return &Watcher{
		rootPath:       rootPath,
		topic:          topic,
		publisher:      publisher,
		debounceWindow: debounce,
		ignorePatterns: ignorePatterns,
	}
}

// Start begins watching. No-op when already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.debouncer = NewDebouncer(w.debounceWindow, w.publish)
	w.running = true
	w.mu.Unlock()

	if err := w.addRecursive(w.rootPath); err != nil {
		_ = w.Stop()
		return err
	}

	go w.eventLoop(watchCtx)

	log.Info().
		Str("path", w.rootPath).
		Str("topic", w.topic).
		Dur("debounce", w.debounceWindow).
		Msg("file watcher started")
	return nil
}

// Stop terminates watching. No-op when not running.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	if w.cancel != nil {
		w.cancel()
	}
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		log.Info().Msg("file watcher stopped")
		return err
	}
	return nil
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.rootPath, ev.Name)
	if err != nil || w.ignored(rel) {
		return
	}

	// New directories need their own watches before anything inside
	// them changes.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				log.Warn().Err(err).Str("path", rel).Msg("failed to watch new directory")
			}
			return
		}
	}

	var typ events.EventType
	switch {
	case ev.Op&fsnotify.Create != 0:
		typ = events.EventTypeAdded
	case ev.Op&fsnotify.Write != 0:
		typ = events.EventTypeModified
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		typ = events.EventTypeDeleted
	default:
		return
	}

	w.debouncer.Add(rel, typ)
}

// publish is the debouncer callback: one event per settled path.
func (w *Watcher) publish(path string, typ events.EventType) {
	object, err := json.Marshal(FileChange{Path: path, Op: string(typ)})
	if err != nil {
		return
	}
	if _, err := w.publisher.PublishEvent(events.New(typ, w.topic, object)); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to publish file event")
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.rootPath, path)
		if relErr == nil && rel != "." && w.ignored(rel) {
			return filepath.SkipDir
		}
		w.mu.Lock()
		fsw := w.watcher
		w.mu.Unlock()
		if fsw == nil {
			return filepath.SkipAll
		}
		if err := fsw.Add(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to add watch")
		}
		return nil
	})
}

// ignored matches any path segment against the ignore patterns.
func (w *Watcher) ignored(rel string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range w.ignorePatterns {
			if matched, _ := filepath.Match(pattern, segment); matched {
				return true
			}
		}
	}
	return false
}
