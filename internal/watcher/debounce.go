package watcher

import (
	"sync"
	"time"

	"github.com/watchd-dev/watchd/internal/domain/events"
)

// pendingChange is one path waiting out its debounce window.
type pendingChange struct {
	typ   events.EventType
	timer *time.Timer
}

// Debouncer coalesces rapid file system events per path: editors
// often produce several writes (and create/write pairs) for one save.
type Debouncer struct {
	window   time.Duration
	callback func(path string, typ events.EventType)

	mu      sync.Mutex
	pending map[string]*pendingChange
	stopped bool
}

// NewDebouncer creates a debouncer with the given window and callback.
func NewDebouncer(window time.Duration, callback func(path string, typ events.EventType)) *Debouncer {
	return &Debouncer{
		window:   window,
		callback: callback,
		pending:  make(map[string]*pendingChange),
	}
}

// Add queues a change for the path, restarting its window.
func (d *Debouncer) Add(path string, typ events.EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[path]; ok {
		existing.timer.Stop()
		existing.typ = mergeTypes(existing.typ, typ)
		existing.timer = time.AfterFunc(d.window, func() { d.fire(path) })
		return
	}

	d.pending[path] = &pendingChange{
		typ:   typ,
		timer: time.AfterFunc(d.window, func() { d.fire(path) }),
	}
}

// Stop cancels all pending timers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
}

func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if ok && !stopped {
		d.callback(path, p.typ)
	}
}

// mergeTypes keeps the change type that dominates within one window:
// a deletion always wins, and a create followed by writes is still a
// create from the consumer's view.
func mergeTypes(prev, next events.EventType) events.EventType {
	switch {
	case prev == events.EventTypeDeleted || next == events.EventTypeDeleted:
		return events.EventTypeDeleted
	case prev == events.EventTypeAdded:
		return events.EventTypeAdded
	default:
		return next
	}
}
