// Package app wires the watchd components together and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/config"
	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/hub"
	httpserver "github.com/watchd-dev/watchd/internal/server/http"
	"github.com/watchd-dev/watchd/internal/server/websocket"
	"github.com/watchd-dev/watchd/internal/store"
	"github.com/watchd-dev/watchd/internal/watcher"
)

// pruneInterval is how often the event log is trimmed back to
// store.max_events.
const pruneInterval = 5 * time.Minute

// App is the composed watchd daemon.
type App struct {
	cfg        *config.Config
	eventHub   *hub.Hub
	eventStore *store.Store
	fileSource *watcher.Watcher
	httpServer *httpserver.Server

	startTime time.Time
	pruneDone chan struct{}
}

// New creates the daemon from configuration. Nothing starts running
// until Start.
func New(cfg *config.Config) (*App, error) {
	eventStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	a := &App{
		cfg:        cfg,
		eventHub:   hub.New(),
		eventStore: eventStore,
		pruneDone:  make(chan struct{}),
	}

	deadlines := httpserver.NewDeadlineSelector(
		time.Duration(cfg.Server.MinRequestTimeoutSecs)*time.Second, nil)

	wsHandler := websocket.NewHandler(a.eventHub, deadlines)

	a.httpServer = httpserver.New(
		cfg.Server.Host, cfg.Server.Port,
		a.Status, a.eventHub, a.eventStore, a, deadlines, wsHandler)

	if cfg.Watcher.Enabled {
		a.fileSource = watcher.New(
			cfg.Watcher.Path, cfg.Watcher.Topic, a,
			time.Duration(cfg.Watcher.DebounceMS)*time.Millisecond,
			cfg.Watcher.IgnorePatterns)
	}

	return a, nil
}

// PublishEvent sequences the event through the store and fans it out.
// Implements ports.Publisher for the HTTP server and the file source.
func (a *App) PublishEvent(event events.Event) (events.Event, error) {
	stored, err := a.eventStore.Append(event)
	if err != nil {
		return events.Event{}, err
	}
	a.eventHub.Publish(stored)
	return stored, nil
}

// Start brings the daemon up.
func (a *App) Start(ctx context.Context) error {
	a.startTime = time.Now()

	if err := a.eventHub.Start(); err != nil {
		return fmt.Errorf("start event hub: %w", err)
	}

	if a.fileSource != nil {
		if err := a.fileSource.Start(ctx); err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
	}

	if err := a.httpServer.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	go a.pruneLoop()

	log.Info().
		Str("host", a.cfg.Server.Host).
		Int("port", a.cfg.Server.Port).
		Int("min_request_timeout_secs", a.cfg.Server.MinRequestTimeoutSecs).
		Msg("watchd started")
	return nil
}

// Stop shuts the daemon down in reverse order.
func (a *App) Stop(ctx context.Context) error {
	close(a.pruneDone)

	if err := a.httpServer.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if a.fileSource != nil {
		if err := a.fileSource.Stop(); err != nil {
			log.Warn().Err(err).Msg("file watcher shutdown error")
		}
	}
	if err := a.eventHub.Stop(); err != nil {
		log.Warn().Err(err).Msg("event hub shutdown error")
	}
	if err := a.eventStore.Close(); err != nil {
		log.Warn().Err(err).Msg("event store shutdown error")
	}

	log.Info().Msg("watchd stopped")
	return nil
}

// Status reports daemon state for /v1/status.
func (a *App) Status() map[string]interface{} {
	lastSeq, err := a.eventStore.LastSeq()
	if err != nil {
		lastSeq = -1
	}
	return map[string]interface{}{
		"uptime_seconds":  int64(time.Since(a.startTime).Seconds()),
		"watchers":        a.eventHub.SubscriberCount(),
		"last_seq":        lastSeq,
		"watcher_enabled": a.fileSource != nil,
	}
}

func (a *App) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.pruneDone:
			return
		case <-ticker.C:
			if err := a.eventStore.Prune(a.cfg.Store.MaxEvents); err != nil {
				log.Warn().Err(err).Msg("event store prune failed")
			}
		}
	}
}
