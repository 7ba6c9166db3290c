// Package websocket implements the websocket watch transport.
//
// It streams the same events as GET /v1/watch and honors the same
// server-side deadline selection; when the deadline elapses the
// server sends a normal-closure frame, which clients must treat as
// graceful end-of-watch, not a failure.
package websocket

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/domain/ports"
	"github.com/watchd-dev/watchd/internal/hub"
	watchhttp "github.com/watchd-dev/watchd/internal/server/http"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 15 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024

	// Send buffer size per watch.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-host tooling and localhost clients only by default;
		// browsers on other origins are rejected.
		return r.Header.Get("Origin") == "" || watchhttp.IsLocalOrigin(r.Header.Get("Origin"))
	},
}

// Handler upgrades GET /v1/ws requests and streams watch events.
type Handler struct {
	hub       ports.EventHub
	deadlines *watchhttp.DeadlineSelector
}

// NewHandler creates a websocket watch handler sharing the HTTP
// server's hub and deadline selector.
func NewHandler(eventHub ports.EventHub, deadlines *watchhttp.DeadlineSelector) *Handler {
	return &Handler{hub: eventHub, deadlines: deadlines}
}

// ServeHTTP handles GET /v1/ws?topic=&timeoutSeconds=
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var explicit *int64
	if raw := r.URL.Query().Get("timeoutSeconds"); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || val < 0 {
			http.Error(w, "timeoutSeconds must be a non-negative integer", http.StatusBadRequest)
			return
		}
		explicit = &val
	}
	topic := r.URL.Query().Get("topic")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	deadline := h.deadlines.Select(explicit)
	sub := hub.NewChannelSubscriber(uuid.NewString(), topic, sendBufferSize)
	h.hub.Subscribe(sub)

	c := &client{
		id:   sub.ID(),
		conn: conn,
		sub:  sub,
	}

	log.Debug().
		Str("watch_id", c.id).
		Str("topic", topic).
		Dur("deadline", deadline).
		Msg("websocket watch opened")

	go c.writePump(deadline, func() { h.hub.Unsubscribe(sub.ID()) })
	go c.readPump(func() { h.hub.Unsubscribe(sub.ID()) })
}
