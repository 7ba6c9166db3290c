package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/hub"
)

// client is one connected websocket watch.
type client struct {
	id   string
	conn *websocket.Conn
	sub  *hub.ChannelSubscriber

	closeOnce sync.Once
}

// writePump forwards events to the peer until the server deadline
// elapses, the subscription closes, or a write fails. Deadline expiry
// sends a normal closure so the peer sees a graceful end-of-watch.
func (c *client) writePump(deadline time.Duration, unsubscribe func()) {
	timer := time.NewTimer(deadline)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		timer.Stop()
		ticker.Stop()
		unsubscribe()
		c.close()
	}()

	for {
		// Deadline has priority over a ready event.
		select {
		case <-timer.C:
			c.sendClose(websocket.CloseNormalClosure, "watch deadline elapsed")
			return
		default:
		}

		select {
		case <-timer.C:
			c.sendClose(websocket.CloseNormalClosure, "watch deadline elapsed")
			return

		case ev, open := <-c.sub.Events():
			if !open {
				c.sendClose(websocket.CloseGoingAway, "subscription closed")
				return
			}
			line, err := ev.ToJSON()
			if err != nil {
				log.Error().Err(err).Str("watch_id", c.id).Msg("failed to encode event")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
				log.Debug().Err(err).Str("watch_id", c.id).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pongs and close frames are
// processed, and detects a gone peer promptly.
func (c *client) readPump(unsubscribe func()) {
	defer func() {
		unsubscribe()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("watch_id", c.id).Msg("websocket closed unexpectedly")
			}
			return
		}
		// Incoming messages are ignored; the watch stream is one-way.
	}
}

func (c *client) sendClose(code int, reason string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
