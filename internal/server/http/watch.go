package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/domain"
	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/hub"
)

var errInvalidTimeoutSeconds = errors.New("timeoutSeconds must be a non-negative integer")

const (
	// watchBufferSize bounds undelivered events per watch before the
	// hub declares the watcher too slow and drops it.
	watchBufferSize = 256

	// replayBatchSize bounds a single replay query.
	replayBatchSize = 500
)

// handleWatch handles GET /v1/watch.
//
// Query parameters:
//
//	topic          - only stream events for this topic ("" = all)
//	since          - replay stored events with seq > since before going live
//	timeoutSeconds - server-side watch deadline; when absent the server
//	                 picks a randomized deadline in [min, 2*min)
//
// The response is newline-delimited JSON, one event per line. The
// stream ending without an ERROR event is the expected end-of-watch:
// the server's deadline elapsed and the client should reconnect
// (passing the last seen seq as since) if still interested.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "streaming unsupported")
		return
	}

	explicit, err := parseTimeoutSeconds(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrCodeInvalidParam, err.Error())
		return
	}
	topic := r.URL.Query().Get("topic")

	// An absent since means live-only; an explicit since (including 0)
	// replays stored events with seq > since before going live.
	withReplay := r.URL.Query().Get("since") != ""
	since := parseInt64Param(r, "since", 0)

	deadline := s.deadlines.Select(explicit)

	// Open -> Streaming: subscribe before replaying so no event falls
	// between the replay snapshot and the live feed.
	sub := hub.NewChannelSubscriber(uuid.NewString(), topic, watchBufferSize)
	s.eventHub.Subscribe(sub)
	defer s.eventHub.Unsubscribe(sub.ID())

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	logCtx := log.With().
		Str("watch_id", sub.ID()).
		Str("topic", topic).
		Dur("deadline", deadline).
		Logger()
	logCtx.Debug().Msg("watch stream opened")

	lastSent := since
	if withReplay {
		var ok bool
		if lastSent, ok = s.replay(w, flusher, since, topic); !ok {
			logCtx.Debug().Msg("watch stream closed during replay")
			return
		}
	}

	for {
		// Deadline wins the race against a ready event so stream
		// lifetime stays bounded even under a saturated feed.
		select {
		case <-timer.C:
			logCtx.Debug().Msg("watch deadline elapsed, closing stream")
			return
		default:
		}

		select {
		case <-timer.C:
			// Streaming -> Closed(Graceful). Not an error: the body
			// simply ends and the chunked response terminates cleanly.
			logCtx.Debug().Msg("watch deadline elapsed, closing stream")
			return

		case <-r.Context().Done():
			// Streaming -> Closed(ClientDisconnected). Release the
			// subscription now; never wait out the deadline.
			logCtx.Debug().Msg("client disconnected, closing stream")
			return

		case ev, open := <-sub.Events():
			if !open {
				logCtx.Debug().Msg("subscription closed, closing stream")
				return
			}
			if ev.Seq != 0 && ev.Seq <= lastSent {
				continue
			}
			if !writeEvent(w, flusher, ev) {
				logCtx.Debug().Msg("write failed, closing stream")
				return
			}
			lastSent = ev.Seq
			if ev.Type == events.EventTypeError {
				logCtx.Debug().Msg("feed error delivered, closing stream")
				return
			}
		}
	}
}

// replay streams stored events with seq > since. Returns the last
// sequence sent and false when the stream should close (a feed error
// was delivered or the client is gone).
func (s *Server) replay(w http.ResponseWriter, flusher http.Flusher, since int64, topic string) (int64, bool) {
	last := since
	for {
		batch, err := s.store.Since(last, topic, replayBatchSize)
		if err != nil {
			log.Error().Err(err).Int64("since", last).Msg("event replay failed")
			_ = writeEvent(w, flusher, events.NewError(topic, domain.ErrCodeFeedError, "event replay failed"))
			return last, false
		}
		if len(batch) == 0 {
			return last, true
		}
		for _, ev := range batch {
			if !writeEvent(w, flusher, ev) {
				return last, false
			}
			last = ev.Seq
		}
	}
}

// writeEvent writes one NDJSON line and flushes it. Returns false when
// the client can no longer accept writes.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev events.Event) bool {
	line, err := ev.ToJSON()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode event")
		return true
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// parseTimeoutSeconds distinguishes an absent timeoutSeconds parameter
// (nil: the server randomizes) from an explicit value, including an
// explicit zero, which is a valid immediate deadline.
func parseTimeoutSeconds(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("timeoutSeconds")
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return nil, errInvalidTimeoutSeconds
	}
	return &val, nil
}
