// Package http implements the HTTP API server for watchd.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/domain"
	"github.com/watchd-dev/watchd/internal/domain/events"
	"github.com/watchd-dev/watchd/internal/domain/ports"
)

// requestTimeout bounds non-streaming API requests. Watch and
// websocket routes are exempt: their lifetime is governed by the
// DeadlineSelector, not by transport-level middleware.
const requestTimeout = 10 * time.Second

// Server is the HTTP API server.
type Server struct {
	server    *http.Server
	router    *mux.Router
	addr      string
	statusFn  func() map[string]interface{}
	eventHub  ports.EventHub
	store     ports.EventStore
	publisher ports.Publisher
	deadlines *DeadlineSelector
	wsHandler http.Handler
}

// New creates a new HTTP server. wsHandler may be nil, in which case
// no websocket route is mounted.
func New(host string, port int, statusFn func() map[string]interface{}, eventHub ports.EventHub, store ports.EventStore, publisher ports.Publisher, deadlines *DeadlineSelector, wsHandler http.Handler) *Server {
	addr := fmt.Sprintf("%s:%d", host, port)

	s := &Server{
		addr:      addr,
		router:    mux.NewRouter(),
		statusFn:  statusFn,
		eventHub:  eventHub,
		store:     store,
		publisher: publisher,
		deadlines: deadlines,
		wsHandler: wsHandler,
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/events", s.handlePublish).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/watch", s.handleWatch).Methods(http.MethodGet)

	if wsHandler != nil {
		s.router.Handle("/v1/ws", wsHandler).Methods(http.MethodGet)
		log.Debug().Msg("websocket watch route registered at /v1/ws")
	}

	return s
}

// Handler returns the server's full middleware-wrapped handler.
// Exposed so tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	// request -> logging -> timeout (non-streaming only) -> cors -> router
	var handler http.Handler = s.router
	handler = corsMiddleware(handler)
	handler = timeoutMiddleware(requestTimeout, handler)
	handler = requestLoggingMiddleware(handler)
	return handler
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", s.addr).Msg("HTTP server starting")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Info().Msg("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus handles GET /v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusFn())
}

// PublishRequest is the body of POST /v1/events.
type PublishRequest struct {
	Topic  string           `json:"topic"`
	Type   events.EventType `json:"type"`
	Object json.RawMessage  `json:"object,omitempty"`
}

// handlePublish handles POST /v1/events
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrCodeInvalidPayload, err.Error())
		return
	}

	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, domain.ErrCodeInvalidPayload, domain.ErrEmptyTopic.Error())
		return
	}
	switch req.Type {
	case events.EventTypeAdded, events.EventTypeModified, events.EventTypeDeleted:
	default:
		writeError(w, http.StatusBadRequest, domain.ErrCodeInvalidPayload, domain.ErrInvalidEventType.Error())
		return
	}

	stored, err := s.publisher.PublishEvent(events.New(req.Type, req.Topic, req.Object))
	if err != nil {
		log.Error().Err(err).Str("topic", req.Topic).Msg("failed to publish event")
		writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "failed to publish event")
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// requestLoggingMiddleware logs request start and completion.
func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Msg("incoming request")

		next.ServeHTTP(w, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// timeoutMiddleware bounds request handling for the non-streaming
// routes. Streaming routes are long-lived by contract and must not be
// cut short here.
func timeoutMiddleware(timeout time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/watch" || r.URL.Path == "/v1/ws" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows browser clients on localhost origins.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && IsLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// IsLocalOrigin reports whether origin is a localhost origin. Shared
// with the websocket transport's origin check.
func IsLocalOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

// writeJSON writes data as a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":  code,
		"error": message,
	})
}

// parseInt64Param returns the named query parameter as int64, or
// defaultVal when absent or malformed.
func parseInt64Param(r *http.Request, name string, defaultVal int64) int64 {
	valStr := r.URL.Query().Get(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseInt(valStr, 10, 64)
	if err != nil {
		return defaultVal
	}
	return val
}
