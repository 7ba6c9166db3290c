package client

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/watchd-dev/watchd/internal/domain"
	"github.com/watchd-dev/watchd/internal/domain/events"
)

// Stream is one open watch. Events arrive in server order via Next.
//
// The termination contract is a tagged outcome:
//
//	io.EOF               - graceful end-of-watch: the server's deadline
//	                       elapsed. Reconnect (with Since set to the
//	                       last seen seq) if still interested.
//	*domain.ReadTimeoutError - the client's socket read deadline fired
//	                       with no data; carries host and port.
//	*domain.FeedError    - the server reported a feed failure before
//	                       closing the stream.
type Stream struct {
	body io.ReadCloser
	dec  *json.Decoder
	host string
	port int

	mu     sync.Mutex
	closed bool
}

func newStream(body io.ReadCloser, host string, port int) *Stream {
	return &Stream{
		body: body,
		dec:  json.NewDecoder(body),
		host: host,
		port: port,
	}
}

// Next blocks until the next event arrives or the stream terminates.
func (s *Stream) Next() (events.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return events.Event{}, domain.ErrStreamClosed
	}
	s.mu.Unlock()

	var ev events.Event
	if err := s.dec.Decode(&ev); err != nil {
		return events.Event{}, s.terminationError(err)
	}

	if payload, isErr := ev.ErrorPayload(); isErr {
		// Terminal: the server closes the stream after an ERROR event.
		return events.Event{}, domain.NewFeedError(payload.Code, payload.Message)
	}
	return ev, nil
}

// terminationError maps a decode failure onto the termination
// contract.
func (s *Stream) terminationError(err error) error {
	// A clean close lands exactly on a line boundary; a close racing
	// the last chunk can surface as an unexpected EOF. Both are the
	// server ending the watch.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &domain.ReadTimeoutError{Host: s.host, Port: s.port, Err: err}
	}
	return err
}

// Close releases the stream. Safe to call concurrently with a blocked
// Next; the blocked read unblocks with an error.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
