// Package domain contains domain errors used throughout watchd.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrHubNotRunning    = errors.New("event hub is not running")
	ErrSubscriberClosed = errors.New("subscriber is closed")
	ErrStoreClosed      = errors.New("event store is closed")
	ErrStreamClosed     = errors.New("watch stream is closed")
	ErrEmptyTopic       = errors.New("topic cannot be empty")
	ErrInvalidEventType = errors.New("invalid event type")
)

// Error codes for client responses.
const (
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeInvalidParam   = "INVALID_PARAM"
	ErrCodeFeedError      = "FEED_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// ReadTimeoutError reports that the client's socket read deadline
// elapsed with no data received. It carries the target host and port
// for diagnostics. The deadline applies per blocking read, so this is
// only raised when the server went silent for longer than the
// configured bound, not when a long stream is slow overall.
type ReadTimeoutError struct {
	Host string
	Port int
	Err  error
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("%s:%d: read timed out: %v", e.Host, e.Port, e.Err)
}

func (e *ReadTimeoutError) Unwrap() error {
	return e.Err
}

// Timeout reports true so the error satisfies net.Error-style checks.
func (e *ReadTimeoutError) Timeout() bool {
	return true
}

// FeedError is a server-reported feed failure delivered over a watch
// stream as an ERROR event. It is never produced by either timeout
// path: deadline expiry on the server ends the stream without error,
// and client read timeouts surface as *ReadTimeoutError.
type FeedError struct {
	Code    string
	Message string
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed error: %s: %s", e.Code, e.Message)
}

// NewFeedError creates a new FeedError.
func NewFeedError(code, message string) *FeedError {
	return &FeedError{Code: code, Message: message}
}
