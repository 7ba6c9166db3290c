// Package client implements the Go client for a watchd server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/watchd-dev/watchd/internal/domain"
	"github.com/watchd-dev/watchd/internal/domain/events"
)

// dialTimeout bounds the TCP connect phase. Independent of
// RequestTimeout, which only governs reads.
const dialTimeout = 10 * time.Second

// Client talks to a watchd server.
type Client struct {
	baseURL    *url.URL
	host       string
	port       int
	httpClient *http.Client
	timeout    RequestTimeout
}

// New creates a client for the server at rawURL. timeout configures
// the per-read socket deadline for watch streams; the zero value
// applies none.
func New(rawURL string, timeout RequestTimeout) (*Client, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", rawURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}

	host := base.Hostname()
	port := 80
	if base.Scheme == "https" {
		port = 443
	}
	if p := base.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", rawURL, err)
		}
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if read, ok := timeout.ReadTimeout(); ok {
				return &readDeadlineConn{Conn: conn, timeout: read}, nil
			}
			return conn, nil
		},
		// One watch per connection; pooling an armed deadline conn
		// would leak the deadline into unrelated requests.
		DisableKeepAlives: true,
	}

	return &Client{
		baseURL:    base,
		host:       host,
		port:       port,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}, nil
}

// Host returns the server host the client connects to.
func (c *Client) Host() string {
	return c.host
}

// Port returns the server port the client connects to.
func (c *Client) Port() int {
	return c.port
}

// WatchOptions are the parameters of one watch request.
type WatchOptions struct {
	// Topic restricts the stream to one topic ("" = all).
	Topic string

	// Since replays stored events with seq > *Since before going
	// live. nil means live-only; an explicit zero replays the whole
	// log.
	Since *int64

	// TimeoutSeconds is the server-side watch deadline hint,
	// propagated as the timeoutSeconds query parameter. nil lets the
	// server pick a randomized deadline; an explicit zero asks for an
	// immediate one.
	TimeoutSeconds *int64
}

// Watch opens a watch stream. The returned Stream yields events until
// the server closes the stream (Next returns io.EOF, the expected
// end-of-watch) or a failure occurs.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) (*Stream, error) {
	u := *c.baseURL
	u.Path = "/v1/watch"

	q := url.Values{}
	if opts.Topic != "" {
		q.Set("topic", opts.Topic)
	}
	if opts.Since != nil {
		q.Set("since", strconv.FormatInt(*opts.Since, 10))
	}
	if opts.TimeoutSeconds != nil {
		q.Set("timeoutSeconds", strconv.FormatInt(*opts.TimeoutSeconds, 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The read deadline can fire before the server sends any
		// response headers; that is the same silent-peer condition as a
		// mid-stream stall and reports the same way.
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, &domain.ReadTimeoutError{Host: c.host, Port: c.port, Err: err}
		}
		return nil, fmt.Errorf("watch request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("watch request failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	return newStream(resp.Body, c.host, c.port), nil
}

// Publish sends one event to the server and returns the stored form
// with its assigned sequence number.
func (c *Client) Publish(ctx context.Context, topic string, typ events.EventType, object json.RawMessage) (events.Event, error) {
	u := *c.baseURL
	u.Path = "/v1/events"

	payload, err := json.Marshal(map[string]interface{}{
		"topic":  topic,
		"type":   typ,
		"object": object,
	})
	if err != nil {
		return events.Event{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return events.Event{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return events.Event{}, fmt.Errorf("publish request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return events.Event{}, fmt.Errorf("publish request failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var stored events.Event
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return events.Event{}, fmt.Errorf("decode publish response: %w", err)
	}
	return stored, nil
}
