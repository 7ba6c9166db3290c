package client

import (
	"net"
	"time"
)

// RequestTimeout bounds each blocking read on the watch connection.
//
// The zero value means no deadline at all: a read blocks until data
// arrives or the OS tears the connection down, which on a silent
// network partition (packets dropped with no RST/FIN) is indefinite.
// No implicit default is applied.
//
// The pair form exists for callers migrating from clients that take a
// (connect, read) tuple. Only the read element is applied; the connect
// phase is bounded by the dialer, not by this type.
//
// The read duration is re-armed before every read, so it bounds each
// individual wait for data, not the whole watch: a slow-but-alive
// stream never times out as long as each chunk arrives in time.
type RequestTimeout struct {
	connect time.Duration
	read    time.Duration
	set     bool
}

// Timeout returns a RequestTimeout from a single read duration.
func Timeout(read time.Duration) RequestTimeout {
	return RequestTimeout{read: read, set: true}
}

// TimeoutPair returns a RequestTimeout from a (connect, read) pair.
// The connect element is ignored; see the type comment.
func TimeoutPair(connect, read time.Duration) RequestTimeout {
	return RequestTimeout{connect: connect, read: read, set: true}
}

// ReadTimeout returns the deadline applied to each read, and whether
// one is applied at all.
func (t RequestTimeout) ReadTimeout() (time.Duration, bool) {
	if !t.set || t.read <= 0 {
		return 0, false
	}
	return t.read, true
}

// readDeadlineConn re-arms the read deadline on the underlying
// connection before every read, converting a silent peer into a
// timeout error from the blocked read.
type readDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *readDeadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
