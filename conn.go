package xferengine

import (
	"net"
	"time"
)

// deadlineConn wraps a net.Conn and refreshes a read/write deadline before
// every operation, so a stalled control channel eventually surfaces as a
// timeout error from the read/write call itself rather than hanging
// forever underneath C5's higher-level liveness timer.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

// NewDeadlineConn wraps conn so every Read/Write refreshes a deadline of
// timeout from now. A non-positive timeout returns conn unchanged.
func NewDeadlineConn(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &deadlineConn{Conn: conn, timeout: timeout}
}

func (c *deadlineConn) Read(b []byte) (n int, err error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (n int, err error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
