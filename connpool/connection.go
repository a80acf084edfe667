// Package connpool manages bounded connection pools to upstream targets:
// one pool per resolved target address, dialed lazily and validated on
// acquire, plus a dedicated low-capacity clone pool reserved for health
// probe traffic.
package connpool

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"
)

// ErrConnectionClosed is returned by Do when the underlying connection
// has already latched broken and must not be reused.
var ErrConnectionClosed = errors.New("connpool: connection closed")

// Connection is one pooled wire-level connection to a target. It wraps a
// dialed net.Conn; requests are written directly onto the wire and
// responses parsed with the standard library's HTTP/1.1 reader, mirroring
// a client connection handle that is reused across requests until it is
// flagged broken.
type Connection struct {
	addr   string
	dialer net.Dialer
	conn   net.Conn
	br     *bufio.Reader
	broken bool
}

func newConnection(addr string, dialTimeout time.Duration) *Connection {
	return &Connection{addr: addr, dialer: net.Dialer{Timeout: dialTimeout}}
}

func (c *Connection) ensureDialed() error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dialer.Dial("tcp", c.addr)
	if err != nil {
		c.broken = true
		return err
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	return nil
}

// Broken reports whether this connection has latched a permanent I/O
// failure and must be discarded rather than reused.
func (c *Connection) Broken() bool {
	return c.broken
}

// Do writes req onto the wire and reads the matching response. Any I/O
// failure permanently marks the connection broken.
func (c *Connection) Do(req *http.Request) (*http.Response, error) {
	if c.broken {
		return nil, ErrConnectionClosed
	}
	if err := c.ensureDialed(); err != nil {
		return nil, err
	}
	if err := req.Write(c.conn); err != nil {
		c.broken = true
		c.close()
		return nil, err
	}
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		c.broken = true
		c.close()
		return nil, err
	}
	return resp, nil
}

func (c *Connection) close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.br = nil
	}
}

// Close releases the underlying socket, if any.
func (c *Connection) Close() {
	c.close()
}
