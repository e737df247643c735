// Package wsconntest provides in-memory channel fakes for tests.
package wsconntest

import (
	"context"
	"errors"
	"io"
	"sync"

	"fwdctl/internal/wsconn"
)

// Conn is an in-memory wsconn.Conn. Frames pushed with Push are returned by
// ReadMessage; frames written by the code under test are recorded.
type Conn struct {
	URL string

	inbound chan []byte
	done    chan struct{}

	mu       sync.Mutex
	written  [][]byte
	closed   bool
	closeErr error
}

// NewConn returns an open fake connection.
func NewConn(url string) *Conn {
	return &Conn{URL: url, inbound: make(chan []byte, 64), done: make(chan struct{})}
}

// Push queues a frame for the reader.
func (c *Conn) Push(frame string) {
	select {
	case c.inbound <- []byte(frame):
	case <-c.done:
	}
}

// Drop simulates the peer going away: the pending ReadMessage fails with err.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.done)
}

// ReadMessage returns queued frames before reporting a drop.
func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return wsconn.TextMessage, data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return wsconn.TextMessage, data, nil
	case <-c.done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return 0, nil, err
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	if messageType == wsconn.TextMessage {
		c.written = append(c.written, append([]byte(nil), data...))
	}
	return nil
}

func (c *Conn) Close() error {
	c.Drop(errors.New("use of closed connection"))
	return nil
}

// Closed reports whether the connection was closed by either side.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Written returns a copy of the text frames written so far.
func (c *Conn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, string(w))
	}
	return out
}

// Dialer hands out fake connections. Queue errors with Fail; once the queue
// is empty every dial succeeds with a fresh Conn.
type Dialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*Conn
	dials    int
}

// Fail queues errors returned by the next dials, in order.
func (d *Dialer) Fail(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *Dialer) Dial(ctx context.Context, url string) (wsconn.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	conn := NewConn(url)
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns the connections handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
