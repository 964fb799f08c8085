// Package fake provides a scripted transport for link session tests.
package fake

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/droid-deck/console/internal/transport"
)

// Dialer hands out fake connections. The first FailDials attempts fail
// with a refused error so tests can drive the reconnect path.
type Dialer struct {
	mu        sync.Mutex
	FailDials int
	dials     int
	conns     []*Conn
	headers   []http.Header
}

// DialContext returns the next scripted connection or failure.
func (d *Dialer) DialContext(ctx context.Context, endpoint string, header http.Header) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.Classify(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.headers = append(d.headers, header)
	if d.dials <= d.FailDials {
		return nil, transport.Classify(errors.New("dial: connection refused"))
	}

	conn := NewConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns the number of dial attempts observed.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// LastConn returns the most recently established fake connection.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// LastHeader returns the header of the most recent dial attempt.
func (d *Dialer) LastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

// Conn is an in-memory connection. Tests inject inbound frames and
// inspect written ones.
type Conn struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	writeErr error
	attempts int
	gate     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// NewConn creates an open fake connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// ReadMessage blocks until an injected frame arrives or the connection
// closes.
func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, transport.Classify(errors.New("use of closed network connection"))
	}
}

// WriteMessage records the frame, or fails if a write error is armed.
// While HoldWrites is in effect the call blocks, like a stalled socket.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.attempts++
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
			return transport.Classify(errors.New("use of closed network connection"))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return transport.Classify(errors.New("use of closed network connection"))
	default:
	}

	if c.writeErr != nil {
		return c.writeErr
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.written = append(c.written, frame)
	return nil
}

// SetWriteDeadline is a no-op for the fake.
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

// Close drops the connection; pending reads unblock with a closed error.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// InjectFrame delivers an inbound frame to the session's read loop.
func (c *Conn) InjectFrame(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case c.inbound <- frame:
	case <-c.closed:
	}
}

// HoldWrites stalls every subsequent WriteMessage until ReleaseWrites.
func (c *Conn) HoldWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

// ReleaseWrites unblocks writes stalled by HoldWrites.
func (c *Conn) ReleaseWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// WriteAttempts counts WriteMessage calls, including stalled ones.
func (c *Conn) WriteAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// FailWrites arms an error returned by every subsequent WriteMessage.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Written returns a copy of all frames written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}
