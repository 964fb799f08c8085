// Package transport defines the southbound link contract and its
// websocket implementation. The link session depends only on the Conn
// and Dialer interfaces so tests can substitute a scripted fake.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established message-oriented connection to the backend.
type Conn interface {
	// ReadMessage blocks until one complete frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one complete frame.
	WriteMessage(data []byte) error

	// SetWriteDeadline bounds subsequent writes.
	SetWriteDeadline(t time.Time) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer establishes connections to a backend endpoint.
type Dialer interface {
	DialContext(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the backend over a websocket. Each protocol
// message travels as one text frame, so framing is self-resynchronizing
// per message.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// DialContext performs the websocket upgrade against endpoint.
func (d *WebsocketDialer) DialContext(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, Classify(err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, Classify(err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return Classify(err)
	}
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
