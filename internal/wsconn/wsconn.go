// Package wsconn is the channel layer shared by the push supervisor and the
// terminal bridge: a minimal Conn interface satisfied by *websocket.Conn and
// a Dialer that opens one.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types, re-exported so callers need not import gorilla directly.
const (
	TextMessage  = websocket.TextMessage
	CloseMessage = websocket.CloseMessage
)

const writeWait = 10 * time.Second

// Conn is a bidirectional message channel.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a channel to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
}

// Dial opens a websocket connection. Handshake failures include the HTTP
// status when the server answered.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, res, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, res.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &deadlineConn{Conn: conn}, nil
}

// deadlineConn bounds every write so a stuck peer cannot block the caller.
// gorilla allows one concurrent writer; writes are serialised here.
type deadlineConn struct {
	*websocket.Conn
	wmu sync.Mutex
}

func (c *deadlineConn) WriteMessage(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// CloseGracefully sends a close frame before closing the connection.
func CloseGracefully(c Conn) error {
	_ = c.WriteMessage(CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.Close()
}

// IsNormalClose reports whether err is an orderly close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
