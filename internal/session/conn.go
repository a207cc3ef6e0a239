package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the transport of one session.
//
// Implementations must allow one concurrent reader alongside writers; the
// session writes data frames from a single goroutine and pings from another.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any, timeout time.Duration) error
	WritePing(timeout time.Duration) error
	WriteClose(code int, text string, timeout time.Duration) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	RemoteAddr() string
	Close() error
}

var errConnClosed = errors.New("websocket: connection is closed")

// WSConn wraps a gorilla websocket connection.
type WSConn struct {
	c *websocket.Conn
	// writeMu serializes writes; gorilla panics on concurrent writers.
	writeMu sync.Mutex
}

var _ Conn = (*WSConn)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeHTTP upgrades an incoming request. Any origin is accepted.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{c: c}, nil
}

// Dial connects to a ws:// or wss:// URL.
func Dial(ctx context.Context, rawURL string, header http.Header) (*WSConn, *http.Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, nil, fmt.Errorf("URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, resp, err := dialer.DialContext(ctx, parsed.String(), header)
	if err != nil {
		return nil, resp, err
	}
	return &WSConn{c: c}, resp, nil
}

// ReadMessage reads the next data frame.
func (cw *WSConn) ReadMessage() ([]byte, error) {
	if cw == nil || cw.c == nil {
		return nil, errConnClosed
	}
	_, msg, err := cw.c.ReadMessage()
	return msg, err
}

// WriteJSON writes v as a text frame with a write deadline.
func (cw *WSConn) WriteJSON(v any, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errConnClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteJSON(v)
}

// WritePing sends a ping control frame.
func (cw *WSConn) WritePing(timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errConnClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.PingMessage, nil)
}

// WriteClose sends a close frame with the given code and text.
func (cw *WSConn) WriteClose(code int, text string, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errConnClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	return cw.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(timeout))
}

// SetReadDeadline sets the read deadline.
func (cw *WSConn) SetReadDeadline(t time.Time) error {
	if cw == nil || cw.c == nil {
		return errConnClosed
	}
	return cw.c.SetReadDeadline(t)
}

// SetPongHandler sets the pong handler.
func (cw *WSConn) SetPongHandler(h func(string) error) {
	if cw == nil || cw.c == nil {
		return
	}
	cw.c.SetPongHandler(h)
}

// RemoteAddr returns the peer address if available.
func (cw *WSConn) RemoteAddr() string {
	if cw == nil || cw.c == nil || cw.c.RemoteAddr() == nil {
		return ""
	}
	return cw.c.RemoteAddr().String()
}

// Close closes the underlying connection without a close handshake.
func (cw *WSConn) Close() error {
	if cw == nil || cw.c == nil {
		return nil
	}
	return cw.c.Close()
}

// IsNormalClose reports whether err is a clean close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
