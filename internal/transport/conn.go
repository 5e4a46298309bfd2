// ABOUTME: Conn adapts a gorilla websocket to the registry Transport interface.
// ABOUTME: Writes are serialized and bounded by a write deadline.

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by SendText after Close.
var ErrClosed = errors.New("connection closed")

// maxCloseReason is the close-frame payload limit (125) minus the 2-byte code.
const maxCloseReason = 123

// Options tune a websocket connection.
type Options struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns timeouts suited to a 30s heartbeat interval.
func DefaultOptions() Options {
	return Options{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    2 * time.Minute,
		MaxMessageSize: 64 * 1024,
	}
}

// Conn is safe for concurrent use. gorilla allows one concurrent writer, so
// every write takes mu.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	mu     sync.Mutex
	closed bool
}

// NewConn wraps ws.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	return &Conn{ws: ws, opts: opts}
}

func (c *Conn) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// SendText writes one text frame.
func (c *Conn) SendText(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.ws.SetWriteDeadline(c.writeDeadline(ctx)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame with code and reason, then closes the socket.
// Later calls are no-ops.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	frame := websocket.FormatCloseMessage(code, reason)
	werr := c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	cerr := c.ws.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
