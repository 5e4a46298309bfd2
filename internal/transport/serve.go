// ABOUTME: Read pump for one websocket client, dispatching parsed commands to a Handler.
// ABOUTME: Returns the reason the connection ended so the caller can record it.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Disconnect reasons returned by Serve.
const (
	ReasonClientClosed = "client closed"
	ReasonReadTimeout  = "read timeout"
	ReasonReadError    = "read error"
	ReasonShutdown     = "server shutdown"
)

// Handler receives every valid command read from a client.
type Handler interface {
	HandleCommand(ctx context.Context, clientID string, cmd Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, clientID string, cmd Command) error

// HandleCommand calls f.
func (f HandlerFunc) HandleCommand(ctx context.Context, clientID string, cmd Command) error {
	return f(ctx, clientID, cmd)
}

// Serve reads from conn until the peer goes away or ctx ends. Malformed
// commands and handler errors are logged and the loop continues.
func Serve(ctx context.Context, conn *Conn, clientID string, h Handler, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("client_id", clientID)

	ws := conn.ws
	if conn.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(conn.opts.MaxMessageSize)
	}
	extend := func() {
		if conn.opts.ReadTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(conn.opts.ReadTimeout))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ReasonShutdown
			}
			return classifyReadError(err, logger)
		}
		extend()

		if msgType != websocket.TextMessage {
			logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}

		cmd, err := ParseCommand(data)
		if err != nil {
			logger.Warn("invalid command", "error", err)
			continue
		}
		if err := h.HandleCommand(ctx, clientID, cmd); err != nil {
			logger.Warn("command failed", "type", cmd.Type, "error", err)
		}
	}
}

func classifyReadError(err error, logger *slog.Logger) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return ReasonClientClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonReadTimeout
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		logger.Warn("unexpected websocket close", "error", err)
	} else {
		logger.Debug("websocket read ended", "error", err)
	}
	return ReasonReadError
}
