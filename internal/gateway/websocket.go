// ABOUTME: Websocket endpoint: upgrades, registers the client, and dispatches inbound commands.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/reporter"
	"github.com/2389/coven-relay/internal/transport"
)

// closeCodeFor maps a registry rejection to a websocket close code.
func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrAtCapacity):
		return websocket.CloseTryAgainLater
	case errors.Is(err, registry.ErrClosed):
		return websocket.CloseGoingAway
	case errors.Is(err, registry.ErrAlreadyConnected), errors.Is(err, registry.ErrInvalidID):
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// handleWebSocket upgrades the request and runs the read pump until the client goes away.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	group := r.URL.Query().Get("group")

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn := transport.NewConn(ws, g.connOpts)

	id, err := g.registry.Connect(r.Context(), conn, registry.ConnectOptions{ID: clientID, Group: group})
	if err != nil {
		g.logger.Warn("connection rejected", "client_id", clientID, "remote_addr", conn.RemoteAddr(), "error", err)
		_ = conn.Close(closeCodeFor(err), err.Error())
		return
	}

	reason := transport.Serve(g.connCtx, conn, id, g, g.logger)
	g.registry.DisconnectTransport(id, conn, reason)
}

// HandleCommand applies one inbound client command. It implements transport.Handler.
func (g *Gateway) HandleCommand(ctx context.Context, clientID string, cmd transport.Command) error {
	g.registry.RecordActivity(clientID)

	switch {
	case cmd.IsHeartbeatReply():
		g.monitor.HandleReply(clientID)
		return nil

	case cmd.Type == transport.CommandAnswer:
		if g.sessions.SubmitAnswer(ctx, cmd.SessionID, cmd.QuestionID, cmd.Answer) {
			return nil
		}
		// The client learns its answer was not recorded; the session state is unchanged.
		g.reporter.For(cmd.SessionID, "", reporter.Audience{ClientID: clientID}).
			Error(ctx, "answer_rejected", fmt.Sprintf("answer for question %q was not accepted", cmd.QuestionID))
		return nil

	case cmd.Type == transport.CommandJoinGroup:
		if err := g.registry.MoveToGroup(clientID, cmd.Group); err != nil {
			return fmt.Errorf("joining group %q: %w", cmd.Group, err)
		}
		msg, err := envelope.System(clientID, "joined group "+cmd.Group, envelope.SystemPayload{
			Event:    envelope.EventGroupChanged,
			ClientID: clientID,
			Group:    cmd.Group,
		}).Marshal()
		if err != nil {
			return fmt.Errorf("encoding group change: %w", err)
		}
		g.registry.SendToClient(ctx, clientID, msg, registry.PriorityHigh)
		return nil

	default:
		return fmt.Errorf("%w: %s", transport.ErrUnknownCommand, cmd.Type)
	}
}
