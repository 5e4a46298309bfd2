// ABOUTME: Reporter is the publishing boundary for task executors.
// ABOUTME: Builds typed envelopes for a session and routes them to all, a group, or one client.

package reporter

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/registry"
)

// Publisher is the registry surface the reporter routes through.
type Publisher interface {
	BroadcastToAll(ctx context.Context, msg []byte, p registry.Priority) int
	BroadcastToGroup(ctx context.Context, group string, msg []byte, exclude string, p registry.Priority) int
	SendToClient(ctx context.Context, id string, msg []byte, p registry.Priority) registry.Outcome
}

// Audience selects recipients. ClientID wins over Group; the zero value means everyone.
type Audience struct {
	ClientID string
	Group    string
}

// Reporter builds envelopes and hands them to a Publisher.
type Reporter struct {
	pub      Publisher
	renderer *envelope.Renderer
	logger   *slog.Logger
}

// New creates a Reporter. renderer may be nil to send responses as plain text.
func New(pub Publisher, renderer *envelope.Renderer, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{pub: pub, renderer: renderer, logger: logger.With("component", "reporter")}
}

// For returns a Task bound to one session, agent and audience.
func (r *Reporter) For(sessionID, agentName string, audience Audience) *Task {
	return &Task{r: r, sessionID: sessionID, agentName: agentName, audience: audience}
}

// Task publishes on behalf of one running task. Each method returns the number
// of clients the envelope reached immediately.
type Task struct {
	r         *Reporter
	sessionID string
	agentName string
	audience  Audience
}

// Status publishes a status change.
func (t *Task) Status(ctx context.Context, status, task, content string) int {
	return t.publish(ctx, envelope.Status(t.sessionID, t.agentName, status, task, content), registry.PriorityNormal)
}

// Progress publishes a progress update. Pass eta < 0 when unknown.
func (t *Task) Progress(ctx context.Context, stage string, current, total int, eta time.Duration, content string) int {
	return t.publish(ctx, envelope.Progress(t.sessionID, t.agentName, stage, current, total, eta, content), registry.PriorityNormal)
}

// Response publishes a result, rendered to HTML when the renderer is enabled.
func (t *Task) Response(ctx context.Context, content string) int {
	return t.publish(ctx, t.r.renderer.Response(t.sessionID, t.agentName, content), registry.PriorityNormal)
}

// Error publishes a failure. Errors are high priority so rate limits never hold them back.
func (t *Task) Error(ctx context.Context, errorType, content string) int {
	return t.publish(ctx, envelope.Error(t.sessionID, t.agentName, errorType, content), registry.PriorityHigh)
}

func (t *Task) publish(ctx context.Context, env *envelope.Envelope, p registry.Priority) int {
	msg, err := env.Marshal()
	if err != nil {
		t.r.logger.Error("encoding envelope", "type", env.Type, "session_id", t.sessionID, "error", err)
		return 0
	}

	switch {
	case t.audience.ClientID != "":
		out := t.r.pub.SendToClient(ctx, t.audience.ClientID, msg, p)
		if !out.Sent {
			t.r.logger.Debug("envelope not delivered immediately",
				"client_id", t.audience.ClientID, "status", out.Status, "reason", out.Reason)
			return 0
		}
		return 1
	case t.audience.Group != "":
		return t.r.pub.BroadcastToGroup(ctx, t.audience.Group, msg, "", p)
	default:
		return t.r.pub.BroadcastToAll(ctx, msg, p)
	}
}
