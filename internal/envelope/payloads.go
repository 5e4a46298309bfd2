// ABOUTME: Typed metadata payloads, one per envelope type, plus constructors.
// ABOUTME: The unexported marker method keeps the set of payloads closed to this package.

package envelope

import "time"

// StatusPayload reports a task lifecycle status.
type StatusPayload struct {
	Status string `json:"status"`
	Task   string `json:"task"`
}

func (StatusPayload) messageType() Type { return TypeStatus }

// ProgressPayload reports how far a stage has progressed.
// EstimatedTimeRemaining is in seconds; nil when unknown.
type ProgressPayload struct {
	Stage                  string   `json:"stage"`
	Current                int      `json:"current"`
	Total                  int      `json:"total"`
	EstimatedTimeRemaining *float64 `json:"estimated_time_remaining"`
}

func (ProgressPayload) messageType() Type { return TypeProgress }

// ResponsePayload accompanies agent output. HTML is set when markdown rendering is enabled.
type ResponsePayload struct {
	Format string `json:"format,omitempty"`
	HTML   string `json:"html,omitempty"`
}

func (ResponsePayload) messageType() Type { return TypeResponse }

// ErrorPayload classifies a failure reported to clients.
type ErrorPayload struct {
	ErrorType string `json:"error_type"`
}

func (ErrorPayload) messageType() Type { return TypeError }

// System events.
const (
	EventWelcome       = "welcome"
	EventQuestions     = "questions"
	EventSessionClosed = "session_closed"
	EventGroupChanged  = "group_changed"
)

// Question is the client view of one interactive question.
type Question struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AgentName string `json:"agent_name"`
}

// SystemPayload carries hub-level events. Only the fields relevant to Event are set.
type SystemPayload struct {
	Event     string     `json:"event"`
	ClientID  string     `json:"client_id,omitempty"`
	Group     string     `json:"group,omitempty"`
	Questions []Question `json:"questions,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Status    string     `json:"status,omitempty"`
	Answered  int        `json:"answered,omitempty"`
}

func (SystemPayload) messageType() Type { return TypeSystem }

// HeartbeatPayload is a liveness probe. Clients echo Sequence in their reply.
type HeartbeatPayload struct {
	Sequence   uint64    `json:"sequence"`
	ServerTime time.Time `json:"server_time"`
}

func (HeartbeatPayload) messageType() Type { return TypeHeartbeat }

// Status builds a status envelope.
func Status(sessionID, agentName, status, task, content string) *Envelope {
	return New(sessionID, agentName, content, StatusPayload{Status: status, Task: task})
}

// Progress builds a progress envelope. Pass eta < 0 when the remaining time is unknown.
func Progress(sessionID, agentName, stage string, current, total int, eta time.Duration, content string) *Envelope {
	p := ProgressPayload{Stage: stage, Current: current, Total: total}
	if eta >= 0 {
		secs := eta.Seconds()
		p.EstimatedTimeRemaining = &secs
	}
	return New(sessionID, agentName, content, p)
}

// Response builds a plain response envelope.
func Response(sessionID, agentName, content string) *Envelope {
	return New(sessionID, agentName, content, ResponsePayload{Format: "text"})
}

// Error builds an error envelope.
func Error(sessionID, agentName, errorType, content string) *Envelope {
	return New(sessionID, agentName, content, ErrorPayload{ErrorType: errorType})
}

// System builds a system envelope.
func System(sessionID, content string, payload SystemPayload) *Envelope {
	return New(sessionID, DefaultAgentName, content, payload)
}

// Welcome is the first message a new connection receives.
func Welcome(clientID, group string) *Envelope {
	return System(clientID, "connected", SystemPayload{
		Event:    EventWelcome,
		ClientID: clientID,
		Group:    group,
	})
}

// Heartbeat builds a probe. It never carries a session id.
func Heartbeat(seq uint64, now time.Time) *Envelope {
	return New("", DefaultAgentName, "ping", HeartbeatPayload{Sequence: seq, ServerTime: now.UTC()})
}
