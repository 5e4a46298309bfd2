// ABOUTME: Wire envelope for every event pushed to clients (status, progress, response, ...).
// ABOUTME: Payloads are a closed set of typed structs serialized into the metadata field.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultAgentName is used when an envelope is built without an agent name.
const DefaultAgentName = "System"

// Type identifies the kind of event an envelope carries.
type Type string

const (
	TypeStatus    Type = "status"
	TypeProgress  Type = "progress"
	TypeResponse  Type = "response"
	TypeError     Type = "error"
	TypeSystem    Type = "system"
	TypeHeartbeat Type = "heartbeat"
)

// ErrMissingSessionID is returned when a non-heartbeat envelope has no session.
var ErrMissingSessionID = errors.New("session_id is required")

// Payload is implemented by the per-type metadata structs in this package only.
type Payload interface {
	messageType() Type
}

// Envelope is one self-describing event record.
type Envelope struct {
	ID          string
	Type        Type
	Timestamp   time.Time
	SessionID   string
	AgentName   string
	Content     string
	Payload     Payload
	RequiresAck bool
}

// wireEnvelope is the JSON layout clients consume.
type wireEnvelope struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Timestamp   string          `json:"timestamp"`
	SessionID   string          `json:"session_id,omitempty"`
	AgentName   string          `json:"agent_name"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata"`
	RequiresAck bool            `json:"requires_ack"`
}

// New builds an envelope around payload, stamping a fresh id and UTC timestamp.
// The envelope type always follows the payload type.
func New(sessionID, agentName, content string, payload Payload) *Envelope {
	if agentName == "" {
		agentName = DefaultAgentName
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      payload.messageType(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		AgentName: agentName,
		Content:   content,
		Payload:   payload,
	}
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if e.Type != TypeHeartbeat && e.SessionID == "" {
		return nil, ErrMissingSessionID
	}

	meta, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s metadata: %w", e.Type, err)
	}

	w := wireEnvelope{
		ID:          e.ID,
		Type:        e.Type,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentName:   e.AgentName,
		Content:     e.Content,
		Metadata:    meta,
		RequiresAck: e.RequiresAck,
	}
	// Heartbeats are connection scoped and never carry a session.
	if e.Type != TypeHeartbeat {
		w.SessionID = e.SessionID
	}
	return json.Marshal(w)
}

// Decode parses a wire envelope. Metadata is decoded into the payload struct
// matching the type field.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", w.Timestamp, err)
	}

	payload, err := decodePayload(w.Type, w.Metadata)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:          w.ID,
		Type:        w.Type,
		Timestamp:   ts,
		SessionID:   w.SessionID,
		AgentName:   w.AgentName,
		Content:     w.Content,
		Payload:     payload,
		RequiresAck: w.RequiresAck,
	}, nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeStatus:
		return decodeInto[StatusPayload](t, raw)
	case TypeProgress:
		return decodeInto[ProgressPayload](t, raw)
	case TypeResponse:
		return decodeInto[ResponsePayload](t, raw)
	case TypeError:
		return decodeInto[ErrorPayload](t, raw)
	case TypeSystem:
		return decodeInto[SystemPayload](t, raw)
	case TypeHeartbeat:
		return decodeInto[HeartbeatPayload](t, raw)
	default:
		return nil, fmt.Errorf("unknown envelope type %q", t)
	}
}

func decodeInto[T Payload](t Type, raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s metadata: %w", t, err)
	}
	return v, nil
}
