// ABOUTME: Inbound client commands: heartbeat replies, answers and group changes.

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType names an inbound command.
type CommandType string

const (
	CommandHeartbeat CommandType = "heartbeat"
	CommandPong      CommandType = "pong"
	CommandAnswer    CommandType = "answer"
	CommandJoinGroup CommandType = "join_group"
)

var (
	// ErrMalformedCommand is returned for input that is not a JSON command object.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrUnknownCommand is returned for an unrecognized type.
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is one decoded client message. Only fields relevant to Type are set.
type Command struct {
	Type       CommandType `json:"type"`
	Sequence   uint64      `json:"sequence,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	QuestionID string      `json:"question_id,omitempty"`
	Answer     string      `json:"answer,omitempty"`
	Group      string      `json:"group,omitempty"`
}

// IsHeartbeatReply reports whether the command answers a heartbeat probe.
func (c Command) IsHeartbeatReply() bool {
	return c.Type == CommandHeartbeat || c.Type == CommandPong
}

// ParseCommand decodes and validates a client message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	switch cmd.Type {
	case CommandHeartbeat, CommandPong:
	case CommandAnswer:
		if cmd.SessionID == "" || cmd.QuestionID == "" {
			return Command{}, fmt.Errorf("%w: answer requires session_id and question_id", ErrMalformedCommand)
		}
	case CommandJoinGroup:
		if cmd.Group == "" {
			return Command{}, fmt.Errorf("%w: join_group requires group", ErrMalformedCommand)
		}
	case "":
		return Command{}, fmt.Errorf("%w: missing type", ErrMalformedCommand)
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return cmd, nil
}
