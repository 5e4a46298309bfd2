// ABOUTME: Session holds one question/answer exchange and its single resolution.
// ABOUTME: The first of completion, deadline or cancellation wins; later attempts are no-ops.

package interactive

import (
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/envelope"
)

// Status is a session lifecycle state. Every state except StatusActive is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	// StatusUnknown is reported for session ids the coordinator does not hold.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Result is what a waiter receives. Answers maps question text to answer and
// is nil when there is nothing usable, which callers treat as "proceed without input".
type Result struct {
	Status  Status            `json:"status"`
	Answers map[string]string `json:"answers"`
}

// StatusSnapshot is a point-in-time view of a session.
type StatusSnapshot struct {
	SessionID string        `json:"session_id"`
	AgentName string        `json:"agent_name"`
	Status    Status        `json:"status"`
	Answered  int           `json:"answered"`
	Total     int           `json:"total"`
	CreatedAt time.Time     `json:"created_at"`
	Deadline  time.Time     `json:"deadline"`
	Remaining time.Duration `json:"remaining_ns"`
}

// Session is created by Coordinator.CreateSession.
type Session struct {
	id        string
	agentName string
	questions []envelope.Question
	createdAt time.Time
	deadline  time.Time

	mu      sync.Mutex
	answers map[string]string // question id -> answer
	status  Status
	result  Result
	done    chan struct{}
	timer   *time.Timer

	// published is closed once the questions broadcast returns.
	published chan struct{}
}

func newSession(id, agentName string, questions []envelope.Question, createdAt, deadline time.Time) *Session {
	return &Session{
		id:        id,
		agentName: agentName,
		questions: questions,
		createdAt: createdAt,
		deadline:  deadline,
		answers:   make(map[string]string),
		status:    StatusActive,
		done:      make(chan struct{}),
		published: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Questions returns a copy of the session questions in order.
func (s *Session) Questions() []envelope.Question {
	out := make([]envelope.Question, len(s.questions))
	copy(out, s.questions)
	return out
}

// Deadline returns the absolute time the session times out.
func (s *Session) Deadline() time.Time { return s.deadline }

// Done is closed once the session resolves.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) hasQuestion(id string) bool {
	for _, q := range s.questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

// answersByTextLocked keys collected answers by question text. Must be called with mu held.
func (s *Session) answersByTextLocked() map[string]string {
	if len(s.answers) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.answers))
	for _, q := range s.questions {
		if a, ok := s.answers[q.ID]; ok {
			out[q.Text] = a
		}
	}
	return out
}

// resolveLocked moves an active session to a terminal state exactly once.
// Must be called with mu held. Reports whether this call performed the transition.
func (s *Session) resolveLocked(status Status, allowPartial bool) bool {
	if s.status.Terminal() {
		return false
	}
	s.status = status

	switch status {
	case StatusCompleted:
		s.result = Result{Status: status, Answers: s.answersByTextLocked()}
	case StatusTimeout:
		s.result = Result{Status: status}
		if allowPartial {
			s.result.Answers = s.answersByTextLocked()
		}
	default:
		s.result = Result{Status: status}
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.done)
	return true
}

func (s *Session) snapshot(now time.Time) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatusSnapshot{
		SessionID: s.id,
		AgentName: s.agentName,
		Status:    s.status,
		Answered:  len(s.answers),
		Total:     len(s.questions),
		CreatedAt: s.createdAt,
		Deadline:  s.deadline,
	}
	if s.status == StatusActive {
		if remaining := s.deadline.Sub(now); remaining > 0 {
			snap.Remaining = remaining
		}
	}
	return snap
}
