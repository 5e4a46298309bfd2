// ABOUTME: Coordinator runs interactive question sessions between task executors and clients.
// ABOUTME: Publishes questions, collects answers, and resolves each session exactly once.

package interactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/registry"
)

var (
	// ErrSessionExists is returned when an active session already uses the id.
	ErrSessionExists = errors.New("session already exists")
	// ErrNoQuestions is returned for a request without questions.
	ErrNoQuestions = errors.New("session requires at least one question")
	// ErrInvalidSessionID is returned for an empty session id.
	ErrInvalidSessionID = errors.New("session id is required")
)

// Publisher is the registry surface used to reach clients.
type Publisher interface {
	BroadcastToAll(ctx context.Context, msg []byte, p registry.Priority) int
}

// Config controls session defaults.
type Config struct {
	// DefaultTimeout applies when a request has no timeout.
	DefaultTimeout time.Duration
	// AllowPartialAnswers returns collected answers on timeout instead of none.
	AllowPartialAnswers bool
}

// DefaultConfig returns a five minute timeout with partial answers allowed.
func DefaultConfig() Config {
	return Config{DefaultTimeout: 5 * time.Minute, AllowPartialAnswers: true}
}

// SessionRequest describes a new session.
type SessionRequest struct {
	SessionID string
	Questions []string
	AgentName string
	Timeout   time.Duration
}

// Coordinator is safe for concurrent use. Sessions are independent; operations
// on one session never wait on another session's lock.
type Coordinator struct {
	cfg    Config
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	// announcing tracks session_closed broadcasts sent off a waiter's path.
	announcing sync.WaitGroup
}

// New creates a Coordinator publishing through pub.
func New(cfg Config, pub Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Coordinator{
		cfg:      cfg,
		pub:      pub,
		logger:   logger.With("component", "interactive"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// CreateSession stores a new session, arms its deadline and publishes the questions.
// A terminal session with the same id is replaced.
func (c *Coordinator) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	if len(req.Questions) == 0 {
		return nil, ErrNoQuestions
	}
	agent := req.AgentName
	if agent == "" {
		agent = envelope.DefaultAgentName
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	questions := make([]envelope.Question, len(req.Questions))
	for i, text := range req.Questions {
		questions[i] = envelope.Question{ID: uuid.New().String(), Text: text, AgentName: agent}
	}

	now := c.now()
	s := newSession(id, agent, questions, now, now.Add(timeout))

	c.mu.Lock()
	if existing, ok := c.sessions[id]; ok {
		existing.mu.Lock()
		active := existing.status == StatusActive
		existing.mu.Unlock()
		if active {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
	}
	c.sessions[id] = s
	c.mu.Unlock()

	// The deadline runs from creation. A session_closed event waits for
	// s.published, so clients still see the questions first.
	bg := context.WithoutCancel(ctx)
	s.mu.Lock()
	s.timer = time.AfterFunc(max(s.deadline.Sub(c.now()), 0), func() { c.expire(bg, s) })
	s.mu.Unlock()

	deadline := s.deadline
	c.publish(ctx, envelope.System(id, fmt.Sprintf("%d question(s) from %s", len(questions), agent), envelope.SystemPayload{
		Event:     envelope.EventQuestions,
		Questions: questions,
		Deadline:  &deadline,
	}))
	close(s.published)

	c.logger.Info("session created", "session_id", id, "agent", agent, "questions", len(questions), "timeout", timeout)
	return s, nil
}

func (c *Coordinator) lookup(id string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

// SubmitAnswer records an answer. It reports false, changing nothing, when the
// session is unknown or terminal or the question does not belong to it.
func (c *Coordinator) SubmitAnswer(ctx context.Context, sessionID, questionID, answer string) bool {
	s := c.lookup(sessionID)
	if s == nil {
		c.logger.Warn("answer for unknown session", "session_id", sessionID)
		return false
	}

	s.mu.Lock()
	if s.status.Terminal() {
		status := s.status
		s.mu.Unlock()
		c.logger.Warn("answer for closed session rejected", "session_id", sessionID, "status", status)
		return false
	}
	if !c.now().Before(s.deadline) {
		// The timer has not fired yet but the deadline has passed.
		resolved := s.resolveLocked(StatusTimeout, c.cfg.AllowPartialAnswers)
		s.mu.Unlock()
		if resolved {
			c.announceClosed(ctx, s)
		}
		c.logger.Warn("answer after deadline rejected", "session_id", sessionID)
		return false
	}
	if !s.hasQuestion(questionID) {
		s.mu.Unlock()
		c.logger.Warn("answer for unknown question", "session_id", sessionID, "question_id", questionID)
		return false
	}

	s.answers[questionID] = answer
	answered, total := len(s.answers), len(s.questions)
	completed := answered == total && s.resolveLocked(StatusCompleted, c.cfg.AllowPartialAnswers)
	agent := s.agentName
	s.mu.Unlock()

	c.publish(ctx, envelope.Progress(sessionID, agent, "answers", answered, total, -1,
		fmt.Sprintf("%d/%d answered", answered, total)))

	if completed {
		c.logger.Info("session completed", "session_id", sessionID)
		c.announceClosed(ctx, s)
	}
	return true
}

// WaitForAnswers blocks until the session resolves. A session already past its
// deadline resolves immediately as timed out. Cancelling ctx cancels the session.
func (c *Coordinator) WaitForAnswers(ctx context.Context, sessionID string) Result {
	s := c.lookup(sessionID)
	if s == nil {
		return Result{Status: StatusUnknown}
	}

	// The waiter keeps its own deadline so it never waits on a publish.
	wait := s.deadline.Sub(c.now())
	if wait <= 0 {
		c.resolveDetached(ctx, s, StatusTimeout)
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-s.done:
		case <-timer.C:
			c.resolveDetached(ctx, s, StatusTimeout)
		case <-ctx.Done():
			c.resolveDetached(ctx, s, StatusCancelled)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// CancelSession cancels an active session and wakes its waiter with no answers.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID string) bool {
	s := c.lookup(sessionID)
	if s == nil {
		return false
	}
	return c.resolve(ctx, s, StatusCancelled)
}

// CleanupSession forgets a session, cancelling it first if still active. Safe to repeat.
func (c *Coordinator) CleanupSession(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if !ok {
		return
	}
	s.mu.Lock()
	s.resolveLocked(StatusCancelled, false)
	s.mu.Unlock()
}

// SessionStatus returns a snapshot of the session.
func (c *Coordinator) SessionStatus(sessionID string) (StatusSnapshot, bool) {
	s := c.lookup(sessionID)
	if s == nil {
		return StatusSnapshot{}, false
	}
	return s.snapshot(c.now()), true
}

// Sessions returns snapshots of every held session.
func (c *Coordinator) Sessions() []StatusSnapshot {
	c.mu.RLock()
	held := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		held = append(held, s)
	}
	c.mu.RUnlock()

	now := c.now()
	out := make([]StatusSnapshot, 0, len(held))
	for _, s := range held {
		out = append(out, s.snapshot(now))
	}
	return out
}

// Ask creates a session, waits for it and cleans it up.
func (c *Coordinator) Ask(ctx context.Context, req SessionRequest) (Result, error) {
	if _, err := c.CreateSession(ctx, req); err != nil {
		return Result{}, err
	}
	defer c.CleanupSession(req.SessionID)
	return c.WaitForAnswers(ctx, req.SessionID), nil
}

// Close cancels and forgets every session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.CleanupSession(id)
	}
	c.announcing.Wait()
}

func (c *Coordinator) expire(ctx context.Context, s *Session) {
	if c.resolve(ctx, s, StatusTimeout) {
		c.logger.Info("session timed out", "session_id", s.id)
	}
}

func (c *Coordinator) resolve(ctx context.Context, s *Session, status Status) bool {
	s.mu.Lock()
	resolved := s.resolveLocked(status, c.cfg.AllowPartialAnswers)
	s.mu.Unlock()

	if resolved {
		c.announceClosed(ctx, s)
	}
	return resolved
}

// resolveDetached resolves s and broadcasts session_closed in the background.
func (c *Coordinator) resolveDetached(ctx context.Context, s *Session, status Status) {
	s.mu.Lock()
	resolved := s.resolveLocked(status, c.cfg.AllowPartialAnswers)
	s.mu.Unlock()
	if !resolved {
		return
	}
	if status == StatusTimeout {
		c.logger.Info("session timed out", "session_id", s.id)
	}
	bg := context.WithoutCancel(ctx)
	c.announcing.Go(func() { c.announceClosed(bg, s) })
}

func (c *Coordinator) announceClosed(ctx context.Context, s *Session) {
	<-s.published

	s.mu.Lock()
	status, answered := s.status, len(s.answers)
	s.mu.Unlock()

	c.publish(ctx, envelope.System(s.id, "session "+string(status), envelope.SystemPayload{
		Event:    envelope.EventSessionClosed,
		Status:   string(status),
		Answered: answered,
	}))
}

func (c *Coordinator) publish(ctx context.Context, env *envelope.Envelope) {
	if c.pub == nil {
		return
	}
	msg, err := env.Marshal()
	if err != nil {
		c.logger.Error("encoding session event", "session_id", env.SessionID, "error", err)
		return
	}
	c.pub.BroadcastToAll(ctx, msg, registry.PriorityHigh)
}
