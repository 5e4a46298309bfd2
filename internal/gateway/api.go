// ABOUTME: HTTP API for health, stats, client health, sessions, task events and upload admission
// ABOUTME: Routes are mounted on a chi router alongside the websocket endpoint

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/interactive"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/reporter"
)

// maxJSONBody bounds API request bodies other than uploads.
const maxJSONBody = 1 << 20

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", g.handleWebSocket)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", g.handleStats)
		r.Get("/clients", g.handleListClients)
		r.Get("/clients/{id}/health", g.handleClientHealth)

		r.Post("/sessions", g.handleCreateSession)
		r.Get("/sessions", g.handleListSessions)
		r.Get("/sessions/{id}", g.handleSessionStatus)
		r.Get("/sessions/{id}/wait", g.handleWaitSession)
		r.Delete("/sessions/{id}", g.handleCancelSession)
		r.Post("/sessions/{id}/answers", g.handleSubmitAnswer)
		r.Post("/sessions/{id}/events", g.handleTaskEvent)

		r.Post("/uploads/{id}", g.handleUpload)

		r.Get("/limits/{id}", g.handleLimitStatus)
		r.Post("/limits/{id}/block", g.handleBlockClient)
		r.Delete("/limits/{id}", g.handleResetLimits)
	})

	return r
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the relay can accept another client.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.registry.Count()
	if limit := g.config.Registry.MaxConnections; limit > 0 && count >= limit {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "at capacity (%d clients)", count)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d clients)", count)
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	ServerID  string                       `json:"server_id"`
	Registry  registry.Stats               `json:"registry"`
	RateLimit ratelimit.Stats              `json:"rate_limit"`
	Heartbeat HeartbeatStats               `json:"heartbeat"`
	Sessions  []interactive.StatusSnapshot `json:"sessions"`
}

// HeartbeatStats summarizes the monitor.
type HeartbeatStats struct {
	Tracked  int           `json:"tracked"`
	Interval time.Duration `json:"interval_ns"`
	Timeout  time.Duration `json:"timeout_ns"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		ServerID:  g.serverID,
		Registry:  g.registry.Stats(),
		RateLimit: g.limiter.Stats(),
		Heartbeat: HeartbeatStats{
			Tracked:  len(g.monitor.Tracked()),
			Interval: g.config.Heartbeat.Interval,
			Timeout:  g.config.Heartbeat.Timeout,
		},
		Sessions: g.sessions.Sessions(),
	})
}

func (g *Gateway) handleListClients(w http.ResponseWriter, r *http.Request) {
	ids := g.registry.IDs()
	clients := make([]registry.ClientHealth, 0, len(ids))
	for _, id := range ids {
		if h, ok := g.registry.ClientHealth(id); ok {
			clients = append(clients, h)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (g *Gateway) handleClientHealth(w http.ResponseWriter, r *http.Request) {
	h, ok := g.registry.ClientHealth(chi.URLParam(r, "id"))
	if !ok {
		sendJSONError(w, http.StatusNotFound, "client not found")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	SessionID      string   `json:"session_id"`
	AgentName      string   `json:"agent_name"`
	Questions      []string `json:"questions"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// CreateSessionResponse describes a newly published session.
type CreateSessionResponse struct {
	SessionID string              `json:"session_id"`
	Questions []envelope.Question `json:"questions"`
	Deadline  time.Time           `json:"deadline"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := g.sessions.CreateSession(r.Context(), interactive.SessionRequest{
		SessionID: req.SessionID,
		Questions: req.Questions,
		AgentName: req.AgentName,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
	})
	switch {
	case errors.Is(err, interactive.ErrSessionExists):
		sendJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: s.ID(),
		Questions: s.Questions(),
		Deadline:  s.Deadline(),
	})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": g.sessions.Sessions()})
}

func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := g.sessions.SessionStatus(chi.URLParam(r, "id"))
	if !ok {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleWaitSession blocks until the session resolves. A caller that hangs up
// abandons the session, which resolves it as cancelled.
func (g *Gateway) handleWaitSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := g.sessions.SessionStatus(id); !ok {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, g.sessions.WaitForAnswers(r.Context(), id))
}

func (g *Gateway) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := g.sessions.SessionStatus(id); !ok {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	cancelled := g.sessions.CancelSession(r.Context(), id)
	g.sessions.CleanupSession(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// SubmitAnswerRequest is the body of POST /api/sessions/{id}/answers.
type SubmitAnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func (g *Gateway) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req SubmitAnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.QuestionID == "" {
		sendJSONError(w, http.StatusBadRequest, "question_id is required")
		return
	}

	sessionID := chi.URLParam(r, "id")
	key, fresh := g.claimIdempotencyKey(r, "answer|"+sessionID)
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": true, "duplicate": true})
		return
	}

	if !g.sessions.SubmitAnswer(r.Context(), sessionID, req.QuestionID, req.Answer) {
		g.releaseIdempotencyKey(key)
		sendJSONError(w, http.StatusConflict, "answer not accepted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// claimIdempotencyKey claims the request's Idempotency-Key within scope. fresh
// is false only for a replay; requests without the header are always fresh.
func (g *Gateway) claimIdempotencyKey(r *http.Request, scope string) (key string, fresh bool) {
	header := r.Header.Get("Idempotency-Key")
	if header == "" {
		return "", true
	}
	key = scope + "|" + header
	if !g.replays.Claim(key) {
		g.logger.Debug("dropping replayed request", "scope", scope, "idempotency_key", header)
		return key, false
	}
	return key, true
}

func (g *Gateway) releaseIdempotencyKey(key string) {
	if key != "" {
		g.replays.Release(key)
	}
}

// TaskEventRequest is the body of POST /api/sessions/{id}/events. Type selects
// which of the remaining fields apply.
type TaskEventRequest struct {
	Type      envelope.Type `json:"type"`
	AgentName string        `json:"agent_name"`
	Content   string        `json:"content"`
	ClientID  string        `json:"client_id"`
	Group     string        `json:"group"`

	Status string `json:"status"`
	Task   string `json:"task"`

	Stage      string   `json:"stage"`
	Current    int      `json:"current"`
	Total      int      `json:"total"`
	ETASeconds *float64 `json:"eta_seconds"`

	ErrorType string `json:"error_type"`
}

func (g *Gateway) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	var req TaskEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := chi.URLParam(r, "id")
	key, fresh := g.claimIdempotencyKey(r, "event|"+sessionID)
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]any{"delivered": 0, "duplicate": true})
		return
	}

	task := g.reporter.For(sessionID, req.AgentName, reporter.Audience{
		ClientID: req.ClientID,
		Group:    req.Group,
	})
	ctx := r.Context()

	var delivered int
	switch req.Type {
	case envelope.TypeStatus:
		delivered = task.Status(ctx, req.Status, req.Task, req.Content)
	case envelope.TypeProgress:
		eta := time.Duration(-1)
		if req.ETASeconds != nil && *req.ETASeconds >= 0 {
			eta = time.Duration(*req.ETASeconds * float64(time.Second))
		}
		delivered = task.Progress(ctx, req.Stage, req.Current, req.Total, eta, req.Content)
	case envelope.TypeResponse:
		delivered = task.Response(ctx, req.Content)
	case envelope.TypeError:
		delivered = task.Error(ctx, req.ErrorType, req.Content)
	default:
		g.releaseIdempotencyKey(key)
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unsupported event type %q", req.Type))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

// UploadResponse is the body of an accepted upload.
type UploadResponse struct {
	Accepted bool  `json:"accepted"`
	Size     int64 `json:"size"`
}

// handleUpload admits an upload for {id} against the per-identifier ceilings.
// The body is counted and discarded; storage is the caller's concern.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	size, err := uploadSize(r, g.config.Uploads.MaxFileSize)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := g.limiter.CheckUpload(id, size)
	if !d.Allowed {
		status := http.StatusTooManyRequests
		if limit := g.config.Uploads.MaxFileSize; limit > 0 && size > limit {
			status = http.StatusRequestEntityTooLarge
		}
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		g.logger.Info("upload rejected", "id", id, "size", size, "reason", d.Reason)
		sendJSONError(w, status, d.Reason)
		return
	}
	writeJSON(w, http.StatusAccepted, UploadResponse{Accepted: true, Size: size})
}

// uploadSize counts the request body. Reading stops just past limit so an
// oversized body is reported as limit+1 bytes without being read in full.
func uploadSize(r *http.Request, limit int64) (int64, error) {
	body := io.Reader(r.Body)
	if limit > 0 {
		body = io.LimitReader(r.Body, limit+1)
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return 0, fmt.Errorf("reading upload: %w", err)
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// LimitStatusResponse reports an identifier's cooldown.
type LimitStatusResponse struct {
	ID               string `json:"id"`
	Blocked          bool   `json:"blocked"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// BlockRequest is the body of POST /api/limits/{id}/block.
type BlockRequest struct {
	Seconds int `json:"seconds"`
}

func (g *Gateway) limitStatus(id string) LimitStatusResponse {
	blocked, remaining := g.limiter.Blocked(id)
	return LimitStatusResponse{
		ID:               id,
		Blocked:          blocked,
		RemainingSeconds: int(math.Ceil(remaining.Seconds())),
	}
}

func (g *Gateway) handleLimitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.limitStatus(chi.URLParam(r, "id")))
}

// handleBlockClient puts an identifier on the cooldown list. A shorter block
// never cuts an existing cooldown.
func (g *Gateway) handleBlockClient(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Seconds <= 0 {
		sendJSONError(w, http.StatusBadRequest, "seconds must be positive")
		return
	}
	id := chi.URLParam(r, "id")
	g.limiter.Block(id, time.Duration(req.Seconds)*time.Second)
	g.logger.Info("client blocked", "client_id", id, "seconds", req.Seconds)
	writeJSON(w, http.StatusOK, g.limitStatus(id))
}

// handleResetLimits clears windows and cooldowns for an identifier.
func (g *Gateway) handleResetLimits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g.limiter.Reset(id)
	g.logger.Info("rate limits reset", "client_id", id)
	writeJSON(w, http.StatusOK, g.limitStatus(id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
