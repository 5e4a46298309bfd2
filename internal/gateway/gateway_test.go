// ABOUTME: Tests for the relay gateway over a real httptest server and websocket clients
// ABOUTME: Covers the HTTP API, websocket commands, capacity rejection and Run/Shutdown

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/interactive"
	"github.com/2389/coven-relay/internal/registry"
	"github.com/2389/coven-relay/internal/transport"
)

// testConfig returns defaults bound to loopback.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	gw     *Gateway
	server *httptest.Server
}

func newTestRelay(t *testing.T, cfg *config.Config) *testRelay {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return &testRelay{gw: gw, server: srv}
}

func (tr *testRelay) url(path string) string {
	return tr.server.URL + path
}

// dial connects a websocket client and consumes its welcome envelope.
func (tr *testRelay) dial(t *testing.T, query string) (*websocket.Conn, envelope.SystemPayload) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(tr.server.URL, "http") + "/ws"
	if query != "" {
		wsURL += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeSystem, env.Type)
	welcome, ok := env.Payload.(envelope.SystemPayload)
	require.True(t, ok)
	require.Equal(t, envelope.EventWelcome, welcome.Event)
	return ws, welcome
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *envelope.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(data)
	require.NoError(t, err)
	return env
}

// readUntil reads envelopes until match returns true.
func readUntil(t *testing.T, ws *websocket.Conn, match func(*envelope.Envelope) bool) *envelope.Envelope {
	t.Helper()
	for range 20 {
		env := readEnvelope(t, ws)
		if match(env) {
			return env
		}
	}
	t.Fatal("expected envelope never arrived")
	return nil
}

func isSystemEvent(event string) func(*envelope.Envelope) bool {
	return func(env *envelope.Envelope) bool {
		p, ok := env.Payload.(envelope.SystemPayload)
		return ok && p.Event == event
	}
}

func writeCommand(t *testing.T, ws *websocket.Conn, cmd transport.Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// postWithKey posts body as JSON with an Idempotency-Key header.
func postWithKey(t *testing.T, url, key string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNew_RequiresValidConfig(t *testing.T) {
	_, err := New(nil, testLogger())
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Registry.MaxConnections = 0
	_, err = New(cfg, testLogger())
	assert.ErrorContains(t, err, "max_connections")
}

func TestHealthEndpoints(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	code, body := getBody(t, tr.url("/health"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = getBody(t, tr.url("/health/ready"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready (0 clients)", body)
}

func TestWebSocket_WelcomeAndClientHealth(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	_, welcome := tr.dial(t, "client_id=alice&group=ops")
	assert.Equal(t, "alice", welcome.ClientID)
	assert.Equal(t, "ops", welcome.Group)

	resp, err := http.Get(tr.url("/api/clients/alice/health"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decodeBody[registry.ClientHealth](t, resp)
	assert.Equal(t, "alice", h.ID)
	assert.Equal(t, "ops", h.Group)
	assert.True(t, h.Healthy)

	code, _ := getBody(t, tr.url("/api/clients/bob/health"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebSocket_GeneratedIDWhenMissing(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	_, welcome := tr.dial(t, "")
	assert.NotEmpty(t, welcome.ClientID)
	assert.Equal(t, registry.DefaultGroup, welcome.Group)
}

func TestWebSocket_AtCapacityClosesTryAgainLater(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.MaxConnections = 1
	tr := newTestRelay(t, cfg)

	tr.dial(t, "client_id=first")

	wsURL := "ws" + strings.TrimPrefix(tr.server.URL, "http") + "/ws?client_id=second"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)

	code, body := getBody(t, tr.url("/health/ready"))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "at capacity")
}

func TestWebSocket_DisconnectRemovesClient(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	ws, _ := tr.dial(t, "client_id=alice")
	require.True(t, tr.gw.Registry().IsConnected("alice"))

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	assert.Eventually(t, func() bool { return !tr.gw.Registry().IsConnected("alice") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tr.gw.Registry().Stats().DisconnectReasons[transport.ReasonClientClosed])
}

func TestWebSocket_JoinGroup(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	ws, _ := tr.dial(t, "client_id=alice")
	writeCommand(t, ws, transport.Command{Type: transport.CommandJoinGroup, Group: "ops"})

	env := readUntil(t, ws, isSystemEvent(envelope.EventGroupChanged))
	assert.Equal(t, "ops", env.Payload.(envelope.SystemPayload).Group)

	h, ok := tr.gw.Registry().ClientHealth("alice")
	require.True(t, ok)
	assert.Equal(t, "ops", h.Group)
}

func TestWebSocket_HeartbeatReplyRecordsActivity(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	ws, _ := tr.dial(t, "client_id=alice")
	writeCommand(t, ws, transport.Command{Type: transport.CommandPong, Sequence: 1})

	assert.Eventually(t, func() bool {
		h, ok := tr.gw.Registry().ClientHealth("alice")
		return ok && h.MessagesReceived == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleCommand_Errors(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	ctx := t.Context()

	err := tr.gw.HandleCommand(ctx, "ghost", transport.Command{Type: transport.CommandJoinGroup, Group: "ops"})
	assert.ErrorIs(t, err, registry.ErrNotFound)

	err = tr.gw.HandleCommand(ctx, "ghost", transport.Command{Type: "reboot"})
	assert.ErrorIs(t, err, transport.ErrUnknownCommand)
}

func TestSession_AnsweredOverWebSocket(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	ws, _ := tr.dial(t, "client_id=alice")

	resp := postJSON(t, tr.url("/api/sessions"), CreateSessionRequest{
		SessionID: "task-1",
		AgentName: "planner",
		Questions: []string{"Which branch?"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[CreateSessionResponse](t, resp)
	require.Len(t, created.Questions, 1)

	env := readUntil(t, ws, isSystemEvent(envelope.EventQuestions))
	asked := env.Payload.(envelope.SystemPayload)
	require.Len(t, asked.Questions, 1)
	assert.Equal(t, created.Questions[0].ID, asked.Questions[0].ID)

	writeCommand(t, ws, transport.Command{
		Type:       transport.CommandAnswer,
		SessionID:  "task-1",
		QuestionID: asked.Questions[0].ID,
		Answer:     "main",
	})

	env = readUntil(t, ws, isSystemEvent(envelope.EventSessionClosed))
	assert.Equal(t, string(interactive.StatusCompleted), env.Payload.(envelope.SystemPayload).Status)

	resp2, err := http.Get(tr.url("/api/sessions/task-1"))
	require.NoError(t, err)
	defer resp2.Body.Close()
	snap := decodeBody[interactive.StatusSnapshot](t, resp2)
	assert.Equal(t, interactive.StatusCompleted, snap.Status)
	assert.Equal(t, 1, snap.Answered)
}

func TestSession_RejectedAnswerReportsError(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	ws, _ := tr.dial(t, "client_id=alice")

	writeCommand(t, ws, transport.Command{
		Type:       transport.CommandAnswer,
		SessionID:  "missing",
		QuestionID: "q1",
		Answer:     "yes",
	})

	env := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeError, env.Type)
	assert.Equal(t, "missing", env.SessionID)
	assert.Equal(t, "answer_rejected", env.Payload.(envelope.ErrorPayload).ErrorType)
}

func TestSession_HTTPAnswersAndWait(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	resp := postJSON(t, tr.url("/api/sessions"), CreateSessionRequest{
		SessionID: "task-2",
		Questions: []string{"Deploy?", "Region?"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[CreateSessionResponse](t, resp)

	dup := postJSON(t, tr.url("/api/sessions"), CreateSessionRequest{SessionID: "task-2", Questions: []string{"again"}})
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	bad := postJSON(t, tr.url("/api/sessions"), CreateSessionRequest{SessionID: "task-3"})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	waited := make(chan interactive.Result, 1)
	go func() {
		resp, err := http.Get(tr.url("/api/sessions/task-2/wait"))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var res interactive.Result
		if json.NewDecoder(resp.Body).Decode(&res) == nil {
			waited <- res
		}
	}()

	unknown := postJSON(t, tr.url("/api/sessions/task-2/answers"), SubmitAnswerRequest{QuestionID: "nope", Answer: "x"})
	assert.Equal(t, http.StatusConflict, unknown.StatusCode)

	for i, answer := range []string{"yes", "eu"} {
		r := postJSON(t, tr.url("/api/sessions/task-2/answers"), SubmitAnswerRequest{
			QuestionID: created.Questions[i].ID,
			Answer:     answer,
		})
		require.Equal(t, http.StatusOK, r.StatusCode)
	}

	select {
	case res := <-waited:
		assert.Equal(t, interactive.StatusCompleted, res.Status)
		assert.Equal(t, map[string]string{"Deploy?": "yes", "Region?": "eu"}, res.Answers)
	case <-time.After(2 * time.Second):
		t.Fatal("wait endpoint did not return")
	}

	late := postJSON(t, tr.url("/api/sessions/task-2/answers"), SubmitAnswerRequest{QuestionID: created.Questions[0].ID, Answer: "no"})
	assert.Equal(t, http.StatusConflict, late.StatusCode)
}

func TestSession_CancelOverHTTP(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	resp := postJSON(t, tr.url("/api/sessions"), CreateSessionRequest{SessionID: "task-4", Questions: []string{"Proceed?"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, tr.url("/api/sessions/task-4"), nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)
	assert.Equal(t, map[string]bool{"cancelled": true}, decodeBody[map[string]bool](t, del))

	code, _ := getBody(t, tr.url("/api/sessions/task-4"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTaskEvents_RoutedToGroup(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	ops, _ := tr.dial(t, "client_id=alice&group=ops")
	tr.dial(t, "client_id=bob&group=dev")

	resp := postJSON(t, tr.url("/api/sessions/task-9/events"), TaskEventRequest{
		Type:      envelope.TypeStatus,
		AgentName: "builder",
		Group:     "ops",
		Status:    "running",
		Task:      "compile",
		Content:   "building",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, map[string]int{"delivered": 1}, decodeBody[map[string]int](t, resp))

	env := readEnvelope(t, ops)
	assert.Equal(t, envelope.TypeStatus, env.Type)
	assert.Equal(t, "task-9", env.SessionID)
	assert.Equal(t, "builder", env.AgentName)
	assert.Equal(t, "building", env.Content)

	bad := postJSON(t, tr.url("/api/sessions/task-9/events"), TaskEventRequest{Type: envelope.TypeHeartbeat})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestTaskEvents_ProgressETA(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	ws, _ := tr.dial(t, "client_id=alice")

	eta := 12.5
	resp := postJSON(t, tr.url("/api/sessions/task-5/events"), TaskEventRequest{
		Type:       envelope.TypeProgress,
		ClientID:   "alice",
		Stage:      "tests",
		Current:    3,
		Total:      10,
		ETASeconds: &eta,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	env := readEnvelope(t, ws)
	p, ok := env.Payload.(envelope.ProgressPayload)
	require.True(t, ok)
	assert.Equal(t, 3, p.Current)
	require.NotNil(t, p.EstimatedTimeRemaining)
	assert.InDelta(t, 12.5, *p.EstimatedTimeRemaining, 0.001)
}

func TestUploads_Admission(t *testing.T) {
	cfg := testConfig(t)
	cfg.Uploads.PerMinute = 2
	cfg.Uploads.MaxFileSize = 10
	cfg.Uploads.Cooldown = 5 * time.Minute
	tr := newTestRelay(t, cfg)

	upload := func(id, body string) *http.Response {
		resp, err := http.Post(tr.url("/api/uploads/"+id), "application/octet-stream", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	for range 2 {
		resp := upload("alice", "hello")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, UploadResponse{Accepted: true, Size: 5}, decodeBody[UploadResponse](t, resp))
	}

	limited := upload("alice", "hello")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.Equal(t, "300", limited.Header.Get("Retry-After"))

	big := upload("bob", strings.Repeat("x", 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, big.StatusCode)
	assert.Empty(t, big.Header.Get("Retry-After"))

	// An oversized file does not put bob on cooldown.
	assert.Equal(t, http.StatusAccepted, upload("bob", "ok").StatusCode)
}

func TestStats(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	tr.dial(t, "client_id=alice&group=ops")

	resp, err := http.Get(tr.url("/api/stats"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeBody[StatsResponse](t, resp)
	assert.True(t, strings.HasPrefix(stats.ServerID, "coven-relay-"))
	assert.Equal(t, 1, stats.Registry.ActiveConnections)
	assert.Equal(t, 1, stats.Registry.Groups["ops"])
	assert.Equal(t, 1, stats.Heartbeat.Tracked)

	code, body := getBody(t, tr.url("/api/clients"))
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"id":"alice"`)
}

func TestCloseCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{registry.ErrAtCapacity, websocket.CloseTryAgainLater},
		{registry.ErrClosed, websocket.CloseGoingAway},
		{registry.ErrAlreadyConnected, websocket.ClosePolicyViolation},
		{registry.ErrInvalidID, websocket.ClosePolicyViolation},
		{io.EOF, websocket.CloseInternalServerErr},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closeCodeFor(tt.err), tt.err.Error())
	}
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = addr
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.NoError(t, gw.Shutdown(context.Background()), "second shutdown returns the first result")
}

func TestShutdown_DisconnectsClients(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	ws, _ := tr.dial(t, "client_id=alice")

	require.NoError(t, tr.gw.Shutdown(t.Context()))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	assert.False(t, tr.gw.Registry().IsConnected("alice"))
}

func TestIdempotencyKey_DropsReplayedEvents(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))
	ws, _ := tr.dial(t, "client_id=alice")

	post := func(key string) *http.Response {
		return postWithKey(t, tr.url("/api/sessions/task-7/events"), key,
			TaskEventRequest{Type: envelope.TypeResponse, Content: "done"})
	}

	first := post("evt-1")
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	replay := post("evt-1")
	require.Equal(t, http.StatusOK, replay.StatusCode)
	assert.Equal(t, true, decodeBody[map[string]any](t, replay)["duplicate"])
	require.Equal(t, http.StatusAccepted, post("evt-2").StatusCode)

	// Exactly two responses reach the client.
	for range 2 {
		env := readEnvelope(t, ws)
		assert.Equal(t, envelope.TypeResponse, env.Type)
	}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "no third envelope")
}

func TestIdempotencyKey_RejectedAnswerCanBeRetried(t *testing.T) {
	tr := newTestRelay(t, testConfig(t))

	resp := postJSON(t, tr.url("/api/sessions"), CreateSessionRequest{
		SessionID: "task-8",
		Questions: []string{"Deploy?", "Region?"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[CreateSessionResponse](t, resp)
	url := tr.url("/api/sessions/task-8/answers")

	wrong := postWithKey(t, url, "ans-1", SubmitAnswerRequest{QuestionID: "nope", Answer: "yes"})
	require.Equal(t, http.StatusConflict, wrong.StatusCode)

	retry := postWithKey(t, url, "ans-1", SubmitAnswerRequest{QuestionID: created.Questions[0].ID, Answer: "yes"})
	require.Equal(t, http.StatusOK, retry.StatusCode)
	assert.Nil(t, decodeBody[map[string]any](t, retry)["duplicate"])

	replay := postWithKey(t, url, "ans-1", SubmitAnswerRequest{QuestionID: created.Questions[0].ID, Answer: "yes"})
	require.Equal(t, http.StatusOK, replay.StatusCode)
	assert.Equal(t, true, decodeBody[map[string]any](t, replay)["duplicate"])

	snap, ok := tr.gw.Sessions().SessionStatus("task-8")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Answered)
	assert.Equal(t, interactive.StatusActive, snap.Status)
}

func TestLimits_BlockAndReset(t *testing.T) {
	cfg := testConfig(t)
	cfg.Uploads.PerMinute = 1
	cfg.Uploads.Cooldown = 5 * time.Minute
	tr := newTestRelay(t, cfg)

	upload := func(id string) int {
		resp, err := http.Post(tr.url("/api/uploads/"+id), "application/octet-stream", strings.NewReader("data"))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	status := func(id string) LimitStatusResponse {
		resp, err := http.Get(tr.url("/api/limits/" + id))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeBody[LimitStatusResponse](t, resp)
	}
	reset := func(id string) LimitStatusResponse {
		req, err := http.NewRequest(http.MethodDelete, tr.url("/api/limits/"+id), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeBody[LimitStatusResponse](t, resp)
	}

	require.Equal(t, http.StatusAccepted, upload("alice"))
	require.Equal(t, http.StatusTooManyRequests, upload("alice"))
	st := status("alice")
	assert.True(t, st.Blocked)
	assert.Equal(t, 300, st.RemainingSeconds)

	assert.False(t, reset("alice").Blocked)
	assert.Equal(t, http.StatusAccepted, upload("alice"), "reset clears the window too")

	blocked := postJSON(t, tr.url("/api/limits/bob/block"), BlockRequest{Seconds: 60})
	require.Equal(t, http.StatusOK, blocked.StatusCode)
	assert.Equal(t, LimitStatusResponse{ID: "bob", Blocked: true, RemainingSeconds: 60}, decodeBody[LimitStatusResponse](t, blocked))
	assert.Equal(t, http.StatusTooManyRequests, upload("bob"))

	bad := postJSON(t, tr.url("/api/limits/bob/block"), BlockRequest{})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	assert.Equal(t, LimitStatusResponse{ID: "carol"}, status("carol"))
}
