// ABOUTME: Tests for CLI helpers, the color log handler, init, and the watch client against a live relay.

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/interactive"
)

func init() {
	color.NoColor = true
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr     string
		override string
		want     string
	}{
		{"0.0.0.0:8080", "", "http://127.0.0.1:8080"},
		{":9000", "", "http://127.0.0.1:9000"},
		{"relay.internal:8080", "", "http://relay.internal:8080"},
		{"0.0.0.0:8080", "https://relay.example.ts.net/", "https://relay.example.ts.net"},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Server.HTTPAddr = tt.addr
		assert.Equal(t, tt.want, baseURL(cfg, tt.override), tt.addr)
	}
}

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("http://127.0.0.1:8080", "alice", "ops")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws?client_id=alice&group=ops", got)

	got, err = websocketURL("https://relay.example.ts.net/", "", "")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.ts.net/ws", got)

	_, err = websocketURL("ftp://nope", "", "")
	assert.Error(t, err)
}

func TestFormatEnvelope(t *testing.T) {
	assert.Empty(t, formatEnvelope(envelope.Heartbeat(1, time.Now())))

	line := formatEnvelope(envelope.Status("s1", "builder", "running", "compile", "building"))
	assert.Contains(t, line, "builder running compile: building")

	line = formatEnvelope(envelope.Progress("s1", "builder", "tests", 3, 10, 12*time.Second, "halfway"))
	assert.Contains(t, line, "tests 3/10 (eta 12s): halfway")

	line = formatEnvelope(envelope.Error("s1", "builder", "timeout", "gave up"))
	assert.Contains(t, line, "error timeout: gave up")

	line = formatEnvelope(envelope.Welcome("alice", "ops"))
	assert.Contains(t, line, "connected as alice (group ops)")
}

func TestColorHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.With("component", "registry").WithGroup("conn").Info("sent", "id", "alice")
	logger.Debug("hidden")
	logger.Warn("slow", slog.Group("latency", "ms", 12))

	out := buf.String()
	assert.Contains(t, out, "INF sent component=registry conn.id=alice")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN slow latency.ms=12")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	// Accept every default but the path and the question timeout.
	input := path + "\n\n\n\n10\n\n\n\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(input), &out, "unused.yaml"))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Interactive.QuestionTimeout())
	assert.True(t, cfg.Interactive.AllowPartialAnswers)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)

	// A second run against the same file aborts unless confirmed.
	require.NoError(t, runInit(strings.NewReader(path+"\nno\n"), &out, "unused.yaml"))
	assert.Contains(t, out.String(), "Aborted.")
}

func TestRunInit_RejectsTOMLPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	err := runInit(strings.NewReader(path+"\n"), io.Discard, "unused.yaml")
	assert.ErrorContains(t, err, "YAML")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

// syncBuffer is a bytes.Buffer safe for the watcher's concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch_AnswersQuestionsAndHeartbeats(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Server.HTTPAddr = addr
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	cfg.Heartbeat.Timeout = time.Second
	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	relayCtx, stopRelay := context.WithCancel(t.Context())
	relayDone := make(chan error, 1)
	go func() { relayDone <- gw.Run(relayCtx) }()
	t.Cleanup(func() {
		stopRelay()
		<-relayDone
	})

	base := baseURL(cfg, "")
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	wsURL, err := websocketURL(base, "watcher", "ops")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	stdin, stdinWriter := io.Pipe()
	defer stdinWriter.Close()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- runWatch(ctx, wsURL, true, stdin, out) }()

	require.Eventually(t, func() bool { return gw.Registry().IsConnected("watcher") }, 2*time.Second, 10*time.Millisecond)

	_, err = gw.Sessions().CreateSession(ctx, interactive.SessionRequest{
		SessionID: "task-1",
		AgentName: "planner",
		Questions: []string{"Which branch?"},
	})
	require.NoError(t, err)

	go func() { _, _ = io.WriteString(stdinWriter, "main\n") }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
	defer waitCancel()
	res := gw.Sessions().WaitForAnswers(waitCtx, "task-1")
	assert.Equal(t, interactive.StatusCompleted, res.Status)
	assert.Equal(t, map[string]string{"Which branch?": "main"}, res.Answers)

	// Several probe intervals pass without the watcher being evicted.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, gw.Registry().IsConnected("watcher"))
	h, ok := gw.Registry().ClientHealth("watcher")
	require.True(t, ok)
	assert.False(t, h.LastHeartbeat.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not exit")
	}

	assert.Contains(t, out.String(), "connected as watcher (group ops)")
	assert.Contains(t, out.String(), "question(s) for session task-1")
}
