// ABOUTME: Tests for connection lifecycle, queueing order, fan-out and admission handling.
// ABOUTME: Uses in-memory fake transports and a scripted admission policy.

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/ratelimit"
)

var errBrokenPipe = errors.New("broken pipe")

type fakeTransport struct {
	mu          sync.Mutex
	msgs        []string
	fail        bool
	closes      int
	closeCode   int
	closeReason string
}

func (f *fakeTransport) SendText(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errBrokenPipe
	}
	f.msgs = append(f.msgs, string(msg))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// payloads returns messages after the welcome envelope.
func (f *fakeTransport) payloads() []string {
	msgs := f.messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[1:]
}

type fakeAdmission struct {
	mu      sync.Mutex
	deny    bool
	blocked map[string]bool
}

func (a *fakeAdmission) CheckMessage(id string) ratelimit.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deny {
		return ratelimit.Decision{Reason: "rate limit exceeded", RetryAfter: time.Second}
	}
	return ratelimit.Decision{Allowed: true}
}

func (a *fakeAdmission) Blocked(id string) (bool, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blocked[id] {
		return true, time.Minute
	}
	return false, 0
}

func (a *fakeAdmission) setDeny(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deny = v
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (o *recordingObserver) ConnectionOpened(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, id)
}

func (o *recordingObserver) ConnectionClosed(id, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, id+":"+reason)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, cfg Config, limiter Admission) *Registry {
	t.Helper()
	r := New(cfg, limiter, testLogger())
	t.Cleanup(r.Close)
	return r
}

func TestConnect_SendsWelcomeFirst(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)
	tr := &fakeTransport{}

	id, err := r.Connect(t.Context(), tr, ConnectOptions{ID: "alice", Group: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	env, err := envelope.Decode([]byte(msgs[0]))
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeSystem, env.Type)
	sys, ok := env.Payload.(envelope.SystemPayload)
	require.True(t, ok)
	assert.Equal(t, envelope.EventWelcome, sys.Event)
	assert.Equal(t, "alice", sys.ClientID)
	assert.Equal(t, "ops", sys.Group)

	h, ok := r.ClientHealth("alice")
	require.True(t, ok)
	assert.Equal(t, "ops", h.Group)
	assert.Equal(t, int64(1), h.MessagesSent)
	assert.True(t, h.Healthy)
}

func TestConnect_GeneratesIDAndDefaultGroup(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)

	id, err := r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	h, ok := r.ClientHealth(id)
	require.True(t, ok)
	assert.Equal(t, DefaultGroup, h.Group)
}

func TestConnect_Rejections(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnections: 2, MaxQueuedMessages: 10}, nil)

	_, err := r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "a"})
	require.NoError(t, err)

	_, err = r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "a"})
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	_, err = r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "has space"})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "b"})
	require.NoError(t, err)

	_, err = r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "c"})
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Equal(t, 2, r.Count())

	r.Disconnect("a", "bye")
	_, err = r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "c"})
	assert.NoError(t, err)
}

func TestDisconnect_Idempotent(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)
	tr := &fakeTransport{}

	_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: "a", Group: "g"})
	require.NoError(t, err)

	r.Disconnect("a", "client left")
	r.Disconnect("a", "client left")
	r.Disconnect("never-seen", "whatever")

	assert.Equal(t, 1, tr.closes)
	assert.Equal(t, CloseNormal, tr.closeCode)
	assert.Equal(t, "client left", tr.closeReason)
	assert.Equal(t, []string{"a"}, obs.opened)
	assert.Equal(t, []string{"a:client left"}, obs.closed)

	s := r.Stats()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Empty(t, s.Groups, "empty group should be deleted")
	assert.Equal(t, 1, s.DisconnectReasons["client left"])
	assert.Equal(t, int64(1), s.TotalDisconnects)

	_, ok := r.ClientHealth("a")
	assert.False(t, ok)
}

func TestDisconnectTransport_IgnoresStaleTransport(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)
	old := &fakeTransport{}
	_, err := r.Connect(t.Context(), old, ConnectOptions{ID: "a"})
	require.NoError(t, err)
	r.Disconnect("a", "heartbeat timeout")

	fresh := &fakeTransport{}
	_, err = r.Connect(t.Context(), fresh, ConnectOptions{ID: "a"})
	require.NoError(t, err)

	// The old read pump finishing must not evict the new connection.
	r.DisconnectTransport("a", old, "read error")
	assert.True(t, r.IsConnected("a"))

	r.DisconnectTransport("a", fresh, "read error")
	assert.False(t, r.IsConnected("a"))
}

func TestDisconnectEpoch_OnlyEvictsThatConnection(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)
	_, err := r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "a"})
	require.NoError(t, err)
	first := r.Epochs()["a"]
	require.NotZero(t, first)

	r.Disconnect("a", "transport lost")
	_, err = r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "a"})
	require.NoError(t, err)
	second := r.Epochs()["a"]
	assert.NotEqual(t, first, second)

	r.DisconnectEpoch("a", first, "heartbeat timeout")
	assert.True(t, r.IsConnected("a"))

	r.DisconnectEpoch("a", second, "heartbeat timeout")
	assert.False(t, r.IsConnected("a"))
	assert.Equal(t, 1, r.Stats().DisconnectReasons["heartbeat timeout"])
}

func TestSend_QueuedUntilReconnectInOrder(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)

	for i := 1; i <= 3; i++ {
		out := r.SendToClient(t.Context(), "bob", []byte(fmt.Sprintf("m%d", i)), PriorityNormal)
		assert.False(t, out.Sent)
		assert.Equal(t, StatusQueued, out.Status)
	}
	assert.Equal(t, 3, r.Stats().QueuedMessages)

	tr := &fakeTransport{}
	_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: "bob"})
	require.NoError(t, err)

	out := r.SendToClient(t.Context(), "bob", []byte("m4"), PriorityNormal)
	assert.True(t, out.Sent)

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, tr.payloads())
	assert.Equal(t, 0, r.Stats().QueuedMessages)
}

func TestSend_QueueBoundDropsOldest(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnections: 10, MaxQueuedMessages: 2}, nil)

	for i := 1; i <= 4; i++ {
		r.SendToClient(t.Context(), "c", []byte(fmt.Sprintf("m%d", i)), PriorityNormal)
	}
	assert.Equal(t, int64(2), r.Stats().MessagesDropped)

	tr := &fakeTransport{}
	_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, tr.payloads())
}

func TestBroadcastToGroup_OneFailingMember(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)

	transports := map[string]*fakeTransport{"a": {}, "b": {}, "c": {}}
	for id, tr := range transports {
		_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: id, Group: "team"})
		require.NoError(t, err)
	}
	transports["c"].setFail(true)

	sent := r.BroadcastToGroup(t.Context(), "team", []byte("hello"), "", PriorityNormal)
	assert.Equal(t, 2, sent)

	assert.Equal(t, []string{"hello"}, transports["a"].payloads())
	assert.Equal(t, []string{"hello"}, transports["b"].payloads())

	h, ok := r.ClientHealth("c")
	require.True(t, ok)
	assert.Equal(t, int64(1), h.Errors)
	assert.Equal(t, 1, h.QueuedMessages)

	// Once the transport recovers, the next send flushes behind the queued one.
	transports["c"].setFail(false)
	out := r.SendToClient(t.Context(), "c", []byte("second"), PriorityNormal)
	assert.Equal(t, StatusQueued, out.Status)
	r.flushLive(t.Context())
	assert.Equal(t, []string{"hello", "second"}, transports["c"].payloads())
}

func TestBroadcastToGroup_Exclude(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)
	a, b, other := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	for id, tr := range map[string]*fakeTransport{"a": a, "b": b} {
		_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: id, Group: "g"})
		require.NoError(t, err)
	}
	_, err := r.Connect(t.Context(), other, ConnectOptions{ID: "x", Group: "elsewhere"})
	require.NoError(t, err)

	assert.Equal(t, 1, r.BroadcastToGroup(t.Context(), "g", []byte("hi"), "a", PriorityNormal))
	assert.Empty(t, a.payloads())
	assert.Equal(t, []string{"hi"}, b.payloads())
	assert.Empty(t, other.payloads())

	assert.Equal(t, 0, r.BroadcastToGroup(t.Context(), "missing", []byte("hi"), "", PriorityNormal))
	assert.Equal(t, 3, r.BroadcastToAll(t.Context(), []byte("all"), PriorityNormal))
}

func TestSend_BlockedDropsNonHigh(t *testing.T) {
	adm := &fakeAdmission{blocked: map[string]bool{"spammer": true}}
	r := newTestRegistry(t, DefaultConfig(), adm)
	tr := &fakeTransport{}
	_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: "spammer"})
	require.NoError(t, err)

	out := r.SendToClient(t.Context(), "spammer", []byte("low"), PriorityLow)
	assert.Equal(t, StatusDropped, out.Status)
	assert.Equal(t, "client blocked", out.Reason)

	out = r.SendToClient(t.Context(), "spammer", []byte("urgent"), PriorityHigh)
	assert.True(t, out.Sent)
	assert.Equal(t, []string{"urgent"}, tr.payloads())
}

// High priority takes precedence over queued normal traffic; normal messages
// keep their submission order behind it.
func TestSend_RateDeniedQueuesAndHighBypasses(t *testing.T) {
	adm := &fakeAdmission{}
	r := newTestRegistry(t, DefaultConfig(), adm)
	tr := &fakeTransport{}
	_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: "c"})
	require.NoError(t, err)

	adm.setDeny(true)
	out := r.SendToClient(t.Context(), "c", []byte("n1"), PriorityNormal)
	assert.Equal(t, StatusQueued, out.Status)
	assert.Contains(t, out.Reason, "rate limit")

	out = r.SendToClient(t.Context(), "c", []byte("control"), PriorityHigh)
	assert.True(t, out.Sent)

	// The rate window reopens but n1 is still pending, so n2 must queue behind it.
	adm.setDeny(false)
	out = r.SendToClient(t.Context(), "c", []byte("n2"), PriorityNormal)
	assert.Equal(t, StatusQueued, out.Status)

	r.flushLive(t.Context())
	assert.Equal(t, []string{"control", "n1", "n2"}, tr.payloads())
}

func TestRun_PurgesStaleQueues(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnections: 10, MaxQueuedMessages: 10, QueueTTL: time.Minute}, nil)
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.SendToClient(t.Context(), "gone", []byte("m"), PriorityNormal)
	r.purgeStale()
	assert.Equal(t, 1, r.Stats().QueuedClients)

	now = now.Add(2 * time.Minute)
	r.purgeStale()
	assert.Equal(t, 0, r.Stats().QueuedClients)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := newTestRegistry(t, Config{FlushInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestClientHealth_LatencyRing(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)
	_, err := r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "c"})
	require.NoError(t, err)

	for i := 1; i <= 25; i++ {
		r.RecordHeartbeat("c", time.Duration(i)*time.Millisecond)
	}
	r.RecordActivity("c")

	h, ok := r.ClientHealth("c")
	require.True(t, ok)
	require.Len(t, h.Latencies, latencySamples)
	assert.Equal(t, 6*time.Millisecond, h.Latencies[0])
	assert.Equal(t, 25*time.Millisecond, h.Latencies[latencySamples-1])
	// Mean of 6..25 ms.
	assert.Equal(t, 15500*time.Microsecond, h.AverageLatency)
	assert.Equal(t, int64(1), h.MessagesReceived)
	assert.False(t, h.LastHeartbeat.IsZero())

	_, ok = r.ClientHealth("unknown")
	assert.False(t, ok)
}

func TestMoveToGroup(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig(), nil)
	_, err := r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "c", Group: "one"})
	require.NoError(t, err)

	require.NoError(t, r.MoveToGroup("c", "two"))
	s := r.Stats()
	assert.Equal(t, map[string]int{"two": 1}, s.Groups)

	assert.ErrorIs(t, r.MoveToGroup("nobody", "two"), ErrNotFound)
}

func TestCountMatchesConnectsMinusDisconnects(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnections: 500, MaxQueuedMessages: 10}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", i)
			_, err := r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: id})
			assert.NoError(t, err)
			if i%3 == 0 {
				r.Disconnect(id, "done")
				r.Disconnect(id, "done")
			}
		}()
	}
	wg.Wait()

	// 34 of 100 indices are divisible by 3.
	assert.Equal(t, 66, r.Count())
	assert.Len(t, r.IDs(), 66)
	s := r.Stats()
	assert.Equal(t, int64(100), s.TotalConnections)
	assert.Equal(t, int64(34), s.TotalDisconnects)
	assert.Equal(t, 66, s.Groups[DefaultGroup])
}

func TestClose_DisconnectsAllAndRejectsNew(t *testing.T) {
	r := New(DefaultConfig(), nil, testLogger())
	tr := &fakeTransport{}
	_, err := r.Connect(t.Context(), tr, ConnectOptions{ID: "a"})
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, "server shutdown", tr.closeReason)

	_, err = r.Connect(t.Context(), &fakeTransport{}, ConnectOptions{ID: "b"})
	assert.ErrorIs(t, err, ErrClosed)
}
