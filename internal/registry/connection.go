// ABOUTME: One live client channel with its health counters and latency ring.
// ABOUTME: sendMu serializes writes so each client sees messages in send order.

package registry

import (
	"context"
	"sync"
	"time"
)

// latencySamples is the size of the round-trip latency ring buffer.
const latencySamples = 20

// unhealthyAfterErrors is the error count at which a connection reports unhealthy.
const unhealthyAfterErrors = 3

// Transport is the outbound side of a client channel.
// SendText must honor ctx cancellation; Close sends a close frame with code and reason.
type Transport interface {
	SendText(ctx context.Context, msg []byte) error
	Close(code int, reason string) error
}

// Connection is owned by the Registry and never handed out; callers see ClientHealth.
type Connection struct {
	id        string
	transport Transport
	createdAt time.Time
	// epoch is unique per Connect call and never reused.
	epoch uint64

	// sendMu is held for every write and queue flush on this connection.
	sendMu sync.Mutex

	mu            sync.Mutex
	group         string
	lastActivity  time.Time
	lastHeartbeat time.Time
	sent          int64
	received      int64
	errors        int64
	latencies     [latencySamples]time.Duration
	latencyCount  int
	latencyNext   int
}

func newConnection(id, group string, t Transport, now time.Time) *Connection {
	return &Connection{
		id:           id,
		group:        group,
		transport:    t,
		createdAt:    now,
		lastActivity: now,
	}
}

// write sends one message under a timeout. Callers hold sendMu.
func (c *Connection) write(ctx context.Context, msg []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.transport.SendText(ctx, msg)
}

func (c *Connection) recordSent(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	c.lastActivity = now
}

func (c *Connection) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
}

func (c *Connection) recordReceived(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received++
	c.lastActivity = now
}

func (c *Connection) recordHeartbeat(now time.Time, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
	c.lastActivity = now
	if rtt <= 0 {
		return
	}
	c.latencies[c.latencyNext] = rtt
	c.latencyNext = (c.latencyNext + 1) % latencySamples
	if c.latencyCount < latencySamples {
		c.latencyCount++
	}
}

func (c *Connection) setGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = group
}

func (c *Connection) groupName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// ClientHealth is a read-only snapshot of one connection.
type ClientHealth struct {
	ID               string          `json:"id"`
	Group            string          `json:"group"`
	ConnectedAt      time.Time       `json:"connected_at"`
	LastActivity     time.Time       `json:"last_activity"`
	LastHeartbeat    time.Time       `json:"last_heartbeat,omitzero"`
	MessagesSent     int64           `json:"messages_sent"`
	MessagesReceived int64           `json:"messages_received"`
	Errors           int64           `json:"errors"`
	Latencies        []time.Duration `json:"latencies_ns"`
	AverageLatency   time.Duration   `json:"average_latency_ns"`
	QueuedMessages   int             `json:"queued_messages"`
	Healthy          bool            `json:"healthy"`
}

func (c *Connection) snapshot() ClientHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := ClientHealth{
		ID:               c.id,
		Group:            c.group,
		ConnectedAt:      c.createdAt,
		LastActivity:     c.lastActivity,
		LastHeartbeat:    c.lastHeartbeat,
		MessagesSent:     c.sent,
		MessagesReceived: c.received,
		Errors:           c.errors,
		Latencies:        make([]time.Duration, 0, c.latencyCount),
		Healthy:          c.errors < unhealthyAfterErrors,
	}

	// Oldest first.
	start := c.latencyNext - c.latencyCount
	if start < 0 {
		start += latencySamples
	}
	var total time.Duration
	for i := 0; i < c.latencyCount; i++ {
		l := c.latencies[(start+i)%latencySamples]
		h.Latencies = append(h.Latencies, l)
		total += l
	}
	if c.latencyCount > 0 {
		h.AverageLatency = total / time.Duration(c.latencyCount)
	}
	return h
}
