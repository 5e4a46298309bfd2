// ABOUTME: Registry tracks live client connections, groups, and undelivered message queues.
// ABOUTME: Handles targeted sends, group and global broadcast, and connect-time queue flushing.

package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/ratelimit"
)

// CloseNormal is the close code used for orderly disconnects.
const CloseNormal = 1000

// DefaultGroup is joined when ConnectOptions.Group is empty.
const DefaultGroup = "default"

const (
	maxIDLength    = 128
	fanOutLimit    = 64
	reasonShutdown = "server shutdown"
)

var (
	// ErrAtCapacity is returned by Connect when max_connections is reached.
	ErrAtCapacity = errors.New("registry at capacity")
	// ErrAlreadyConnected is returned by Connect when the identifier is live.
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrInvalidID is returned for empty-after-trim, overlong or whitespace identifiers.
	ErrInvalidID = errors.New("invalid client id")
	// ErrNotFound is returned when an operation names an unknown client.
	ErrNotFound = errors.New("client not found")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("registry closed")
)

// Priority orders outbound messages. High bypasses the rate limiter and blocked list.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Status describes what happened to one send.
type Status string

const (
	StatusSent    Status = "sent"
	StatusQueued  Status = "queued"
	StatusDropped Status = "dropped"
)

// Outcome is the result of SendToClient.
type Outcome struct {
	Sent   bool
	Status Status
	// Reason is set whenever the message was not sent immediately.
	Reason string
}

// Admission is the rate-limiting surface the registry consults.
type Admission interface {
	CheckMessage(id string) ratelimit.Decision
	Blocked(id string) (bool, time.Duration)
}

// Observer is notified of connection lifecycle changes. Calls happen
// synchronously after the change is applied, outside registry locks.
type Observer interface {
	ConnectionOpened(id string)
	ConnectionClosed(id, reason string)
}

// Config holds registry limits.
type Config struct {
	MaxConnections    int
	MaxQueuedMessages int
	// QueueTTL bounds how long a queue for an absent client is kept. Zero keeps it forever.
	QueueTTL      time.Duration
	SendTimeout   time.Duration
	FlushInterval time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    1000,
		MaxQueuedMessages: 100,
		QueueTTL:          10 * time.Minute,
		SendTimeout:       5 * time.Second,
		FlushInterval:     time.Second,
	}
}

// ConnectOptions configures a new connection.
type ConnectOptions struct {
	// ID is the client identifier; one is generated when empty.
	ID    string
	Group string
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg     Config
	limiter Admission
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	mu                sync.RWMutex
	conns             map[string]*Connection
	groups            map[string]map[string]struct{}
	queues            map[string]*messageQueue
	observers         []Observer
	disconnectReasons map[string]int
	closed            bool

	totalConnections atomic.Int64
	totalDisconnects atomic.Int64
	messagesSent     atomic.Int64
	messagesQueued   atomic.Int64
	messagesDropped  atomic.Int64
	sendErrors       atomic.Int64
	epochs           atomic.Uint64
}

// New creates a Registry. limiter may be nil to disable admission checks.
func New(cfg Config, limiter Admission, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Registry{
		cfg:               cfg,
		limiter:           limiter,
		logger:            logger.With("component", "registry"),
		now:               time.Now,
		started:           time.Now(),
		conns:             make(map[string]*Connection),
		groups:            make(map[string]map[string]struct{}),
		queues:            make(map[string]*messageQueue),
		disconnectReasons: make(map[string]int),
	}
}

// AddObserver registers o for lifecycle notifications.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func validateID(id string) error {
	if id == "" || len(id) > maxIDLength || strings.ContainsAny(id, " \t\r\n") {
		return ErrInvalidID
	}
	return nil
}

// Connect registers t as a live client, sends the welcome envelope, then flushes
// any messages queued for the identifier in order. No other message reaches the
// connection until the flush completes.
func (r *Registry) Connect(ctx context.Context, t Transport, opts ConnectOptions) (string, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = xid.New().String()
	}
	if err := validateID(id); err != nil {
		return "", err
	}
	group := strings.TrimSpace(opts.Group)
	if group == "" {
		group = DefaultGroup
	}

	conn := newConnection(id, group, t, r.now())
	conn.epoch = r.epochs.Add(1)

	// Held until the welcome and pending messages are written; concurrent
	// sends that find the new connection wait here.
	conn.sendMu.Lock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.sendMu.Unlock()
		return "", ErrClosed
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		conn.sendMu.Unlock()
		r.logger.Warn("connection rejected at capacity", "client_id", id, "max", r.cfg.MaxConnections)
		return "", ErrAtCapacity
	}
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		conn.sendMu.Unlock()
		return "", ErrAlreadyConnected
	}
	r.conns[id] = conn
	r.joinGroupLocked(id, group)
	var pending []queuedMessage
	if q, ok := r.queues[id]; ok {
		pending = q.drain()
		delete(r.queues, id)
	}
	r.mu.Unlock()

	r.totalConnections.Add(1)

	welcome, err := envelope.Welcome(id, group).Marshal()
	if err == nil {
		if err := conn.write(ctx, welcome, r.cfg.SendTimeout); err != nil {
			conn.recordError()
			r.sendErrors.Add(1)
			r.logger.Warn("welcome send failed", "client_id", id, "error", err)
		} else {
			conn.recordSent(r.now())
			r.messagesSent.Add(1)
		}
	}

	flushed := r.flushLocked(ctx, conn, pending, false)
	conn.sendMu.Unlock()

	r.logger.Info("client connected", "client_id", id, "group", group, "flushed", flushed)
	r.notifyOpened(id)
	return id, nil
}

// flushLocked writes msgs in order. On the first failure the unsent remainder
// goes back to the head of the queue. Callers hold conn.sendMu.
// When checkRate is set each message must also pass the limiter.
func (r *Registry) flushLocked(ctx context.Context, conn *Connection, msgs []queuedMessage, checkRate bool) int {
	for i, msg := range msgs {
		if checkRate && r.limiter != nil {
			if d := r.limiter.CheckMessage(conn.id); !d.Allowed {
				r.requeueFront(conn.id, msgs[i:])
				return i
			}
		}
		if err := conn.write(ctx, msg.data, r.cfg.SendTimeout); err != nil {
			conn.recordError()
			r.sendErrors.Add(1)
			r.logger.Warn("queued message send failed", "client_id", conn.id, "error", err)
			r.requeueFront(conn.id, msgs[i:])
			return i
		}
		conn.recordSent(r.now())
		r.messagesSent.Add(1)
	}
	return len(msgs)
}

func (r *Registry) requeueFront(id string, msgs []queuedMessage) {
	if r.cfg.MaxQueuedMessages <= 0 {
		r.messagesDropped.Add(int64(len(msgs)))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[id]
	if q == nil {
		q = newMessageQueue(r.cfg.MaxQueuedMessages)
		r.queues[id] = q
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if q.pushFront(msgs[i]) {
			r.messagesDropped.Add(1)
		}
	}
}

// Disconnect removes a client and closes its transport. Unknown ids are ignored.
func (r *Registry) Disconnect(id, reason string) {
	r.disconnect(id, reason, nil)
}

// DisconnectTransport disconnects id only if it is still bound to t. Read pumps
// use this so a stale pump cannot evict a newer connection with the same id.
func (r *Registry) DisconnectTransport(id string, t Transport, reason string) {
	r.disconnect(id, reason, func(c *Connection) bool { return c.transport == t })
}

// DisconnectEpoch disconnects id only if the live connection is the one
// Epochs reported as epoch.
func (r *Registry) DisconnectEpoch(id string, epoch uint64, reason string) {
	r.disconnect(id, reason, func(c *Connection) bool { return c.epoch == epoch })
}

func (r *Registry) disconnect(id, reason string, match func(*Connection) bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || (match != nil && !match(conn)) {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	r.leaveGroupLocked(id, conn.groupName())
	r.disconnectReasons[reason]++
	r.mu.Unlock()

	r.totalDisconnects.Add(1)
	r.notifyClosed(id, reason)

	if err := conn.transport.Close(CloseNormal, reason); err != nil {
		r.logger.Debug("transport close failed", "client_id", id, "error", err)
	}
	r.logger.Info("client disconnected", "client_id", id, "reason", reason)
}

func (r *Registry) joinGroupLocked(id, group string) {
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[id] = struct{}{}
}

func (r *Registry) leaveGroupLocked(id, group string) {
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// MoveToGroup switches a live client to another group.
func (r *Registry) MoveToGroup(id, group string) error {
	group = strings.TrimSpace(group)
	if group == "" {
		group = DefaultGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	old := conn.groupName()
	if old == group {
		return nil
	}
	r.leaveGroupLocked(id, old)
	r.joinGroupLocked(id, group)
	conn.setGroup(group)
	return nil
}

// SendToClient delivers msg to one client. It never returns transport errors;
// undeliverable messages are queued and reported through the Outcome.
func (r *Registry) SendToClient(ctx context.Context, id string, msg []byte, p Priority) Outcome {
	r.mu.RLock()
	conn := r.conns[id]
	r.mu.RUnlock()

	if conn == nil {
		if p != PriorityHigh {
			if out, blocked := r.checkBlocked(id); blocked {
				return out
			}
		}
		// Re-check under the write lock so a concurrent Connect either sees
		// this queue entry or we see its connection.
		r.mu.Lock()
		conn = r.conns[id]
		if conn == nil {
			out := r.enqueueLocked(id, msg, "client not connected")
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
	}
	return r.sendToConn(ctx, conn, msg, p)
}

// SendIfConnected is SendToClient without queueing for absent clients.
// Liveness probes use it so nothing stale waits for a reconnect.
func (r *Registry) SendIfConnected(ctx context.Context, id string, msg []byte, p Priority) Outcome {
	conn := r.lookup(id)
	if conn == nil {
		return Outcome{Status: StatusDropped, Reason: "client not connected"}
	}
	return r.sendToConn(ctx, conn, msg, p)
}

func (r *Registry) checkBlocked(id string) (Outcome, bool) {
	if r.limiter == nil {
		return Outcome{}, false
	}
	if blocked, remaining := r.limiter.Blocked(id); blocked {
		r.messagesDropped.Add(1)
		r.logger.Debug("dropping message for blocked client", "client_id", id, "remaining", remaining)
		return Outcome{Status: StatusDropped, Reason: "client blocked"}, true
	}
	return Outcome{}, false
}

func (r *Registry) sendToConn(ctx context.Context, conn *Connection, msg []byte, p Priority) Outcome {
	if p != PriorityHigh {
		if out, blocked := r.checkBlocked(conn.id); blocked {
			return out
		}
	}

	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()

	if p != PriorityHigh {
		if r.queuedFor(conn.id) > 0 {
			return r.enqueue(conn.id, msg, "earlier messages pending")
		}
		if r.limiter != nil {
			if d := r.limiter.CheckMessage(conn.id); !d.Allowed {
				return r.enqueue(conn.id, msg, d.Reason)
			}
		}
	}

	if err := conn.write(ctx, msg, r.cfg.SendTimeout); err != nil {
		conn.recordError()
		r.sendErrors.Add(1)
		r.logger.Warn("send failed, queueing", "client_id", conn.id, "error", err)
		return r.enqueue(conn.id, msg, "send failed: "+err.Error())
	}
	conn.recordSent(r.now())
	r.messagesSent.Add(1)
	return Outcome{Sent: true, Status: StatusSent}
}

func (r *Registry) queuedFor(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.queues[id]; ok {
		return q.len()
	}
	return 0
}

func (r *Registry) enqueue(id string, msg []byte, reason string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(id, msg, reason)
}

func (r *Registry) enqueueLocked(id string, msg []byte, reason string) Outcome {
	if r.cfg.MaxQueuedMessages <= 0 {
		r.messagesDropped.Add(1)
		return Outcome{Status: StatusDropped, Reason: reason}
	}
	q := r.queues[id]
	if q == nil {
		q = newMessageQueue(r.cfg.MaxQueuedMessages)
		r.queues[id] = q
	}
	if q.push(queuedMessage{data: msg, queuedAt: r.now()}) {
		r.messagesDropped.Add(1)
		r.logger.Debug("queue full, dropped oldest message", "client_id", id)
	}
	r.messagesQueued.Add(1)
	return Outcome{Status: StatusQueued, Reason: reason}
}

// BroadcastToAll sends msg to every live client and returns how many were sent immediately.
func (r *Registry) BroadcastToAll(ctx context.Context, msg []byte, p Priority) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	return r.fanOut(ctx, targets, msg, p)
}

// BroadcastToGroup sends msg to every member of group except exclude.
func (r *Registry) BroadcastToGroup(ctx context.Context, group string, msg []byte, exclude string, p Priority) int {
	r.mu.RLock()
	members := r.groups[group]
	targets := make([]*Connection, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		if conn, ok := r.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	return r.fanOut(ctx, targets, msg, p)
}

func (r *Registry) fanOut(ctx context.Context, targets []*Connection, msg []byte, p Priority) int {
	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, conn := range targets {
		g.Go(func() error {
			if r.sendToConn(ctx, conn, msg, p).Sent {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load())
}

// RecordActivity notes an inbound message from id.
func (r *Registry) RecordActivity(id string) {
	if conn := r.lookup(id); conn != nil {
		conn.recordReceived(r.now())
	}
}

// RecordHeartbeat notes a heartbeat reply from id with its round-trip time.
func (r *Registry) RecordHeartbeat(id string, rtt time.Duration) {
	if conn := r.lookup(id); conn != nil {
		conn.recordHeartbeat(r.now(), rtt)
	}
}

func (r *Registry) lookup(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// IDs returns a snapshot of live client identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Epochs returns the live client identifiers with the epoch of each connection.
// A reconnect under the same id reports a new epoch.
func (r *Registry) Epochs() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.conns))
	for id, conn := range r.conns {
		out[id] = conn.epoch
	}
	return out
}

// Count returns the number of live clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsConnected reports whether id is live.
func (r *Registry) IsConnected(id string) bool {
	return r.lookup(id) != nil
}

// ClientHealth returns a health snapshot for id.
func (r *Registry) ClientHealth(id string) (ClientHealth, bool) {
	conn := r.lookup(id)
	if conn == nil {
		return ClientHealth{}, false
	}
	h := conn.snapshot()
	h.QueuedMessages = r.queuedFor(id)
	return h, true
}

// Run drains queues of live clients as their rate window reopens and purges
// queues of clients absent longer than QueueTTL. It returns when ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushLive(ctx)
			r.purgeStale()
		}
	}
}

func (r *Registry) flushLive(ctx context.Context) {
	r.mu.RLock()
	var ready []*Connection
	for id, q := range r.queues {
		if conn, ok := r.conns[id]; ok && q.len() > 0 {
			ready = append(ready, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range ready {
		conn.sendMu.Lock()
		r.mu.Lock()
		var pending []queuedMessage
		if q, ok := r.queues[conn.id]; ok {
			pending = q.drain()
			delete(r.queues, conn.id)
		}
		r.mu.Unlock()
		r.flushLocked(ctx, conn, pending, true)
		conn.sendMu.Unlock()
	}
}

func (r *Registry) purgeStale() {
	if r.cfg.QueueTTL <= 0 {
		return
	}
	cutoff := r.now().Add(-r.cfg.QueueTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, q := range r.queues {
		if _, live := r.conns[id]; live {
			continue
		}
		if q.newest().Before(cutoff) {
			r.messagesDropped.Add(int64(q.len()))
			delete(r.queues, id)
			r.logger.Debug("purged stale queue", "client_id", id, "messages", q.len())
		}
	}
}

// Close disconnects every client. Later Connect calls return ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, id := range r.IDs() {
		r.Disconnect(id, reasonShutdown)
	}
}

func (r *Registry) notifyOpened(id string) {
	for _, o := range r.observerSnapshot() {
		o.ConnectionOpened(id)
	}
}

func (r *Registry) notifyClosed(id, reason string) {
	for _, o := range r.observerSnapshot() {
		o.ConnectionClosed(id, reason)
	}
}

func (r *Registry) observerSnapshot() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Observer, len(r.observers))
	copy(out, r.observers)
	return out
}
