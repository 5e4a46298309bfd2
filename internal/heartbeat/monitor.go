// ABOUTME: Monitor probes every registered client on an interval and evicts silent ones.
// ABOUTME: The timeout is rolling: measured from the last reply, or first sighting if none.

package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/registry"
)

// ReasonTimeout is the disconnect reason recorded for evicted clients.
const ReasonTimeout = "heartbeat timeout"

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("heartbeat monitor already running")

// Registry is the connection-registry surface the monitor drives.
type Registry interface {
	Epochs() map[string]uint64
	SendIfConnected(ctx context.Context, id string, msg []byte, p registry.Priority) registry.Outcome
	DisconnectEpoch(id string, epoch uint64, reason string)
	RecordHeartbeat(id string, rtt time.Duration)
}

// Config holds probe timing.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns a 30s interval with a 90s timeout.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Timeout: 90 * time.Second}
}

// peer is the per-client state: unseen until tracked, awaiting a reply
// while lastReply is zero, healthy once a reply arrives. epoch is zero until
// the first probe round binds the peer to a registry connection.
type peer struct {
	epoch     uint64
	firstSeen time.Time
	lastReply time.Time
	lastProbe time.Time
}

func (p *peer) reference() time.Time {
	if p.lastReply.IsZero() {
		return p.firstSeen
	}
	return p.lastReply
}

// Monitor implements registry.Observer so explicit disconnects stop tracking.
type Monitor struct {
	cfg    Config
	reg    Registry
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tracked map[string]*peer
	seq     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Monitor. Call Start to begin probing.
func New(cfg Config, reg Registry, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * cfg.Interval
	}
	return &Monitor{
		cfg:     cfg,
		reg:     reg,
		logger:  logger.With("component", "heartbeat"),
		now:     time.Now,
		tracked: make(map[string]*peer),
	}
}

// Start launches the probe loop. It fails if the loop is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)

	m.logger.Info("heartbeat monitor started", "interval", m.cfg.Interval, "timeout", m.cfg.Timeout)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("heartbeat monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		// Exiting on a parent cancel leaves the monitor startable again.
		m.mu.Lock()
		if m.done == done {
			m.cancel()
			m.cancel, m.done = nil, nil
		}
		m.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

type eviction struct {
	id    string
	epoch uint64
}

// tick runs one probe round: evict expired peers, then probe the rest.
func (m *Monitor) tick(ctx context.Context) {
	now := m.now()
	live := m.reg.Epochs()

	var expired []eviction
	probes := make(map[string]uint64, len(live))

	m.mu.Lock()
	for id := range m.tracked {
		if _, ok := live[id]; !ok {
			delete(m.tracked, id)
		}
	}
	for id, epoch := range live {
		p, ok := m.tracked[id]
		switch {
		case !ok:
			p = &peer{epoch: epoch, firstSeen: now}
			m.tracked[id] = p
		case p.epoch == 0:
			p.epoch = epoch
		case p.epoch != epoch:
			// Reconnected since the last round.
			p = &peer{epoch: epoch, firstSeen: now}
			m.tracked[id] = p
		}
		if now.Sub(p.reference()) > m.cfg.Timeout {
			expired = append(expired, eviction{id: id, epoch: epoch})
			delete(m.tracked, id)
			continue
		}
		m.seq++
		p.lastProbe = now
		probes[id] = m.seq
	}
	m.mu.Unlock()

	for _, ev := range expired {
		m.logger.Warn("evicting unresponsive client", "client_id", ev.id, "timeout", m.cfg.Timeout)
		m.reg.DisconnectEpoch(ev.id, ev.epoch, ReasonTimeout)
	}

	for id, seq := range probes {
		msg, err := envelope.Heartbeat(seq, now).Marshal()
		if err != nil {
			m.logger.Error("encoding heartbeat", "error", err)
			return
		}
		out := m.reg.SendIfConnected(ctx, id, msg, registry.PriorityHigh)
		if !out.Sent {
			m.logger.Debug("heartbeat not delivered", "client_id", id, "status", out.Status, "reason", out.Reason)
		}
	}
}

// HandleReply records a heartbeat reply. Replies from untracked clients are
// ignored and reported as false.
func (m *Monitor) HandleReply(id string) bool {
	now := m.now()

	m.mu.Lock()
	p, ok := m.tracked[id]
	var rtt time.Duration
	if ok {
		if !p.lastProbe.IsZero() {
			rtt = now.Sub(p.lastProbe)
		}
		p.lastReply = now
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("ignoring heartbeat reply from untracked client", "client_id", id)
		return false
	}
	m.reg.RecordHeartbeat(id, rtt)
	return true
}

// Tracked returns the identifiers currently under watch.
func (m *Monitor) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionOpened starts tracking id.
func (m *Monitor) ConnectionOpened(id string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[id]; !ok {
		m.tracked[id] = &peer{firstSeen: now}
	}
}

// ConnectionClosed stops tracking id.
func (m *Monitor) ConnectionClosed(id, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, id)
}

var _ registry.Observer = (*Monitor)(nil)
