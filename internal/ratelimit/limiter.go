// ABOUTME: Sliding-window admission control for outbound messages and uploads.
// ABOUTME: Upload rejections put the identifier on a cooldown independent of the window.

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config holds limiter ceilings. A zero or negative ceiling disables that check.
type Config struct {
	Window      time.Duration
	MaxMessages int

	UploadsPerMinute int
	UploadsPerHour   int
	MaxFileSize      int64
	MaxHourlyBytes   int64
	UploadCooldown   time.Duration

	SweepInterval time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		MaxMessages:      120,
		UploadsPerMinute: 10,
		UploadsPerHour:   100,
		MaxFileSize:      10 << 20,
		MaxHourlyBytes:   100 << 20,
		UploadCooldown:   5 * time.Minute,
		SweepInterval:    time.Minute,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Reason explains a denial; empty when allowed.
	Reason string
	// RetryAfter is how long until the same request could be admitted.
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Allowed: true} }

func deny(retryAfter time.Duration, format string, args ...any) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Reason: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// Stats is a snapshot of limiter memory use.
type Stats struct {
	MessageIdentifiers int `json:"message_identifiers"`
	UploadIdentifiers  int `json:"upload_identifiers"`
	Blocked            int `json:"blocked"`
}

// Limiter tracks per-identifier windows. It is safe for concurrent use.
// Run sweeps expired state until its context ends or Close is called.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	messages map[string]window
	uploads  map[string]window
	blocked  map[string]time.Time // identifier -> cooldown end
	now      func() time.Time
	done     chan struct{}
	closed   bool
}

// New creates a Limiter. Call Run to start sweeping.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Limiter{
		cfg:      cfg,
		messages: make(map[string]window),
		uploads:  make(map[string]window),
		blocked:  make(map[string]time.Time),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// CheckMessage admits one outbound message for id if the window has room.
func (l *Limiter) CheckMessage(id string) Decision {
	if l.cfg.MaxMessages <= 0 {
		return allow()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.messages[id].prune(now.Add(-l.cfg.Window))

	if len(w) >= l.cfg.MaxMessages {
		l.messages[id] = w
		return deny(w.oldest().Add(l.cfg.Window).Sub(now),
			"rate limit exceeded: %d messages per %s", l.cfg.MaxMessages, l.cfg.Window)
	}

	l.messages[id] = append(w, entry{at: now})
	return allow()
}

// CheckUpload admits an upload of size bytes for id. Count and volume denials
// start the cooldown; an oversized item does not, since waiting cannot fix it.
func (l *Limiter) CheckUpload(id string, size int64) Decision {
	if size < 0 {
		return deny(0, "invalid upload size %d", size)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if until, ok := l.blocked[id]; ok {
		if now.Before(until) {
			return deny(until.Sub(now), "upload cooldown active")
		}
		delete(l.blocked, id)
	}

	if l.cfg.MaxFileSize > 0 && size > l.cfg.MaxFileSize {
		return deny(0, "file too large: %d bytes exceeds %d", size, l.cfg.MaxFileSize)
	}

	w := l.uploads[id].prune(now.Add(-time.Hour))
	l.uploads[id] = w

	if l.cfg.UploadsPerMinute > 0 && w.countSince(now.Add(-time.Minute)) >= l.cfg.UploadsPerMinute {
		return l.blockLocked(id, now, "upload limit exceeded: %d per minute", l.cfg.UploadsPerMinute)
	}
	if l.cfg.UploadsPerHour > 0 && len(w) >= l.cfg.UploadsPerHour {
		return l.blockLocked(id, now, "upload limit exceeded: %d per hour", l.cfg.UploadsPerHour)
	}
	if l.cfg.MaxHourlyBytes > 0 && w.totalSize()+size > l.cfg.MaxHourlyBytes {
		return l.blockLocked(id, now, "upload volume exceeded: %d bytes per hour", l.cfg.MaxHourlyBytes)
	}

	l.uploads[id] = append(w, entry{at: now, size: size})
	return allow()
}

// blockLocked starts a cooldown for id and returns the matching denial. Must be called with mu held.
func (l *Limiter) blockLocked(id string, now time.Time, format string, args ...any) Decision {
	if l.cfg.UploadCooldown <= 0 {
		return deny(0, format, args...)
	}
	l.blocked[id] = now.Add(l.cfg.UploadCooldown)
	return deny(l.cfg.UploadCooldown, format, args...)
}

// Block puts id on the cooldown list for d, extending any shorter cooldown.
func (l *Limiter) Block(id string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(d)
	if cur, ok := l.blocked[id]; !ok || until.After(cur) {
		l.blocked[id] = until
	}
}

// Blocked reports whether id is cooling down and for how much longer.
func (l *Limiter) Blocked(id string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.blocked[id]
	if !ok {
		return false, 0
	}
	remaining := until.Sub(l.now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// Reset forgets every window and cooldown for id.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messages, id)
	delete(l.uploads, id)
	delete(l.blocked, id)
}

// Stats returns a snapshot of tracked identifiers.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		MessageIdentifiers: len(l.messages),
		UploadIdentifiers:  len(l.uploads),
		Blocked:            len(l.blocked),
	}
}

// Run sweeps expired state every SweepInterval until ctx is done or Close is called.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

// sweep purges expired window entries, empty windows and expired cooldowns.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	msgCutoff := now.Add(-l.cfg.Window)
	for id, w := range l.messages {
		if w = w.prune(msgCutoff); len(w) == 0 {
			delete(l.messages, id)
		} else {
			l.messages[id] = w
		}
	}

	uploadCutoff := now.Add(-time.Hour)
	for id, w := range l.uploads {
		if w = w.prune(uploadCutoff); len(w) == 0 {
			delete(l.uploads, id)
		} else {
			l.uploads[id] = w
		}
	}

	for id, until := range l.blocked {
		if !now.Before(until) {
			delete(l.blocked, id)
		}
	}
}

// Close stops Run. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
