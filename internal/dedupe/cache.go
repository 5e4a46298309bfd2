// ABOUTME: Bounded TTL window of claimed keys for dropping replayed requests.
// ABOUTME: The gateway claims Idempotency-Key headers here before publishing task events or answers.

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// record is one claimed key. Records in Window.order are oldest first.
type record struct {
	key string
	at  time.Time
}

// Window remembers keys for ttl, holding at most max of them. When full the
// oldest claim is forgotten first. It is safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	index map[string]*list.Element
	order *list.List
	now   func() time.Time
}

// New creates a Window. Call Run to expire claims in the background; without
// it expired claims are still ignored but only released on reuse or eviction.
func New(ttl time.Duration, max int) *Window {
	if max <= 0 {
		max = 1
	}
	return &Window{
		ttl:   ttl,
		max:   max,
		index: make(map[string]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
}

// Claim marks key as handled. It reports false when key was already claimed
// within the ttl, meaning the caller is looking at a replay.
func (w *Window) Claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[key]; ok {
		rec := el.Value.(*record)
		if now.Sub(rec.at) < w.ttl {
			return false
		}
		// Expired: reclaim at the back so order stays sorted by time.
		rec.at = now
		w.order.MoveToBack(el)
		return true
	}

	for w.order.Len() >= w.max {
		w.removeLocked(w.order.Front())
	}
	w.index[key] = w.order.PushBack(&record{key: key, at: now})
	return true
}

// Release forgets key so a retry of a failed request is not treated as a replay.
func (w *Window) Release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.index[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of remembered keys, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *Window) removeLocked(el *list.Element) {
	rec := w.order.Remove(el).(*record)
	delete(w.index, rec.key)
}

// sweep drops expired claims from the front of the list.
func (w *Window) sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.ttl)
	removed := 0
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if el.Value.(*record).at.After(cutoff) {
			break
		}
		w.removeLocked(el)
		removed++
	}
	return removed
}

// Run sweeps expired claims once per ttl until ctx is done.
func (w *Window) Run(ctx context.Context) {
	interval := w.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-ctx.Done():
			return
		}
	}
}
