// ABOUTME: Sliding time window primitive shared by message and upload admission.
// ABOUTME: Entries are kept in admission order so pruning is a prefix cut.

package ratelimit

import (
	"sort"
	"time"
)

// entry is one admitted action. size is zero for messages.
type entry struct {
	at   time.Time
	size int64
}

// window holds admitted entries, oldest first.
type window []entry

// prune drops every entry at or before cutoff.
func (w window) prune(cutoff time.Time) window {
	i := sort.Search(len(w), func(i int) bool { return w[i].at.After(cutoff) })
	if i == 0 {
		return w
	}
	if i == len(w) {
		return w[:0]
	}
	// Copy so the backing array does not pin pruned entries forever.
	out := make(window, len(w)-i)
	copy(out, w[i:])
	return out
}

// countSince returns how many entries are newer than cutoff.
func (w window) countSince(cutoff time.Time) int {
	i := sort.Search(len(w), func(i int) bool { return w[i].at.After(cutoff) })
	return len(w) - i
}

// totalSize sums entry sizes.
func (w window) totalSize() int64 {
	var n int64
	for _, e := range w {
		n += e.size
	}
	return n
}

// oldest returns the first entry time, or the zero time for an empty window.
func (w window) oldest() time.Time {
	if len(w) == 0 {
		return time.Time{}
	}
	return w[0].at
}
