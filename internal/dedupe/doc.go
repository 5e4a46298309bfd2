// Package dedupe remembers recently claimed keys so replayed requests can be
// recognized and dropped within a bounded time window.
package dedupe
