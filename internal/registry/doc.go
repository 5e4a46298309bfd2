// Package registry owns the set of live client connections.
//
// Each connection belongs to exactly one group. Messages for clients that are
// absent, rate limited or failing are held in a bounded per-identifier queue
// and delivered in order when the client connects again or its window reopens.
//
// PriorityHigh is for heartbeats and control envelopes. Those bypass the
// cooldown list, the rate check and the pending queue, so they can overtake
// normal messages still queued for the same client. Lower priorities keep
// submission order among themselves.
//
// Lifecycle changes are reported to registered Observers, which is how the
// heartbeat monitor learns to stop probing a disconnected client.
package registry
