// ABOUTME: Aggregate registry statistics for the stats endpoint and CLI.

package registry

import "time"

// Stats is a point-in-time view of the registry.
type Stats struct {
	ActiveConnections int            `json:"active_connections"`
	MaxConnections    int            `json:"max_connections"`
	Groups            map[string]int `json:"groups"`
	QueuedClients     int            `json:"queued_clients"`
	QueuedMessages    int            `json:"queued_messages"`
	TotalConnections  int64          `json:"total_connections"`
	TotalDisconnects  int64          `json:"total_disconnects"`
	DisconnectReasons map[string]int `json:"disconnect_reasons"`
	MessagesSent      int64          `json:"messages_sent"`
	MessagesQueued    int64          `json:"messages_queued"`
	MessagesDropped   int64          `json:"messages_dropped"`
	SendErrors        int64          `json:"send_errors"`
	Uptime            time.Duration  `json:"uptime_ns"`
}

// Stats returns current counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		ActiveConnections: len(r.conns),
		MaxConnections:    r.cfg.MaxConnections,
		Groups:            make(map[string]int, len(r.groups)),
		QueuedClients:     len(r.queues),
		DisconnectReasons: make(map[string]int, len(r.disconnectReasons)),
		TotalConnections:  r.totalConnections.Load(),
		TotalDisconnects:  r.totalDisconnects.Load(),
		MessagesSent:      r.messagesSent.Load(),
		MessagesQueued:    r.messagesQueued.Load(),
		MessagesDropped:   r.messagesDropped.Load(),
		SendErrors:        r.sendErrors.Load(),
		Uptime:            r.now().Sub(r.started),
	}
	for name, members := range r.groups {
		s.Groups[name] = len(members)
	}
	for _, q := range r.queues {
		s.QueuedMessages += q.len()
	}
	for reason, n := range r.disconnectReasons {
		s.DisconnectReasons[reason] = n
	}
	return s
}
