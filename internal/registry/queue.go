// ABOUTME: Bounded per-identifier outbound queues for clients that could not be reached.
// ABOUTME: Oldest entries are evicted first; delivery preserves submission order.

package registry

import (
	"container/list"
	"time"
)

type queuedMessage struct {
	data     []byte
	queuedAt time.Time
}

// messageQueue is a FIFO with a fixed bound. Not safe for concurrent use;
// the Registry guards queues with its own mutex.
type messageQueue struct {
	items *list.List
	max   int
}

func newMessageQueue(max int) *messageQueue {
	return &messageQueue{items: list.New(), max: max}
}

// push appends msg and reports whether an older entry was evicted to make room.
func (q *messageQueue) push(msg queuedMessage) (evicted bool) {
	if q.items.Len() >= q.max {
		q.items.Remove(q.items.Front())
		evicted = true
	}
	q.items.PushBack(msg)
	return evicted
}

// pushFront returns msg to the head of the queue, used when a flush fails midway.
// If the queue is full the newest entry is evicted instead, keeping older messages first.
func (q *messageQueue) pushFront(msg queuedMessage) (evicted bool) {
	if q.items.Len() >= q.max {
		q.items.Remove(q.items.Back())
		evicted = true
	}
	q.items.PushFront(msg)
	return evicted
}

// drain removes and returns every message, oldest first.
func (q *messageQueue) drain() []queuedMessage {
	out := make([]queuedMessage, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		msg, _ := e.Value.(queuedMessage)
		out = append(out, msg)
	}
	q.items.Init()
	return out
}

func (q *messageQueue) len() int { return q.items.Len() }

// newest returns the enqueue time of the most recent entry.
func (q *messageQueue) newest() time.Time {
	back := q.items.Back()
	if back == nil {
		return time.Time{}
	}
	msg, _ := back.Value.(queuedMessage)
	return msg.queuedAt
}
