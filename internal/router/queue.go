package router

import (
	"slices"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Message priorities. Lower numbers are delivered first.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityNormal   = 2
)

// Message is one routed payload waiting in, or passing through, a connection queue.
type Message struct {
	ID         string
	SessionID  string
	Priority   int
	Payload    []byte
	EnqueuedAt time.Time
}

// messageQueue is a bounded queue ordered by priority, then arrival.
type messageQueue struct {
	items    []Message
	capacity int
}

func newMessageQueue(capacity int) *messageQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &messageQueue{capacity: capacity}
}

// push inserts m behind every queued message of equal or higher urgency. When the queue is
// full, the oldest message of the least urgent priority is evicted, but only if that priority
// is not more urgent than m; otherwise m is rejected with ErrQueueFull.
func (q *messageQueue) push(m Message) (evicted *Message, err error) {
	if len(q.items) >= q.capacity {
		lowest := q.items[len(q.items)-1].Priority
		if lowest < m.Priority {
			return nil, models.ErrQueueFull
		}
		idx := len(q.items) - 1
		for idx > 0 && q.items[idx-1].Priority == lowest {
			idx--
		}
		ev := q.items[idx]
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		evicted = &ev
	}

	pos := len(q.items)
	for pos > 0 && q.items[pos-1].Priority > m.Priority {
		pos--
	}
	q.items = append(q.items, Message{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = m
	return evicted, nil
}

// restore merges msgs, already in delivery order, back ahead of queued messages of the same
// priority. Whatever no longer fits is cut from the least urgent end and returned.
func (q *messageQueue) restore(msgs []Message) []Message {
	merged := make([]Message, 0, len(msgs)+len(q.items))
	i, j := 0, 0
	for i < len(msgs) && j < len(q.items) {
		if msgs[i].Priority <= q.items[j].Priority {
			merged = append(merged, msgs[i])
			i++
		} else {
			merged = append(merged, q.items[j])
			j++
		}
	}
	merged = append(merged, msgs[i:]...)
	merged = append(merged, q.items[j:]...)
	if len(merged) <= q.capacity {
		q.items = merged
		return nil
	}
	q.items = slices.Clip(merged[:q.capacity])
	return merged[q.capacity:]
}

// drain removes and returns every queued message in delivery order.
func (q *messageQueue) drain() []Message {
	out := q.items
	q.items = nil
	return out
}

func (q *messageQueue) size() int { return len(q.items) }
