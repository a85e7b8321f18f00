package client

import "sync"

// messageQueue is a bounded FIFO buffer for outbound messages. When full,
// Push evicts the oldest entry, so delivery is best-effort.
type messageQueue struct {
	mu       sync.Mutex
	entries  [][]byte
	capacity int
}

func newMessageQueue(capacity int) *messageQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &messageQueue{capacity: capacity}
}

// Push appends a message, dropping the oldest entry if the queue is at
// capacity. It reports whether an eviction occurred.
func (q *messageQueue) Push(message []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		evicted = true
	}
	q.entries = append(q.entries, message)
	return evicted
}

// Drain removes and returns all queued messages in FIFO order.
func (q *messageQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.entries
	q.entries = nil
	return drained
}

// Len returns the number of queued messages.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
