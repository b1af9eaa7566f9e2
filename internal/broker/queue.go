package broker

import (
	"sync"
)

// MessageQueue holds per-target FIFO queues of rewritten job payloads
// waiting for a worker, plus the bounded set of upstream message IDs
// already seen. FIFO order is guaranteed per target only.
type MessageQueue struct {
	mu        sync.Mutex
	queues    map[string][][]byte
	seen      map[string]struct{}
	seenOrder []string
	seenCap   int
	seenPrune int
}

// NewMessageQueue creates a message queue with the given dedup bounds
func NewMessageQueue(seenCap, seenPrune int) *MessageQueue {
	if seenCap <= 0 {
		seenCap = 10000
	}
	if seenPrune <= 0 {
		seenPrune = 1000
	}
	return &MessageQueue{
		queues:    make(map[string][][]byte),
		seen:      make(map[string]struct{}),
		seenCap:   seenCap,
		seenPrune: seenPrune,
	}
}

// Enqueue appends a payload to the target's queue
func (q *MessageQueue) Enqueue(targetID string, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[targetID] = append(q.queues[targetID], payload)
}

// Dequeue removes and returns the oldest payload for the target
func (q *MessageQueue) Dequeue(targetID string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[targetID]
	if len(queue) == 0 {
		return nil, false
	}

	payload := queue[0]
	q.queues[targetID] = queue[1:]
	return payload, true
}

// Peek returns the oldest payload for the target without removing it
func (q *MessageQueue) Peek(targetID string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[targetID]
	if len(queue) == 0 {
		return nil, false
	}
	return queue[0], true
}

// HasMessages reports whether the target has queued payloads
func (q *MessageQueue) HasMessages(targetID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[targetID]) > 0
}

// HasAnyMessages reports whether any target has queued payloads
func (q *MessageQueue) HasAnyMessages() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queue := range q.queues {
		if len(queue) > 0 {
			return true
		}
	}
	return false
}

// PeekAny returns the oldest payload of the first non-empty queue
func (q *MessageQueue) PeekAny() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queue := range q.queues {
		if len(queue) > 0 {
			return queue[0], true
		}
	}
	return nil, false
}

// Clear drops all queued payloads for the target
func (q *MessageQueue) Clear(targetID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, targetID)
}

// SeenMessage reports whether the upstream message ID was already processed
func (q *MessageQueue) SeenMessage(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.seen[messageID]
	return ok
}

// MarkSeen records a processed message ID, pruning the oldest entries in a
// batch once the set exceeds its cap
func (q *MessageQueue) MarkSeen(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.seen[messageID]; ok {
		return
	}

	q.seen[messageID] = struct{}{}
	q.seenOrder = append(q.seenOrder, messageID)

	if len(q.seen) > q.seenCap {
		prune := q.seenPrune
		if prune > len(q.seenOrder) {
			prune = len(q.seenOrder)
		}
		for _, id := range q.seenOrder[:prune] {
			delete(q.seen, id)
		}
		q.seenOrder = q.seenOrder[prune:]
	}
}

// SeenCount returns the current size of the seen-ID set
func (q *MessageQueue) SeenCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}
