package hub

import "sync"

// queued is one outbound frame. droppable marks market-data messages
// that may be shed under backpressure; control traffic (errors, status,
// pongs, acks) is never shed.
type queued struct {
	data      []byte
	droppable bool
}

// outQueue is the bounded per-connection outbound buffer.
//
// Backpressure policy: when the queue is at capacity and a new frame
// arrives, the OLDEST droppable frame is evicted - a newer price beats an
// older one, so shedding from the head keeps the freshest data flowing to
// a slow client. If nothing droppable remains (queue full of control
// frames, which in practice means a handful of messages), the queue grows
// past its limit rather than lose a control frame.
//
// A plain buffered channel cannot express drop-oldest, hence the
// mutex-guarded ring. Capacity is small (hundreds) so the eviction scan
// is cheap.
type outQueue struct {
	mu      sync.Mutex
	items   []queued
	head    int
	limit   int
	dropped int64
}

func newOutQueue(limit int) *outQueue {
	if limit < 1 {
		limit = 256
	}
	return &outQueue{limit: limit}
}

// push appends a frame, evicting the oldest droppable frame first when at
// capacity. Returns true if an eviction happened.
func (q *outQueue) push(data []byte, droppable bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if q.len() >= q.limit {
		evicted = q.evictOldestDroppable()
	}
	q.items = append(q.items, queued{data: data, droppable: droppable})
	return evicted
}

// evictOldestDroppable removes the first droppable frame starting from
// the head. Caller holds q.mu.
func (q *outQueue) evictOldestDroppable() bool {
	for i := q.head; i < len(q.items); i++ {
		if q.items[i].droppable {
			copy(q.items[i:], q.items[i+1:])
			q.items = q.items[:len(q.items)-1]
			q.dropped++
			return true
		}
	}
	return false
}

// pop removes and returns the frame at the head.
func (q *outQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return nil, false
	}
	item := q.items[q.head]
	q.items[q.head] = queued{} // release the buffer
	q.head++

	// Compact once the consumed prefix dominates, amortized O(1).
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item.data, true
}

// len returns the live item count. Caller holds q.mu.
func (q *outQueue) len() int {
	return len(q.items) - q.head
}

// Len returns the live item count.
func (q *outQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len()
}

// Dropped returns the total frames evicted under backpressure.
func (q *outQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
