package streamgw

import (
	"sync"
	"time"
)

// pendingBinding queues a registered call until the first RTP packet of a
// new SSRC on the matching direction consumes it.
type pendingBinding struct {
	uuid       string
	enqueuedAt time.Time
}

// pendingQueue is a per-direction FIFO with a TTL. Entries older than the
// TTL are invisible: pop discards them before returning the head.
type pendingQueue struct {
	mu    sync.Mutex
	ttl   time.Duration
	items []pendingBinding
}

func newPendingQueue(ttl time.Duration) *pendingQueue {
	return &pendingQueue{ttl: ttl}
}

func (q *pendingQueue) push(uuid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, pendingBinding{uuid: uuid, enqueuedAt: time.Now()})
}

// pop discards expired entries and returns the oldest live one.
func (q *pendingQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]
		if now.Sub(head.enqueuedAt) <= q.ttl {
			return head.uuid, true
		}
	}
	return "", false
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
