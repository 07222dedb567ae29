// Package sink persists experiment artifacts: the JSONL event stream, the
// CSV metrics series, and atomically written JSON documents. Producers hand
// records to a bounded queue with a single consumer goroutine, so device
// workers never contend on file descriptors.
package sink

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity bounds the event queue. Producers block when the
// buffer is full; records are never dropped.
const DefaultQueueCapacity = 10000

// Queue fans device events into one consumer that writes them to the event
// sink in arrival order.
type Queue struct {
	mu      sync.RWMutex
	closed  bool
	records chan Event
	drained chan struct{}
	writer  *EventWriter

	enqueued    atomic.Int64
	written     atomic.Int64
	writeErrors atomic.Int64
}

// NewQueue starts the consumer goroutine. capacity <= 0 uses the default.
func NewQueue(w *EventWriter, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{
		records: make(chan Event, capacity),
		drained: make(chan struct{}),
		writer:  w,
	}
	go q.consume()
	return q
}

// Put enqueues an event, blocking while the buffer is full. It reports false
// once the queue has been closed.
func (q *Queue) Put(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.records <- ev
	q.enqueued.Add(1)
	return true
}

// Close stops intake, waits for the consumer to drain every queued record,
// and returns. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.drained
		return
	}
	q.closed = true
	close(q.records)
	q.mu.Unlock()
	<-q.drained
}

func (q *Queue) consume() {
	for ev := range q.records {
		if err := q.writer.WriteEvent(ev); err != nil {
			q.writeErrors.Add(1)
			continue
		}
		q.written.Add(1)
	}
	close(q.drained)
}

// QueueStats is a point-in-time accounting of queue traffic.
type QueueStats struct {
	Depth       int
	Enqueued    int64
	Written     int64
	WriteErrors int64
}

// Stats returns current queue statistics.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:       len(q.records),
		Enqueued:    q.enqueued.Load(),
		Written:     q.written.Load(),
		WriteErrors: q.writeErrors.Load(),
	}
}
