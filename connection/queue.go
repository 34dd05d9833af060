package connection

import (
	"context"
	"sync"

	"github.com/SMG3zx/spacetimedb-sdk-go/events"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
)

type inboundKind int

const (
	inboundOpened inboundKind = iota + 1
	inboundMessage
	inboundScheduled
	inboundClosed
)

// inbound is one unit of work for the consumer.
type inbound struct {
	kind    inboundKind
	message protocol.ServerMessage
	raw     []byte
	err     error

	scheduleID events.ID
	fn         func()
}

// DefaultInboundQueueLimit is the number of decoded frames that may wait for
// the consumer before the transport stops reading.
const DefaultInboundQueueLimit = 1024

// inboundQueue is a FIFO fed by the transport goroutine and by schedule
// timers, drained by a single consumer.
//
// signal has a buffer of one; several enqueues between two waits coalesce
// into one wakeup. Close closes signal so every waiter wakes.
//
// limit only applies to EnqueueWait. Control items (open, close, scheduled
// callbacks) always go through Enqueue so a close is never held back.
type inboundQueue struct {
	mu      sync.Mutex
	notFull *sync.Cond
	items   []inbound
	closed  bool
	limit   int
	signal  chan struct{}
}

// newInboundQueue creates a queue; limit <= 0 means unbounded.
func newInboundQueue(limit int) *inboundQueue {
	q := &inboundQueue{
		items:  make([]inbound, 0, 64),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue returns false once the queue is closed.
func (q *inboundQueue) Enqueue(item inbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(item)
}

func (q *inboundQueue) enqueueLocked(item inbound) bool {
	if q.closed {
		return false
	}
	q.items = append(q.items, item)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// EnqueueWait is Enqueue that first blocks while the queue is at its limit.
func (q *inboundQueue) EnqueueWait(item inbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.limit > 0 && len(q.items) >= q.limit && !q.closed {
		q.notFull.Wait()
	}
	return q.enqueueLocked(item)
}

func (q *inboundQueue) TryDequeue() (inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return inbound{}, false
	}
	item := q.items[0]
	// Release payload references held by the backing array.
	q.items[0] = inbound{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	q.notFull.Signal()
	return item, true
}

// Next blocks until an item is available. ok is false when the queue is
// closed and drained.
func (q *inboundQueue) Next(ctx context.Context) (item inbound, ok bool, err error) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, true, nil
		}
		q.mu.Lock()
		done := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if done {
			return inbound{}, false, nil
		}

		select {
		case <-ctx.Done():
			return inbound{}, false, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues. Items already queued can still be drained.
func (q *inboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	q.notFull.Broadcast()
}
