package connection

import (
	"time"

	"github.com/SMG3zx/spacetimedb-sdk-go/events"
)

// Schedule runs fn on the consumer after delay. The call is queued behind
// any inbound messages already waiting, so fn may read the cache and
// register callbacks like any other callback.
func (c *Connection) Schedule(delay time.Duration, fn func()) (events.ID, error) {
	if fn == nil {
		return events.ID{}, newInvalidArgument("schedule", "callback is required")
	}

	id := events.NewID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timers == nil {
		return events.ID{}, NewError(ErrorConnectionClosed, "schedule", "connection is closed")
	}
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		_, live := c.timers[id]
		delete(c.timers, id)
		c.mu.Unlock()
		if live {
			c.queue.Enqueue(inbound{kind: inboundScheduled, scheduleID: id, fn: fn})
		}
	})
	return id, nil
}

// CancelScheduled stops a scheduled callback that has not fired yet.
func (c *Connection) CancelScheduled(id events.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer, ok := c.timers[id]
	if !ok {
		return false
	}
	delete(c.timers, id)
	timer.Stop()
	return true
}
