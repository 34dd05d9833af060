package subscription

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var ErrNoQueries = errors.New("at least one query string is required")

// ValidateQueries checks a subscribe request before it is sent.
func ValidateQueries(queries []string) error {
	if len(queries) == 0 {
		return ErrNoQueries
	}
	for i, query := range queries {
		if strings.TrimSpace(query) == "" {
			return fmt.Errorf("query %d is empty", i)
		}
	}
	return nil
}

// Request is one subscribe sent to the server. ID is unique per Tracker
// and never zero.
type Request struct {
	ID      uint64
	Queries []string
	SentAt  time.Time
}

// Tracker follows subscribe requests until the server answers them. Each
// subscribe replaces the whole query set, so the server answers requests in
// the order they were sent.
type Tracker struct {
	mu      sync.Mutex
	lastID  uint64
	pending []Request
	active  []string
}

// Sent records a request about to be written and returns it.
func (t *Tracker) Sent(queries []string) Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastID++
	req := Request{ID: t.lastID, Queries: slices.Clone(queries), SentAt: time.Now()}
	t.pending = append(t.pending, req)
	return req
}

// Forget drops the request with id after a failed send. It reports false
// when the request is no longer pending.
func (t *Tracker) Forget(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, req := range t.pending {
		if req.ID == id {
			t.pending = slices.Delete(t.pending, i, i+1)
			return true
		}
	}
	return false
}

// Applied marks the oldest pending request as applied. ok is false when the
// server sent a subscription update nobody asked for.
func (t *Tracker) Applied() (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return Request{}, false
	}
	req := t.pending[0]
	t.pending = t.pending[1:]
	t.active = req.Queries
	return req, true
}

func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Active returns the query set of the last applied request.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.active)
}
