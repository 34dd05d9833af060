package spacetimedb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/SMG3zx/spacetimedb-sdk-go/cache"
	"github.com/SMG3zx/spacetimedb-sdk-go/connection"
	"github.com/SMG3zx/spacetimedb-sdk-go/events"
	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
	"github.com/SMG3zx/spacetimedb-sdk-go/subscription"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

// DefaultRequestTimeout bounds CallReducer, Subscribe, Close and the identity
// wait in Build when the caller's context has no deadline.
const DefaultRequestTimeout = 5 * time.Second

type EventKind int

const (
	EventIdentity EventKind = iota + 1
	EventSubscriptionApplied
	EventTransaction
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventIdentity:
		return "identity"
	case EventSubscriptionApplied:
		return "subscription_applied"
	case EventTransaction:
		return "transaction"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one processed server event as seen by NextEvent.
type Event struct {
	Kind EventKind

	// Identity and Token are set for EventIdentity.
	Identity types.Identity
	Token    string

	// Subscription is the request an EventSubscriptionApplied answered. Its
	// ID is zero for an update nobody asked for.
	Subscription subscription.Request

	// Transaction is set for EventTransaction.
	Transaction *types.TransactionEvent

	// Err is the close cause for EventDisconnect. It is nil after Close.
	Err error
}

type waitResult struct {
	event Event
	err   error
}

type waiter struct {
	match func(Event) bool
	// Exclusive waiters consume the event: among several matching
	// exclusive waiters only the oldest completes.
	exclusive bool
	ch        chan waitResult
}

// DbConnection is a high-level SDK connection facade over connection.Connection.
// It drives the consumer on its own goroutine and turns server events into
// awaitable results.
type DbConnection struct {
	conn           *connection.Connection
	requestTimeout time.Duration
	runDone        chan struct{}

	mu       sync.Mutex
	waiters  []*waiter
	closed   bool
	terminal error
}

func newDbConnection(conn *connection.Connection, requestTimeout time.Duration) *DbConnection {
	c := &DbConnection{
		conn:           conn,
		requestTimeout: requestTimeout,
		runDone:        make(chan struct{}),
	}
	conn.OnIdentity(func(token string, identity types.Identity) {
		c.publish(Event{Kind: EventIdentity, Identity: identity, Token: token})
	})
	conn.OnSubscriptionRequestApplied(func(req subscription.Request) {
		c.publish(Event{Kind: EventSubscriptionApplied, Subscription: req})
	})
	conn.OnTransaction(func(tx *types.TransactionEvent) {
		c.publish(Event{Kind: EventTransaction, Transaction: tx})
	})
	conn.OnDisconnect(func(err error) {
		c.publish(Event{Kind: EventDisconnect, Err: err})
		c.failAll(err)
	})
	return c
}

// start runs the consumer until the connection closes.
func (c *DbConnection) start() {
	go func() {
		defer close(c.runDone)
		if err := c.conn.Run(context.Background()); err != nil {
			glog.V(1).Infof("[spacetimedb] connection %s ended: %v", c.conn.ConnectionID(), err)
		}
	}()
}

func (c *DbConnection) Raw() *connection.Connection {
	if c == nil {
		return nil
	}
	return c.conn
}

func (c *DbConnection) IsActive() bool {
	return c != nil && c.conn != nil && c.conn.IsActive()
}

func (c *DbConnection) Identity() (types.Identity, bool) {
	if c == nil || c.conn == nil {
		return types.Identity{}, false
	}
	return c.conn.Identity()
}

func (c *DbConnection) Token() string {
	if c == nil || c.conn == nil {
		return ""
	}
	return c.conn.Token()
}

// Cache returns the client cache. It is safe to read from any goroutine.
func (c *DbConnection) Cache() *cache.Store {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Cache()
}

// Err returns the terminal error once the connection has closed.
func (c *DbConnection) Err() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Err()
}

func (c *DbConnection) OnRowUpdate(table string, cb events.RowUpdateCallback) events.ID {
	return c.conn.OnRowUpdate(table, cb)
}

func (c *DbConnection) OnReducer(reducer string, cb events.ReducerCallback) events.ID {
	return c.conn.OnReducer(reducer, cb)
}

func (c *DbConnection) OnTransaction(cb events.TransactionCallback) events.ID {
	return c.conn.OnTransaction(cb)
}

func (c *DbConnection) OnSubscriptionApplied(cb events.SubscriptionAppliedCallback) events.ID {
	return c.conn.OnSubscriptionApplied(cb)
}

func (c *DbConnection) RemoveCallback(id events.ID) bool {
	return c.conn.RemoveCallback(id)
}

// CallReducer sends a reducer call and waits for the transaction this
// client's identity produced for it. A failed reducer is returned as an
// event with a non-committed status, not as an error. On timeout the call
// may still take effect on the server.
func (c *DbConnection) CallReducer(ctx context.Context, reducer string, args ...any) (*types.ReducerEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if c == nil || c.conn == nil {
		return nil, notConnectedError("call_reducer")
	}
	return c.awaitReducer(ctx, reducer, func() error {
		return c.conn.CallReducer(reducer, args...)
	})
}

// Call is CallReducer with typed arguments.
func Call[A any](ctx context.Context, c *DbConnection, reducer *schema.Reducer[A], args A) (*types.ReducerEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if c == nil || c.conn == nil {
		return nil, notConnectedError("call_reducer")
	}
	return c.awaitReducer(ctx, reducer.Name, func() error {
		return connection.Call(c.conn, reducer, args)
	})
}

func (c *DbConnection) awaitReducer(ctx context.Context, reducer string, send func() error) (*types.ReducerEvent, error) {
	w, err := c.addWaiter(true, func(ev Event) bool {
		if ev.Kind != EventTransaction || ev.Transaction == nil || ev.Transaction.Reducer == nil {
			return false
		}
		own, ok := c.conn.Identity()
		return ok && ev.Transaction.Reducer.ReducerName == reducer && ev.Transaction.Reducer.CallerIdentity == own
	})
	if err != nil {
		return nil, err
	}
	if err := send(); err != nil {
		c.removeWaiter(w)
		return nil, err
	}
	ev, err := c.wait(ctx, "call_reducer", w, true)
	if err != nil {
		return nil, err
	}
	return ev.Transaction.Reducer, nil
}

// Subscribe sends the queries and waits until the server applies them.
// Updates answering earlier subscribes, including those sent through Raw or
// WithSubscriptions, do not complete it.
func (c *DbConnection) Subscribe(ctx context.Context, queryStrings []string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if c == nil || c.conn == nil {
		return notConnectedError("subscribe")
	}
	// requestID is guarded by c.mu, which publish holds while matching.
	var requestID uint64
	w, err := c.addWaiter(true, func(ev Event) bool {
		return ev.Kind == EventSubscriptionApplied && requestID != 0 && ev.Subscription.ID == requestID
	})
	if err != nil {
		return err
	}
	_, err = c.conn.SubscribeRequest(queryStrings, func(req subscription.Request) {
		c.mu.Lock()
		requestID = req.ID
		c.mu.Unlock()
	})
	if err != nil {
		c.removeWaiter(w)
		return err
	}
	_, err = c.wait(ctx, "subscribe", w, true)
	return err
}

// NextEvent waits for the next processed event of any kind. Only ctx bounds
// the wait.
func (c *DbConnection) NextEvent(ctx context.Context) (Event, error) {
	if err := validateContext(ctx); err != nil {
		return Event{}, err
	}
	if c == nil || c.conn == nil {
		return Event{}, notConnectedError("next_event")
	}
	w, err := c.addWaiter(false, func(Event) bool { return true })
	if err != nil {
		return Event{}, err
	}
	return c.wait(ctx, "next_event", w, false)
}

// ScheduleEvent runs fn on the consumer after delay.
func (c *DbConnection) ScheduleEvent(delay time.Duration, fn func()) (events.ID, error) {
	if c == nil || c.conn == nil {
		return events.ID{}, notConnectedError("schedule_event")
	}
	return c.conn.Schedule(delay, fn)
}

func (c *DbConnection) CancelScheduled(id events.ID) bool {
	if c == nil || c.conn == nil {
		return false
	}
	return c.conn.CancelScheduled(id)
}

// Disconnect requests a close without waiting for it.
func (c *DbConnection) Disconnect() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Disconnect()
}

// Close requests a normal close and waits until the consumer has stopped.
// Like the other waits it gives up with a timeout error after the request
// timeout when ctx has no deadline.
func (c *DbConnection) Close(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if c == nil || c.conn == nil {
		return nil
	}
	if err := c.conn.Disconnect(); err != nil {
		return err
	}
	ctx, cancel := c.boundContext(ctx, true)
	defer cancel()
	select {
	case <-c.runDone:
		return nil
	case <-ctx.Done():
		return waitError("close", ctx.Err())
	}
}

func (c *DbConnection) addWaiter(exclusive bool, match func(Event) bool) (*waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.terminal
	}
	w := &waiter{match: match, exclusive: exclusive, ch: make(chan waitResult, 1)}
	c.waiters = append(c.waiters, w)
	return w, nil
}

// removeWaiter reports false when w was already completed.
func (c *DbConnection) removeWaiter(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// boundContext applies the request timeout to a ctx without a deadline.
func (c *DbConnection) boundContext(ctx context.Context, bounded bool) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && bounded && c.requestTimeout > 0 {
		return context.WithTimeout(ctx, c.requestTimeout)
	}
	return ctx, func() {}
}

func (c *DbConnection) wait(ctx context.Context, op string, w *waiter, bounded bool) (Event, error) {
	ctx, cancel := c.boundContext(ctx, bounded)
	defer cancel()

	select {
	case res := <-w.ch:
		return res.event, res.err
	case <-ctx.Done():
		if !c.removeWaiter(w) {
			res := <-w.ch
			return res.event, res.err
		}
		return Event{}, waitError(op, ctx.Err())
	}
}

func waitError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return connection.WrapError(connection.ErrorTimeout, op, err)
	}
	return err
}

// publish runs on the consumer. Every matching waiter is completed and
// removed, except that an event completes at most one exclusive waiter.
func (c *DbConnection) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.waiters[:0]
	consumed := false
	for _, w := range c.waiters {
		if !w.match(ev) || (w.exclusive && consumed) {
			kept = append(kept, w)
			continue
		}
		if w.exclusive {
			consumed = true
		}
		w.ch <- waitResult{event: ev}
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}

// failAll completes every outstanding waiter with the close cause and makes
// later waits fail immediately.
func (c *DbConnection) failAll(cause error) {
	if cause == nil {
		cause = connection.NewError(connection.ErrorConnectionClosed, "wait", "connection closed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.terminal = cause
	for _, w := range c.waiters {
		w.ch <- waitResult{err: cause}
	}
	c.waiters = nil
}

func validateContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func notConnectedError(op string) error {
	return &connection.Error{
		Code: connection.ErrorConnectionClosed,
		Op:   op,
		Err:  errors.New("spacetimedb client is not connected"),
	}
}
