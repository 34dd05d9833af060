package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/SMG3zx/spacetimedb-sdk-go/cache"
	"github.com/SMG3zx/spacetimedb-sdk-go/events"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/subscription"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

// Connection owns one session with the server: the transport, the inbound
// queue, the table cache and the callback tables.
//
// Inbound frames are decoded on the transport goroutine and queued. Cache
// mutation and callback dispatch only happen in the consumer, which is
// whichever goroutine calls Update, ProcessNext or Run.
type Connection struct {
	connectionID string
	endpoint     string

	registry       *cache.Registry
	store          *cache.Store
	messageDecoder protocol.MessageDecoder
	messageEncoder protocol.MessageEncoder
	onMessage      func([]byte)
	onError        func(error)

	queue     *inboundQueue
	consumeMu sync.Mutex

	state    atomic.Int32
	identity atomic.Pointer[types.Identity]
	token    atomic.Pointer[string]

	mu        sync.Mutex
	transport Transport
	fatalErr  error
	closeErr  error
	timers    map[events.ID]*time.Timer

	done      chan struct{}
	closeOnce sync.Once

	identityCallbacks            events.List[events.IdentityCallback]
	connectCallbacks             events.List[events.ConnectCallback]
	disconnectCallbacks          events.List[events.DisconnectCallback]
	subscriptionAppliedCallbacks events.List[events.SubscriptionAppliedCallback]
	subscriptionRequestCallbacks events.List[events.SubscriptionRequestCallback]
	transactionCallbacks         events.List[events.TransactionCallback]
	rowCallbacks                 events.Keyed[events.RowUpdateCallback]
	reducerCallbacks             events.Keyed[events.ReducerCallback]

	subscriptions subscription.Tracker
}

type connectionConfig struct {
	connectionID   string
	endpoint       string
	registry       *cache.Registry
	messageDecoder protocol.MessageDecoder
	messageEncoder protocol.MessageEncoder
	onMessage      func([]byte)
	onError        func(error)
	queueLimit     int
}

func newConnection(cfg connectionConfig) *Connection {
	if cfg.messageDecoder == nil {
		cfg.messageDecoder = protocol.JSONMessageDecoder
	}
	if cfg.messageEncoder == nil {
		cfg.messageEncoder = protocol.JSONMessageEncoder
	}
	if cfg.registry == nil {
		cfg.registry = cache.MustNewRegistry()
	}

	return &Connection{
		connectionID:   cfg.connectionID,
		endpoint:       cfg.endpoint,
		registry:       cfg.registry,
		store:          cache.NewStore(cfg.registry),
		messageDecoder: cfg.messageDecoder,
		messageEncoder: cfg.messageEncoder,
		onMessage:      cfg.onMessage,
		onError:        cfg.onError,
		queue:          newInboundQueue(cfg.queueLimit),
		timers:         map[events.ID]*time.Timer{},
		done:           make(chan struct{}),
	}
}

func (c *Connection) ConnectionID() string {
	return c.connectionID
}

func (c *Connection) Endpoint() string {
	return c.endpoint
}

// IsActive reports whether an identity has been assigned and no close has
// been requested.
func (c *Connection) IsActive() bool {
	return c.State() == StateActive
}

// Identity returns the identity assigned by the server.
func (c *Connection) Identity() (types.Identity, bool) {
	id := c.identity.Load()
	if id == nil {
		return types.Identity{}, false
	}
	return *id, true
}

// Token returns the auth token sent with the identity, or "".
func (c *Connection) Token() string {
	if tok := c.token.Load(); tok != nil {
		return *tok
	}
	return ""
}

// Cache returns the materialized table cache. Readers on any goroutine see
// whole messages only.
func (c *Connection) Cache() *cache.Store {
	return c.store
}

func (c *Connection) Registry() *cache.Registry {
	return c.registry
}

// Done is closed once the connection reached StateClosed and all disconnect
// callbacks returned.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error. It is nil while open and after a
// requested close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the number of queued, unprocessed inbound items.
func (c *Connection) Pending() int {
	return c.queue.Len()
}

func (c *Connection) frameHandler() FrameHandler {
	return FrameHandler{
		OnOpen:  c.handleOpen,
		OnFrame: c.handleFrame,
		OnClose: c.handleClose,
	}
}

func (c *Connection) attach(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

func (c *Connection) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// The three handle* methods run on the transport goroutine. They only touch
// the state word and the queue.

func (c *Connection) handleOpen() {
	c.transition(StateConnected, StateConnecting)
	c.queue.Enqueue(inbound{kind: inboundOpened})
}

func (c *Connection) handleFrame(frame []byte) error {
	message, err := c.messageDecoder(frame)
	if err != nil {
		return wrapError(ErrorProtocolDecode, "decode_message", err)
	}
	if err := message.Validate(); err != nil {
		return wrapError(ErrorProtocolDecode, "validate_message", err)
	}
	c.queue.EnqueueWait(inbound{kind: inboundMessage, message: message, raw: frame})
	return nil
}

func (c *Connection) handleClose(err error) {
	c.queue.Enqueue(inbound{kind: inboundClosed, err: err})
}

// Update processes every item queued so far without blocking and returns
// the errors collected while dispatching them.
func (c *Connection) Update() error {
	var errs []error
	for {
		item, ok := c.queue.TryDequeue()
		if !ok {
			return errors.Join(errs...)
		}
		if err := c.process(item); err != nil {
			errs = append(errs, err)
		}
	}
}

// ProcessNext blocks until one inbound item is processed. It returns the
// dispatch errors of that item, ctx.Err(), or a connection_closed error once
// the connection is closed and drained.
func (c *Connection) ProcessNext(ctx context.Context) error {
	item, ok, err := c.queue.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return c.closedError("process_next")
	}
	return c.process(item)
}

// Run consumes inbound items until the connection closes or ctx is done.
// Dispatch errors go to the error handler configured on the builder, or to
// the log. Run returns the terminal error, which is nil after Disconnect.
func (c *Connection) Run(ctx context.Context) error {
	for {
		item, ok, err := c.queue.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return c.Err()
		}
		if err := c.process(item); err != nil {
			c.reportError(err)
		}
	}
}

func (c *Connection) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
		return
	}
	glog.Warningf("[connection %s] %v", c.connectionID, err)
}

func (c *Connection) process(item inbound) error {
	c.consumeMu.Lock()
	defer c.consumeMu.Unlock()

	switch item.kind {
	case inboundOpened:
		return c.dispatchConnect()
	case inboundMessage:
		if c.failed() {
			glog.V(1).Infof("[connection %s] dropping %s after fatal error", c.connectionID, item.message.Kind)
			return nil
		}
		return c.processMessage(item)
	case inboundScheduled:
		if c.State() == StateClosed {
			return nil
		}
		return wrapError(ErrorCallbackFailed, "scheduled", events.Invoke("scheduled", item.fn))
	case inboundClosed:
		return c.finish(item.err)
	default:
		return nil
	}
}

// Disconnect requests a normal close. The connection reaches StateClosed
// once the consumer processes the transport's close notification.
func (c *Connection) Disconnect() error {
	if !c.transition(StateClosing, StateDisconnected, StateConnecting, StateConnected, StateActive) {
		return nil
	}
	t := c.currentTransport()
	if t == nil {
		c.queue.Enqueue(inbound{kind: inboundClosed})
		return nil
	}
	if err := t.Close(); err != nil {
		return wrapError(ErrorTransportFailed, "disconnect", err)
	}
	return nil
}

// fail records a fatal error found by the consumer and closes the transport.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	t := c.transport
	c.mu.Unlock()

	glog.Errorf("[connection %s] fatal: %v", c.connectionID, err)
	if t == nil {
		c.queue.Enqueue(inbound{kind: inboundClosed})
		return
	}
	if closeErr := t.Close(); closeErr != nil {
		glog.V(1).Infof("[connection %s] close after fatal error: %v", c.connectionID, closeErr)
	}
}

func (c *Connection) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr != nil
}

func (c *Connection) finish(cause error) error {
	var dispatchErr error
	c.closeOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateClosed)))
		logTransition(c.connectionID, prev, StateClosed)

		c.mu.Lock()
		switch {
		case c.fatalErr != nil:
			cause = c.fatalErr
		case cause == nil && prev != StateClosing:
			cause = NewError(ErrorTransportFailed, "connection", "connection closed by server")
		case cause != nil && !isCoded(cause):
			cause = wrapError(ErrorTransportFailed, "connection", cause)
		}
		c.closeErr = cause
		timers := c.timers
		c.timers = nil
		c.mu.Unlock()

		for _, timer := range timers {
			timer.Stop()
		}
		c.queue.Close()

		dispatchErr = c.dispatchDisconnect(cause)
		close(c.done)
	})
	return dispatchErr
}

func (c *Connection) closedError(op string) error {
	if err := c.Err(); err != nil {
		return err
	}
	return NewError(ErrorConnectionClosed, op, "connection is closed")
}

func isCoded(err error) bool {
	var sdkErr *Error
	return errors.As(err, &sdkErr)
}

func logTransition(connectionID string, from, to State) {
	glog.V(1).Infof("[connection %s] %s -> %s", connectionID, from, to)
}
