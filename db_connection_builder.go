package spacetimedb

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/SMG3zx/spacetimedb-sdk-go/cache"
	"github.com/SMG3zx/spacetimedb-sdk-go/connection"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

type ConnectCallback func(conn *DbConnection, identity types.Identity, token string)
type ConnectErrorCallback func(error)
type DisconnectCallback func(*DbConnection, error)
type MessageCallback func([]byte)

// TokenStore persists the auth token between runs. localconfig.Settings
// implements it.
type TokenStore interface {
	AuthToken() string
	SaveAuthToken(token string) error
}

type scheduledEvent struct {
	delay time.Duration
	fn    func()
}

// DbConnectionBuilder is the high-level public builder.
type DbConnectionBuilder struct {
	inner *connection.Builder

	token          string
	tokenStore     TokenStore
	subscriptions  []string
	requestTimeout time.Duration
	scheduled      []scheduledEvent

	onConnect      ConnectCallback
	onConnectError ConnectErrorCallback
	onDisconnect   DisconnectCallback

	connectRetryMaxAttempts int
	connectRetryBackoff     time.Duration
}

func NewDbConnectionBuilder() *DbConnectionBuilder {
	return &DbConnectionBuilder{
		inner:                   connection.NewBuilder(),
		requestTimeout:          DefaultRequestTimeout,
		connectRetryMaxAttempts: 1,
	}
}

func (b *DbConnectionBuilder) WithURI(uri string) *DbConnectionBuilder {
	b.inner.WithURI(uri)
	return b
}

func (b *DbConnectionBuilder) WithDatabaseName(name string) *DbConnectionBuilder {
	b.inner.WithDatabaseName(name)
	return b
}

// WithToken authenticates with token. It takes precedence over a token
// store.
func (b *DbConnectionBuilder) WithToken(token string) *DbConnectionBuilder {
	b.token = token
	return b
}

// WithTokenStore reads the saved token before connecting and saves the token
// the server hands out.
func (b *DbConnectionBuilder) WithTokenStore(store TokenStore) *DbConnectionBuilder {
	b.tokenStore = store
	return b
}

func (b *DbConnectionBuilder) WithSSL(ssl bool) *DbConnectionBuilder {
	b.inner.WithSSL(ssl)
	return b
}

func (b *DbConnectionBuilder) WithCompression(compression protocol.Compression) *DbConnectionBuilder {
	b.inner.WithCompression(compression)
	return b
}

func (b *DbConnectionBuilder) WithBindings(bindings ...schema.Binding) *DbConnectionBuilder {
	b.inner.WithBindings(bindings...)
	return b
}

func (b *DbConnectionBuilder) WithRegistry(registry *cache.Registry) *DbConnectionBuilder {
	b.inner.WithRegistry(registry)
	return b
}

// WithSubscriptions sends queries right after the identity arrives.
func (b *DbConnectionBuilder) WithSubscriptions(queries ...string) *DbConnectionBuilder {
	b.subscriptions = append(b.subscriptions, queries...)
	return b
}

// WithRequestTimeout sets the wait bound for contexts without a deadline.
// timeout <= 0 disables it.
func (b *DbConnectionBuilder) WithRequestTimeout(timeout time.Duration) *DbConnectionBuilder {
	b.requestTimeout = timeout
	return b
}

func (b *DbConnectionBuilder) WithUseWebsocketToken(enabled bool) *DbConnectionBuilder {
	b.inner.WithUseWebsocketToken(enabled)
	return b
}

func (b *DbConnectionBuilder) WithMessageDecoder(decoder protocol.MessageDecoder) *DbConnectionBuilder {
	b.inner.WithMessageDecoder(decoder)
	return b
}

func (b *DbConnectionBuilder) WithMessageEncoder(encoder protocol.MessageEncoder) *DbConnectionBuilder {
	b.inner.WithMessageEncoder(encoder)
	return b
}

func (b *DbConnectionBuilder) WithTransportDialer(dialer connection.TransportDialer) *DbConnectionBuilder {
	b.inner.WithTransportDialer(dialer)
	return b
}

func (b *DbConnectionBuilder) WithInboundQueueLimit(limit int) *DbConnectionBuilder {
	b.inner.WithInboundQueueLimit(limit)
	return b
}

func (b *DbConnectionBuilder) WithErrorHandler(cb func(error)) *DbConnectionBuilder {
	b.inner.WithErrorHandler(cb)
	return b
}

// ScheduleEvent arms fn once the connection has an identity.
func (b *DbConnectionBuilder) ScheduleEvent(delay time.Duration, fn func()) *DbConnectionBuilder {
	b.scheduled = append(b.scheduled, scheduledEvent{delay: delay, fn: fn})
	return b
}

// OnConnect runs in Build after the identity has been assigned.
func (b *DbConnectionBuilder) OnConnect(cb ConnectCallback) *DbConnectionBuilder {
	b.onConnect = cb
	return b
}

func (b *DbConnectionBuilder) OnConnectError(cb ConnectErrorCallback) *DbConnectionBuilder {
	b.onConnectError = cb
	return b
}

func (b *DbConnectionBuilder) OnDisconnect(cb DisconnectCallback) *DbConnectionBuilder {
	b.onDisconnect = cb
	return b
}

func (b *DbConnectionBuilder) OnMessage(cb MessageCallback) *DbConnectionBuilder {
	b.inner.OnMessage(func(bytes []byte) {
		if cb != nil {
			cb(bytes)
		}
	})
	return b
}

// WithConnectRetry configures retries for initial Build connection attempts.
//
// maxAttempts includes the first attempt.
// - maxAttempts <= 0 is treated as 1.
// - backoff <= 0 performs retries without sleeping.
func (b *DbConnectionBuilder) WithConnectRetry(maxAttempts int, backoff time.Duration) *DbConnectionBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b.connectRetryMaxAttempts = maxAttempts
	b.connectRetryBackoff = backoff
	return b
}

// Build connects, starts processing, and returns once the server has
// assigned an identity.
func (b *DbConnectionBuilder) Build(ctx context.Context) (*DbConnection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.inner.OnConnectError(func(err error) {
		if b.onConnectError != nil {
			b.onConnectError(err)
		}
	})

	token := b.token
	if token == "" && b.tokenStore != nil {
		token = b.tokenStore.AuthToken()
	}
	b.inner.WithToken(token)

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	dbConn := newDbConnection(conn, b.requestTimeout)
	if b.onDisconnect != nil {
		cb := b.onDisconnect
		conn.OnDisconnect(func(err error) { cb(dbConn, err) })
	}
	identityWaiter, err := dbConn.addWaiter(false, func(ev Event) bool {
		return ev.Kind == EventIdentity || ev.Kind == EventDisconnect
	})
	if err != nil {
		return nil, err
	}
	dbConn.start()

	ev, err := dbConn.wait(ctx, "connect", identityWaiter, true)
	if err == nil && ev.Kind == EventDisconnect {
		err = ev.Err
		if err == nil {
			err = connection.NewError(connection.ErrorConnectionClosed, "connect", "connection closed before identity")
		}
	}
	if err != nil {
		_ = conn.Disconnect()
		if b.onConnectError != nil {
			b.onConnectError(err)
		}
		return nil, err
	}

	if b.tokenStore != nil && ev.Token != "" {
		if err := b.tokenStore.SaveAuthToken(ev.Token); err != nil {
			glog.Warningf("[spacetimedb] save auth token: %v", err)
		}
	}
	if b.onConnect != nil {
		b.onConnect(dbConn, ev.Identity, ev.Token)
	}
	if len(b.subscriptions) > 0 {
		if err := conn.Subscribe(b.subscriptions); err != nil {
			return dbConn, err
		}
	}
	for _, s := range b.scheduled {
		if _, err := conn.Schedule(s.delay, s.fn); err != nil {
			return dbConn, err
		}
	}
	return dbConn, nil
}

func (b *DbConnectionBuilder) connect(ctx context.Context) (*connection.Connection, error) {
	attempts := b.connectRetryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := b.connectRetryBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := validateContext(ctx); err != nil {
			return nil, err
		}

		conn, err := b.inner.Build(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if connection.IsCode(err, connection.ErrorInvalidArgument) {
			break
		}

		if attempt == attempts {
			break
		}
		glog.V(1).Infof("[spacetimedb] connect attempt %d/%d failed: %v", attempt, attempts, err)
		if backoff <= 0 {
			continue
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, lastErr
}
