package connection

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/SMG3zx/spacetimedb-sdk-go/cache"
	"github.com/SMG3zx/spacetimedb-sdk-go/events"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
)

type Builder struct {
	uri               string
	databaseName      string
	token             string
	ssl               bool
	compression       protocol.Compression
	bindings          []schema.Binding
	registry          *cache.Registry
	messageDecoder    protocol.MessageDecoder
	messageEncoder    protocol.MessageEncoder
	useWebsocketToken bool
	dialer            TransportDialer
	onConnect         func(*Connection)
	onConnectError    func(error)
	onDisconnect      func(error)
	onIdentity        events.IdentityCallback
	onMessage         func([]byte)
	onError           func(error)
	queueLimit        int
}

func NewBuilder() *Builder {
	return &Builder{
		compression:    protocol.CompressionNone,
		messageDecoder: protocol.JSONMessageDecoder,
		messageEncoder: protocol.JSONMessageEncoder,
		dialer:         DialWebsocket,
		queueLimit:     DefaultInboundQueueLimit,
	}
}

// WithURI sets the server address. A URI without a scheme uses ws://, or
// wss:// when WithSSL(true) is set.
func (b *Builder) WithURI(uri string) *Builder {
	b.uri = uri
	return b
}

// WithURL is an alias for WithURI using idiomatic Go acronym casing.
func (b *Builder) WithURL(uri string) *Builder {
	return b.WithURI(uri)
}

// WithDatabaseName sets the database name or address to subscribe to.
func (b *Builder) WithDatabaseName(name string) *Builder {
	b.databaseName = name
	return b
}

// WithToken authenticates with a saved token. Without one the server
// assigns a fresh identity.
func (b *Builder) WithToken(token string) *Builder {
	b.token = token
	return b
}

func (b *Builder) WithSSL(ssl bool) *Builder {
	b.ssl = ssl
	return b
}

func (b *Builder) WithCompression(compression protocol.Compression) *Builder {
	b.compression = compression
	return b
}

// WithBindings registers the generated table and reducer bindings.
func (b *Builder) WithBindings(bindings ...schema.Binding) *Builder {
	b.bindings = append(b.bindings, bindings...)
	return b
}

// WithRegistry uses an already built registry. It takes precedence over
// WithBindings.
func (b *Builder) WithRegistry(registry *cache.Registry) *Builder {
	b.registry = registry
	return b
}

func (b *Builder) WithMessageDecoder(decoder protocol.MessageDecoder) *Builder {
	b.messageDecoder = decoder
	return b
}

func (b *Builder) WithMessageEncoder(encoder protocol.MessageEncoder) *Builder {
	b.messageEncoder = encoder
	return b
}

// WithUseWebsocketToken exchanges the auth token for a short-lived websocket
// token before dialing instead of sending it in a header.
func (b *Builder) WithUseWebsocketToken(enabled bool) *Builder {
	b.useWebsocketToken = enabled
	return b
}

// WithUseWebSocketToken is an alias for WithUseWebsocketToken using idiomatic Go acronym casing.
func (b *Builder) WithUseWebSocketToken(enabled bool) *Builder {
	return b.WithUseWebsocketToken(enabled)
}

// WithTransportDialer replaces the websocket transport.
func (b *Builder) WithTransportDialer(dialer TransportDialer) *Builder {
	b.dialer = dialer
	return b
}

// WithInboundQueueLimit bounds how many decoded frames wait for the
// consumer. When the limit is reached the transport stops reading until the
// consumer catches up. limit <= 0 removes the bound.
func (b *Builder) WithInboundQueueLimit(limit int) *Builder {
	b.queueLimit = limit
	return b
}

// OnConnect runs on the consumer when the transport opens.
func (b *Builder) OnConnect(cb func(*Connection)) *Builder {
	b.onConnect = cb
	return b
}

// OnConnectError runs synchronously in Build when dialing fails.
func (b *Builder) OnConnectError(cb func(error)) *Builder {
	b.onConnectError = cb
	return b
}

func (b *Builder) OnDisconnect(cb func(error)) *Builder {
	b.onDisconnect = cb
	return b
}

func (b *Builder) OnIdentity(cb events.IdentityCallback) *Builder {
	b.onIdentity = cb
	return b
}

// OnMessage receives every raw inbound frame on the consumer, before it is
// applied.
func (b *Builder) OnMessage(cb func([]byte)) *Builder {
	b.onMessage = cb
	return b
}

// WithErrorHandler receives the dispatch errors collected by Run.
func (b *Builder) WithErrorHandler(cb func(error)) *Builder {
	b.onError = cb
	return b
}

// Build dials the server and returns a connection in StateConnected. The
// caller must drive it with Run, ProcessNext or Update.
func (b *Builder) Build(ctx context.Context) (*Connection, error) {
	if b.uri == "" {
		return nil, newInvalidArgument("build", "uri is required")
	}
	if b.databaseName == "" {
		return nil, newInvalidArgument("build", "database name is required")
	}
	if b.compression != protocol.CompressionGzip && b.compression != protocol.CompressionNone {
		return nil, newInvalidArgument("build", fmt.Sprintf("invalid compression: %q", b.compression))
	}
	if b.dialer == nil {
		return nil, newInvalidArgument("build", "transport dialer is required")
	}

	registry := b.registry
	if registry == nil {
		var err error
		registry, err = cache.NewRegistry(b.bindings...)
		if err != nil {
			return nil, wrapError(ErrorInvalidArgument, "build", err)
		}
	}

	hostURL, err := normalizeHostURL(b.uri, b.ssl)
	if err != nil {
		return nil, wrapError(ErrorInvalidArgument, "build", err)
	}

	connectionID := newConnectionID()
	wsURL := buildSubscribeURL(hostURL, b.databaseName, connectionID, b.compression)
	header := http.Header{}

	if b.token != "" {
		if b.useWebsocketToken {
			websocketToken, err := exchangeWebsocketToken(ctx, hostURL, b.token)
			if err != nil {
				err = wrapError(ErrorTransportFailed, "websocket_token", err)
				if b.onConnectError != nil {
					b.onConnectError(err)
				}
				return nil, err
			}
			q := wsURL.Query()
			q.Set("token", websocketToken)
			wsURL.RawQuery = q.Encode()
		} else {
			header.Set("Authorization", basicAuth(b.token))
		}
	}

	c := newConnection(connectionConfig{
		connectionID:   connectionID,
		endpoint:       wsURL.String(),
		registry:       registry,
		messageDecoder: b.messageDecoder,
		messageEncoder: b.messageEncoder,
		onMessage:      b.onMessage,
		onError:        b.onError,
		queueLimit:     b.queueLimit,
	})
	if b.onConnect != nil {
		cb := b.onConnect
		c.OnConnect(func() { cb(c) })
	}
	if b.onIdentity != nil {
		c.OnIdentity(b.onIdentity)
	}
	if b.onDisconnect != nil {
		c.OnDisconnect(events.DisconnectCallback(b.onDisconnect))
	}

	c.transition(StateConnecting, StateDisconnected)
	transport, err := b.dialer(ctx, wsURL, header, c.frameHandler())
	if err != nil {
		c.transition(StateDisconnected, StateConnecting)
		if !isCoded(err) {
			err = wrapError(ErrorTransportFailed, "dial", err)
		}
		if b.onConnectError != nil {
			b.onConnectError(err)
		}
		return nil, err
	}
	c.attach(transport)
	return c, nil
}

// basicAuth builds the header value the server expects for a saved token.
func basicAuth(token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("token:"+token))
}

func normalizeHostURL(raw string, ssl bool) (*url.URL, error) {
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "//") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	if u.Scheme == "" {
		if ssl {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid uri %q: missing host", raw)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid uri %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func newConnectionID() string {
	return strings.ToLower(ulid.Make().String())
}

func buildSubscribeURL(host *url.URL, databaseName, connectionID string, compression protocol.Compression) *url.URL {
	u := *host
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/database/subscribe/" + databaseName

	q := u.Query()
	q.Set("connection_id", connectionID)
	if compression != protocol.CompressionNone {
		q.Set("compression", string(compression))
	}
	u.RawQuery = q.Encode()
	return &u
}
