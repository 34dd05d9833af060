package connection

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
)

// Transport is an open duplex channel to the server.
type Transport interface {
	Send(payload []byte) error
	// Close requests a normal shutdown. The transport reports completion
	// through FrameHandler.OnClose with a nil error.
	Close() error
	IsConnected() bool
}

// FrameHandler receives transport events. All three run on the transport's
// own goroutine and must not block.
type FrameHandler struct {
	// OnOpen runs once, before the first frame.
	OnOpen func()
	// OnFrame receives one decompressed JSON frame. A non-nil error closes
	// the transport and is passed to OnClose.
	OnFrame func(frame []byte) error
	// OnClose runs exactly once. err is nil after a requested Close.
	OnClose func(err error)
}

// TransportDialer opens a Transport to endpoint.
type TransportDialer func(ctx context.Context, endpoint *url.URL, header http.Header, handler FrameHandler) (Transport, error)

const closeWriteTimeout = 5 * time.Second

type websocketTransport struct {
	ws      *websocket.Conn
	handler FrameHandler

	writeMu sync.Mutex
	closing atomic.Bool
}

// DialWebsocket is the default TransportDialer.
func DialWebsocket(ctx context.Context, endpoint *url.URL, header http.Header, handler FrameHandler) (Transport, error) {
	ws, err := dialWebsocket(ctx, endpoint, header)
	if err != nil {
		return nil, err
	}
	t := &websocketTransport{ws: ws, handler: handler}
	if handler.OnOpen != nil {
		handler.OnOpen()
	}
	go t.readLoop()
	return t, nil
}

func (t *websocketTransport) Send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closing.Load() {
		return wrapError(ErrorConnectionClosed, "send", errors.New("websocket is closed"))
	}
	return t.ws.WriteMessage(websocket.TextMessage, payload)
}

func (t *websocketTransport) Close() error {
	if t.closing.Swap(true) {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(closeWriteTimeout)
	_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.ws.Close()
}

func (t *websocketTransport) IsConnected() bool {
	return !t.closing.Load()
}

func (t *websocketTransport) readLoop() {
	var closeErr error
	defer func() {
		_ = t.Close()
		if t.handler.OnClose != nil {
			t.handler.OnClose(closeErr)
		}
	}()

	for {
		msgType, payload, err := t.ws.ReadMessage()
		if err != nil {
			if !t.closing.Load() {
				closeErr = wrapError(ErrorTransportFailed, "read", err)
			}
			return
		}

		var frame []byte
		switch msgType {
		case websocket.TextMessage:
			frame = payload
		case websocket.BinaryMessage:
			frame, err = decompressServerMessage(payload)
			if err != nil {
				closeErr = wrapError(ErrorProtocolDecode, "decompress", err)
				return
			}
		default:
			continue
		}

		glog.V(2).Infof("[websocket] frame %d bytes", len(frame))
		if t.handler.OnFrame == nil {
			continue
		}
		if err := t.handler.OnFrame(frame); err != nil {
			closeErr = err
			return
		}
	}
}

type websocketTokenResponse struct {
	Token string `json:"token"`
}

// exchangeWebsocketToken trades a long-lived auth token for a short-lived
// token accepted in the websocket query string.
func exchangeWebsocketToken(ctx context.Context, host *url.URL, authToken string) (string, error) {
	tokenURL := *host
	switch tokenURL.Scheme {
	case "wss":
		tokenURL.Scheme = "https"
	case "ws":
		tokenURL.Scheme = "http"
	}
	tokenURL.Path = "/v1/identity/websocket-token"
	tokenURL.RawQuery = ""
	tokenURL.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build websocket-token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request websocket-token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("websocket-token request failed: status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded websocketTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode websocket-token response: %w", err)
	}
	if decoded.Token == "" {
		return "", fmt.Errorf("websocket-token response missing token")
	}
	return decoded.Token, nil
}

func dialWebsocket(ctx context.Context, endpoint *url.URL, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{protocol.WSSubprotocolV1Text},
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			trimmed := strings.TrimSpace(string(body))
			if trimmed != "" {
				return nil, fmt.Errorf("websocket dial failed: %w (status=%d body=%q)", err, resp.StatusCode, trimmed)
			}
			return nil, fmt.Errorf("websocket dial failed: %w (status=%d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if !strings.EqualFold(conn.Subprotocol(), protocol.WSSubprotocolV1Text) {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected websocket subprotocol: got %q want %q", conn.Subprotocol(), protocol.WSSubprotocolV1Text)
	}

	return conn, nil
}

// decompressServerMessage strips the one-byte compression tag of a binary
// frame.
func decompressServerMessage(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty websocket message")
	}

	scheme := payload[0]
	body := payload[1:]

	switch scheme {
	case 0:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case 1:
		return nil, errors.New("brotli compression is not supported")
	case 2:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression scheme: %d", scheme)
	}
}
