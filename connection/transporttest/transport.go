// Package transporttest provides an in-memory connection.Transport.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/SMG3zx/spacetimedb-sdk-go/connection"
)

var ErrClosed = errors.New("transporttest: transport closed")

// Transport records outbound frames and lets a test push inbound frames as
// if they came from the server.
type Transport struct {
	mu       sync.Mutex
	handler  connection.FrameHandler
	sent     [][]byte
	closed   bool
	endpoint *url.URL
	header   http.Header

	// SendErr, when set, is returned by every Send.
	SendErr error

	sentCh    chan []byte
	closeOnce sync.Once
}

func New() *Transport {
	return &Transport{sentCh: make(chan []byte, 256)}
}

// Dialer returns a TransportDialer that hands out t and opens it
// immediately.
func (t *Transport) Dialer() connection.TransportDialer {
	return func(_ context.Context, endpoint *url.URL, header http.Header, handler connection.FrameHandler) (connection.Transport, error) {
		t.mu.Lock()
		t.handler = handler
		t.endpoint = endpoint
		t.header = header.Clone()
		t.mu.Unlock()
		if handler.OnOpen != nil {
			handler.OnOpen()
		}
		return t, nil
	}
}

// FailingDialer always fails with err.
func FailingDialer(err error) connection.TransportDialer {
	return func(context.Context, *url.URL, http.Header, connection.FrameHandler) (connection.Transport, error) {
		return nil, err
	}
}

func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	frame := append([]byte(nil), payload...)
	t.sent = append(t.sent, frame)
	select {
	case t.sentCh <- frame:
	default:
	}
	return nil
}

// Close completes immediately and reports a normal close.
func (t *Transport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Deliver pushes one inbound frame. A handler error closes the transport
// with that error, like a real transport would.
func (t *Transport) Deliver(frame []byte) error {
	t.mu.Lock()
	handler := t.handler
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if handler.OnFrame == nil {
		return nil
	}
	if err := handler.OnFrame(frame); err != nil {
		t.shutdown(err)
		return err
	}
	return nil
}

// DeliverString is Deliver for a literal JSON frame.
func (t *Transport) DeliverString(frame string) error {
	return t.Deliver([]byte(frame))
}

// DeliverJSON marshals v and delivers it.
func (t *Transport) DeliverJSON(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Deliver(frame)
}

// Fail simulates the server or network dropping the connection.
func (t *Transport) Fail(err error) {
	if err == nil {
		err = errors.New("transporttest: connection dropped")
	}
	t.shutdown(err)
}

func (t *Transport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		handler := t.handler
		t.mu.Unlock()
		if handler.OnClose != nil {
			handler.OnClose(err)
		}
	})
}

// Sent returns a copy of every frame sent so far.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// NextSent waits for the next outbound frame.
func (t *Transport) NextSent(timeout time.Duration) ([]byte, error) {
	select {
	case frame := <-t.sentCh:
		return frame, nil
	case <-time.After(timeout):
		return nil, errors.New("transporttest: timed out waiting for an outbound frame")
	}
}

// Endpoint returns the URL the transport was dialed with.
func (t *Transport) Endpoint() *url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// Header returns the handshake header the transport was dialed with.
func (t *Transport) Header() http.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.header
}
