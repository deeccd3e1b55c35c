// Package nats implements the connection.Transport contract over a NATS
// core connection. Reconnection is handled by the connection manager, so
// the underlying client is configured with its own reconnect disabled.
package nats

import (
	"context"
	"fmt"
	"sync"

	gonats "github.com/nats-io/nats.go"

	"github.com/nndrao/components-sub001/connection"
	"github.com/nndrao/components-sub001/errors"
)

// Transport carries messages over a NATS connection.
type Transport struct {
	url  string
	name string

	mu   sync.Mutex
	conn *gonats.Conn
	subs map[string]*gonats.Subscription

	onMessage func(connection.Message)
	onClosed  func(error)
	closing   bool
}

// Option configures the transport.
type Option func(*Transport)

// WithName sets the client name reported to the server.
func WithName(name string) Option {
	return func(t *Transport) {
		t.name = name
	}
}

// New creates a NATS transport for the given server URL.
func New(url string, opts ...Option) (*Transport, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "nats", "New", "url is required")
	}
	t := &Transport{
		url:  url,
		name: "ingest-client",
		subs: make(map[string]*gonats.Subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Dial connects to the NATS server. The manager owns retry policy, so a
// server-side disconnect surfaces through opts.OnClosed exactly once.
func (t *Transport) Dial(ctx context.Context, opts connection.DialOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.conn.IsConnected() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "nats", "Dial", "already connected")
	}

	t.onMessage = opts.OnMessage
	t.onClosed = opts.OnClosed
	t.closing = false

	conn, err := gonats.Connect(t.url,
		gonats.Name(t.name),
		gonats.NoReconnect(),
		gonats.ClosedHandler(func(nc *gonats.Conn) {
			t.mu.Lock()
			closing := t.closing
			cb := t.onClosed
			t.mu.Unlock()
			if closing || cb == nil {
				return
			}
			cb(nc.LastError())
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "nats", "Dial", fmt.Sprintf("connect to %s failed", t.url))
	}

	select {
	case <-ctx.Done():
		conn.Close()
		return errors.WrapTransient(ctx.Err(), "nats", "Dial", "dial cancelled")
	default:
	}

	t.conn = conn
	t.subs = make(map[string]*gonats.Subscription)
	return nil
}

// Publish sends data on a subject.
func (t *Transport) Publish(topic string, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "nats", "Publish", "no connection")
	}
	if err := conn.Publish(topic, data); err != nil {
		return errors.WrapTransient(err, "nats", "Publish", fmt.Sprintf("publish to %s failed", topic))
	}
	return nil
}

// Subscribe registers interest in a subject. Messages are forwarded to the
// dial-time OnMessage callback.
func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || !t.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "nats", "Subscribe", "no connection")
	}
	if _, ok := t.subs[topic]; ok {
		return nil
	}

	onMessage := t.onMessage
	sub, err := t.conn.Subscribe(topic, func(msg *gonats.Msg) {
		if onMessage != nil {
			onMessage(connection.Message{Topic: msg.Subject, Data: msg.Data})
		}
	})
	if err != nil {
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "nats", "Subscribe",
			fmt.Sprintf("subscribe to %s failed: %v", topic, err))
	}
	t.subs[topic] = sub
	return nil
}

// Unsubscribe drops interest in a subject.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[topic]
	if !ok {
		return nil
	}
	delete(t.subs, topic)
	if err := sub.Unsubscribe(); err != nil {
		return errors.WrapTransient(err, "nats", "Unsubscribe", fmt.Sprintf("unsubscribe from %s failed", topic))
	}
	return nil
}

// Close drains the connection so in-flight messages are delivered before
// the socket goes away. OnClosed is not invoked for a deliberate close.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.conn = nil
	t.subs = make(map[string]*gonats.Subscription)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return errors.WrapTransient(err, "nats", "Close", "drain failed")
	}
	return nil
}
