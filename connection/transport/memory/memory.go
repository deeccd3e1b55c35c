// Package memory provides an in-process broker implementing the
// connection.Transport contract. It exists for tests: the broker side can
// inject messages, observe client publishes and subscriptions, script
// replies, and force disconnects to exercise reconnect paths.
package memory

import (
	"context"
	"sync"

	"github.com/nndrao/components-sub001/connection"
	"github.com/nndrao/components-sub001/errors"
)

// Broker is the server side of the in-process transport. One broker can
// serve multiple Transport clients.
type Broker struct {
	mu        sync.Mutex
	conns     map[*Transport]struct{}
	published []connection.Message
	onPublish func(topic string, data []byte)
	refuse    bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{conns: make(map[*Transport]struct{})}
}

// Transport creates a client transport bound to this broker. The transport
// is disconnected until Dial is called.
func (b *Broker) Transport() *Transport {
	return &Transport{broker: b, topics: make(map[string]struct{})}
}

// Publish delivers a message from the broker to every connected client
// subscribed to the topic.
func (b *Broker) Publish(topic string, data []byte) {
	b.mu.Lock()
	var targets []func(connection.Message)
	for conn := range b.conns {
		conn.mu.Lock()
		if _, ok := conn.topics[topic]; ok && conn.onMessage != nil {
			targets = append(targets, conn.onMessage)
		}
		conn.mu.Unlock()
	}
	b.mu.Unlock()

	for _, deliver := range targets {
		deliver(connection.Message{Topic: topic, Data: data})
	}
}

// OnPublish registers a hook invoked synchronously for every client
// publish. Tests use it to script request/response exchanges.
func (b *Broker) OnPublish(fn func(topic string, data []byte)) {
	b.mu.Lock()
	b.onPublish = fn
	b.mu.Unlock()
}

// Published returns a copy of every message clients have published.
func (b *Broker) Published() []connection.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]connection.Message, len(b.published))
	copy(out, b.published)
	return out
}

// Subscriptions returns the topics currently subscribed across all
// connected clients.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var topics []string
	for conn := range b.conns {
		conn.mu.Lock()
		for topic := range conn.topics {
			topics = append(topics, topic)
		}
		conn.mu.Unlock()
	}
	return topics
}

// SetRefuseDials makes subsequent Dial calls fail, simulating an
// unreachable server.
func (b *Broker) SetRefuseDials(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

// DisconnectAll severs every live connection as if the server dropped
// them. Clients see it through their OnClosed callback.
func (b *Broker) DisconnectAll(cause error) {
	b.mu.Lock()
	conns := make([]*Transport, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.conns = make(map[*Transport]struct{})
	b.mu.Unlock()

	for _, conn := range conns {
		conn.serverClose(cause)
	}
}

func (b *Broker) record(topic string, data []byte) {
	b.mu.Lock()
	b.published = append(b.published, connection.Message{Topic: topic, Data: data})
	hook := b.onPublish
	b.mu.Unlock()
	if hook != nil {
		hook(topic, data)
	}
}

// Transport is the client side of the in-process broker.
type Transport struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
	topics    map[string]struct{}
	onMessage func(connection.Message)
	onClosed  func(error)
}

// Dial attaches this client to the broker.
func (t *Transport) Dial(ctx context.Context, opts connection.DialOptions) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "memory", "Dial", "dial cancelled")
	}

	t.broker.mu.Lock()
	refuse := t.broker.refuse
	t.broker.mu.Unlock()
	if refuse {
		return errors.WrapTransient(errors.ErrConnectionRefused, "memory", "Dial", "broker refusing dials")
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "memory", "Dial", "already connected")
	}
	t.connected = true
	t.topics = make(map[string]struct{})
	t.onMessage = opts.OnMessage
	t.onClosed = opts.OnClosed
	t.mu.Unlock()

	t.broker.mu.Lock()
	t.broker.conns[t] = struct{}{}
	t.broker.mu.Unlock()
	return nil
}

// Publish records the message on the broker side.
func (t *Transport) Publish(topic string, data []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return errors.WrapTransient(errors.ErrNotConnected, "memory", "Publish", "no connection")
	}
	t.broker.record(topic, data)
	return nil
}

// Subscribe registers interest in a topic.
func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.WrapTransient(errors.ErrNotConnected, "memory", "Subscribe", "no connection")
	}
	t.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe drops interest in a topic.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, topic)
	return nil
}

// Close detaches from the broker without firing OnClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.onMessage = nil
	t.onClosed = nil
	t.mu.Unlock()

	t.broker.mu.Lock()
	delete(t.broker.conns, t)
	t.broker.mu.Unlock()
	return nil
}

// serverClose simulates the broker dropping this client.
func (t *Transport) serverClose(cause error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	cb := t.onClosed
	t.onMessage = nil
	t.onClosed = nil
	t.mu.Unlock()

	if cb != nil {
		if cause == nil {
			cause = errors.ErrConnectionLost
		}
		cb(cause)
	}
}
