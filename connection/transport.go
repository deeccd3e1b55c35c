// Package connection manages one duplex connection to a push-based
// messaging endpoint: connect with timeout, heartbeats, reconnect with
// backoff, and topic publish/subscribe primitives. The physical channel is
// abstracted behind the Transport interface so NATS, WebSocket and the
// in-process test broker plug in interchangeably.
package connection

import "context"

// Message is one inbound message from the endpoint.
type Message struct {
	Topic string
	Data  []byte
}

// DialOptions carries the callbacks a transport invokes for the lifetime of
// one dialed connection. OnMessage is called from the transport's read
// loop; implementations must call it in arrival order per topic. OnClosed
// is called once when the channel closes unexpectedly.
type DialOptions struct {
	OnMessage func(Message)
	OnClosed  func(error)
}

// Transport is a duplex messaging channel. Implementations are not safe to
// dial concurrently; the Manager serializes lifecycle calls.
type Transport interface {
	// Dial establishes the channel. The context bounds the handshake.
	Dial(ctx context.Context, opts DialOptions) error

	// Publish sends a message to a destination topic.
	Publish(topic string, data []byte) error

	// Subscribe expresses interest in a topic. Messages arrive via the
	// dial options' OnMessage callback.
	Subscribe(topic string) error

	// Unsubscribe releases interest in a topic.
	Unsubscribe(topic string) error

	// Close tears the channel down. A deliberate Close must not trigger
	// the OnClosed callback.
	Close() error
}
