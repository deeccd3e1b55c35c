// Package connection manages the lifecycle of a single data-source
// connection: dialing, subscription bookkeeping, buffered message dispatch,
// heartbeats, and automatic reconnection with resubscription.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nndrao/components-sub001/errors"
	"github.com/nndrao/components-sub001/pkg/buffer"
	"github.com/nndrao/components-sub001/pkg/retry"
)

// State describes the connection lifecycle.
type State int32

const (
	// StateDisconnected means no connection is established.
	StateDisconnected State = iota
	// StateConnecting means a dial attempt is in progress.
	StateConnecting
	// StateConnected means the transport is live and dispatching.
	StateConnected
	// StateReconnecting means the connection was lost and a reconnect
	// loop is running.
	StateReconnecting
	// StateError means the manager gave up; Reason holds the cause.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Handler receives messages for a subscribed topic. Handlers run on the
// dispatch goroutine; a slow handler delays delivery for all topics.
type Handler func(Message)

// Subscription represents one registered handler on a topic.
type Subscription struct {
	manager *Manager
	topic   string
	id      uint64
	handler Handler
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes this handler. The transport-level subscription is
// dropped when the last handler for the topic goes away.
func (s *Subscription) Unsubscribe() error {
	return s.manager.unsubscribe(s)
}

// Config controls connection behavior.
type Config struct {
	// ConnectTimeout bounds the initial dial. Zero means 10 seconds.
	ConnectTimeout time.Duration

	// MaxReconnectAttempts caps the reconnect loop after an unexpected
	// disconnect. Zero means retry forever.
	MaxReconnectAttempts int

	// ReconnectWait is the base delay between reconnect attempts.
	// Zero means 500ms.
	ReconnectWait time.Duration

	// MaxReconnectWait caps the exponential backoff. Zero means 30s.
	MaxReconnectWait time.Duration
}

func (c Config) normalize() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.MaxReconnectWait <= 0 {
		c.MaxReconnectWait = 30 * time.Second
	}
	return c
}

// Manager owns one transport connection and fans inbound messages out to
// topic handlers in arrival order.
type Manager struct {
	transport Transport
	config    Config
	logger    Logger
	tracker   statsTracker

	onStateChange     func(State, string)
	queueSize         int
	heartbeatTopic    string
	heartbeatInterval time.Duration

	state       atomic.Int32
	stateReason atomic.Pointer[string]

	mu      sync.Mutex
	subs    map[string][]*Subscription
	nextSub uint64
	closed  bool

	queue *buffer.Ring[Message]

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	wg             sync.WaitGroup

	reconnectGen atomic.Uint64
}

// statsTracker is the slice of stats.Tracker the manager needs. Kept as an
// interface so tests can observe the tap.
type statsTracker interface {
	OnMessage(bytes int)
	OnPublish(destination string)
	OnError(message string)
	OnConnect()
	OnDisconnect()
	OnReconnect()
}

// NewManager creates a Manager over the given transport. The manager is
// idle until Connect is called.
func NewManager(transport Transport, config Config, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "connection", "NewManager", "transport is required")
	}
	m := &Manager{
		transport: transport,
		config:    config.normalize(),
		logger:    &defaultLogger{},
		queueSize: 4096,
		subs:      make(map[string][]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// StateReason returns the explanation for the current state, if any.
// Populated for StateError and StateReconnecting.
func (m *Manager) StateReason() string {
	if p := m.stateReason.Load(); p != nil {
		return *p
	}
	return ""
}

func (m *Manager) setState(s State, reason string) {
	m.state.Store(int32(s))
	m.stateReason.Store(&reason)
	if m.onStateChange != nil {
		go m.onStateChange(s, reason)
	}
}

// Connect dials the transport and starts the dispatch loop. It blocks until
// the connection is established, the configured timeout elapses, or ctx is
// cancelled. Calling Connect on a live manager returns ErrAlreadyStarted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "connection", "Connect", "manager is closed")
	}
	switch State(m.state.Load()) {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "connection", "Connect", "already connected")
	}
	m.mu.Unlock()

	m.setState(StateConnecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	if err := m.dial(dialCtx); err != nil {
		m.setState(StateDisconnected, err.Error())
		if dialCtx.Err() == context.DeadlineExceeded {
			return errors.WrapTransient(errors.ErrConnectTimeout, "connection", "Connect",
				fmt.Sprintf("dial timed out after %s", m.config.ConnectTimeout))
		}
		return errors.WrapTransient(err, "connection", "Connect", "dial failed")
	}

	// The dispatch queue and its loops survive reconnects, so only the
	// first Connect creates them. A later explicit Connect, after the
	// reconnect loop gave up, reuses them.
	m.mu.Lock()
	started := m.queue != nil
	if !started {
		queue, err := buffer.NewRing[Message](m.queueSize, buffer.DropOldest)
		if err != nil {
			m.mu.Unlock()
			return errors.WrapFatal(err, "connection", "Connect", "dispatch queue allocation failed")
		}
		m.queue = queue
		m.dispatchCtx, m.dispatchCancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	if !started {
		m.wg.Add(1)
		go m.dispatchLoop()

		if m.heartbeatTopic != "" && m.heartbeatInterval > 0 {
			m.wg.Add(1)
			go m.heartbeatLoop()
		}
	}

	// Topics registered before this dial, including those from a previous
	// connection, get their transport subscriptions re-issued here.
	if err := m.resubscribe(); err != nil {
		_ = m.transport.Close()
		m.setState(StateDisconnected, err.Error())
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "connection", "Connect",
			fmt.Sprintf("subscription replay failed: %v", err))
	}

	m.setState(StateConnected, "")
	if m.tracker != nil {
		m.tracker.OnConnect()
	}
	m.logger.Printf("Connected")
	return nil
}

func (m *Manager) dial(ctx context.Context) error {
	gen := m.reconnectGen.Load()
	return m.transport.Dial(ctx, DialOptions{
		OnMessage: m.enqueue,
		OnClosed: func(err error) {
			m.handleClosed(gen, err)
		},
	})
}

func (m *Manager) enqueue(msg Message) {
	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if queue == nil {
		return
	}
	if m.tracker != nil {
		m.tracker.OnMessage(len(msg.Data))
	}
	if err := queue.Write(msg); err != nil {
		m.logger.Debugf("Dropping message on topic %s: %v", msg.Topic, err)
	}
}

// dispatchLoop drains the queue and invokes handlers in arrival order.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.dispatchCtx.Done():
			m.drainQueue()
			return
		case <-ticker.C:
			m.drainQueue()
		}
	}
}

func (m *Manager) drainQueue() {
	m.mu.Lock()
	queue := m.queue
	m.mu.Unlock()
	if queue == nil {
		return
	}
	for {
		batch := queue.ReadBatch(64)
		if len(batch) == 0 {
			return
		}
		for _, msg := range batch {
			m.deliver(msg)
		}
	}
}

func (m *Manager) deliver(msg Message) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[msg.Topic]))
	for _, sub := range m.subs[msg.Topic] {
		handlers = append(handlers, sub.handler)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.dispatchCtx.Done():
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				continue
			}
			if err := m.Publish(m.heartbeatTopic, []byte(`{"type":"heartbeat"}`)); err != nil {
				m.logger.Debugf("Heartbeat publish failed: %v", err)
			}
		}
	}
}

// Subscribe registers a handler for a topic. The first handler on a topic
// establishes the transport-level subscription; later handlers share it.
// Handlers on the same topic run in registration order.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, errors.WrapInvalid(errors.ErrSubscriptionFailed, "connection", "Subscribe", "topic is required")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrSubscriptionFailed, "connection", "Subscribe", "handler is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "connection", "Subscribe", "manager is closed")
	}
	first := len(m.subs[topic]) == 0
	m.nextSub++
	sub := &Subscription{manager: m, topic: topic, id: m.nextSub, handler: handler}
	m.subs[topic] = append(m.subs[topic], sub)
	connected := m.State() == StateConnected
	m.mu.Unlock()

	if first && connected {
		if err := m.transport.Subscribe(topic); err != nil {
			m.mu.Lock()
			m.removeSub(sub)
			m.mu.Unlock()
			return nil, errors.WrapTransient(errors.ErrSubscriptionFailed, "connection", "Subscribe",
				fmt.Sprintf("subscribe to %s failed: %v", topic, err))
		}
	}
	return sub, nil
}

func (m *Manager) unsubscribe(sub *Subscription) error {
	m.mu.Lock()
	last := m.removeSub(sub)
	connected := m.State() == StateConnected
	m.mu.Unlock()

	if last && connected {
		if err := m.transport.Unsubscribe(sub.topic); err != nil {
			return errors.WrapTransient(err, "connection", "Unsubscribe",
				fmt.Sprintf("unsubscribe from %s failed", sub.topic))
		}
	}
	return nil
}

// removeSub drops sub from its topic list. Caller holds mu. Returns true
// when the topic has no handlers left.
func (m *Manager) removeSub(sub *Subscription) bool {
	list := m.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			m.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[sub.topic]) == 0 {
		delete(m.subs, sub.topic)
		return true
	}
	return false
}

// Publish sends data on a topic. Fails unless connected.
func (m *Manager) Publish(topic string, data []byte) error {
	if m.State() != StateConnected {
		return errors.WrapTransient(errors.ErrNotConnected, "connection", "Publish", "not connected")
	}
	if err := m.transport.Publish(topic, data); err != nil {
		if m.tracker != nil {
			m.tracker.OnError(err.Error())
		}
		return errors.WrapTransient(err, "connection", "Publish",
			fmt.Sprintf("publish to %s failed", topic))
	}
	if m.tracker != nil {
		m.tracker.OnPublish(topic)
	}
	return nil
}

// handleClosed runs when the transport reports an unexpected disconnect.
// gen guards against callbacks from a superseded connection.
func (m *Manager) handleClosed(gen uint64, cause error) {
	if !m.reconnectGen.CompareAndSwap(gen, gen+1) {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	reason := "connection lost"
	if cause != nil {
		reason = cause.Error()
	}
	m.logger.Errorf("Connection lost: %s", reason)
	if m.tracker != nil {
		m.tracker.OnDisconnect()
		m.tracker.OnError(reason)
	}
	m.setState(StateReconnecting, reason)

	m.wg.Add(1)
	go m.reconnectLoop(gen + 1)
}

// reconnectLoop retries the dial with exponential backoff, then re-issues
// every registered transport subscription so handlers keep working across
// the gap.
func (m *Manager) reconnectLoop(gen uint64) {
	defer m.wg.Done()

	backoff := retry.NewBackoff(retry.Config{
		InitialDelay: m.config.ReconnectWait,
		MaxDelay:     m.config.MaxReconnectWait,
		Multiplier:   2.0,
		AddJitter:    true,
	})

	for {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed || m.reconnectGen.Load() != gen {
			return
		}

		if m.config.MaxReconnectAttempts > 0 && backoff.Attempts() >= m.config.MaxReconnectAttempts {
			m.logger.Errorf("Reconnect gave up after %d attempts", backoff.Attempts())
			m.setState(StateError, fmt.Sprintf("reconnect failed after %d attempts", backoff.Attempts()))
			return
		}

		delay := backoff.Next()
		select {
		case <-time.After(delay):
		case <-m.dispatchCtx.Done():
			return
		}

		if m.tracker != nil {
			m.tracker.OnReconnect()
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
		err := m.dial(dialCtx)
		cancel()
		if err != nil {
			m.logger.Debugf("Reconnect attempt %d failed: %v", backoff.Attempts(), err)
			continue
		}

		if err := m.resubscribe(); err != nil {
			m.logger.Errorf("Resubscribe after reconnect failed: %v", err)
			_ = m.transport.Close()
			continue
		}

		m.setState(StateConnected, "")
		if m.tracker != nil {
			m.tracker.OnConnect()
		}
		m.logger.Printf("Reconnected after %d attempts", backoff.Attempts())
		return
	}
}

func (m *Manager) resubscribe() error {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	m.mu.Unlock()

	for _, topic := range topics {
		if err := m.transport.Subscribe(topic); err != nil {
			return fmt.Errorf("connection.resubscribe: subscribe to %s failed: %w", topic, err)
		}
	}
	return nil
}

// Close tears the connection down. Queued messages already read by the
// dispatch loop are delivered first; no reconnect is attempted.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.dispatchCancel
	queue := m.queue
	m.mu.Unlock()

	m.reconnectGen.Add(1)

	err := m.transport.Close()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	if queue != nil {
		queue.Close()
	}

	if m.tracker != nil && m.State() == StateConnected {
		m.tracker.OnDisconnect()
	}
	m.setState(StateDisconnected, "")
	m.logger.Printf("Closed")
	return err
}
