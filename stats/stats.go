// Package stats tracks connection and throughput statistics for a data
// source: message, byte and error counters, connection timestamps, the last
// error string, and a trailing-window message rate.
//
// Counters are monotonic across reconnects; only an explicit Reset clears
// them. The clock is injectable so rate behavior is testable.
package stats

import (
	"sync"
	"time"

	"github.com/nndrao/components-sub001/metric"
)

// DefaultWindow is the trailing window for the message rate.
const DefaultWindow = 5 * time.Second

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Statistics is a point-in-time snapshot of a tracker.
type Statistics struct {
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesPublished uint64    `json:"messages_published"`
	BytesReceived     uint64    `json:"bytes_received"`
	Errors            uint64    `json:"errors"`
	Reconnects        uint64    `json:"reconnects"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	ConnectedAt       time.Time `json:"connected_at"`
	LastMessageAt     time.Time `json:"last_message_at"`
	DisconnectedAt    time.Time `json:"disconnected_at"`
	LastError         string    `json:"last_error,omitempty"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a clock, used by tests to verify window behavior.
func WithClock(now Clock) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithWindow sets the trailing window for the message rate.
func WithWindow(window time.Duration) Option {
	return func(t *Tracker) {
		if window > 0 {
			t.window = window
		}
	}
}

// WithMetrics mirrors tracker updates into the core Prometheus metrics
// under the given source label.
func WithMetrics(registry *metric.MetricsRegistry, source string) Option {
	return func(t *Tracker) {
		if registry != nil {
			t.metrics = registry.CoreMetrics()
			t.source = source
		}
	}
}

// Tracker accumulates statistics for one data source.
type Tracker struct {
	mu     sync.Mutex
	now    Clock
	window time.Duration

	messagesReceived  uint64
	messagesPublished uint64
	bytesReceived     uint64
	errors            uint64
	reconnects        uint64

	connectedAt    time.Time
	lastMessageAt  time.Time
	disconnectedAt time.Time
	lastError      string

	// Arrival times of messages inside the trailing window, oldest first.
	arrivals []time.Time

	metrics *metric.Metrics
	source  string
}

// NewTracker creates a tracker with the default 5s rate window.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:    time.Now,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnMessage records one received message of the given byte size.
func (t *Tracker) OnMessage(byteSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.messagesReceived++
	if byteSize > 0 {
		t.bytesReceived += uint64(byteSize)
	}
	t.lastMessageAt = now
	t.arrivals = append(t.arrivals, now)
	t.trimLocked(now)

	if t.metrics != nil {
		t.metrics.RecordMessageReceived(t.source, "", byteSize)
		t.metrics.RecordMessageRate(t.source, t.rateLocked())
	}
}

// OnPublish records one published message to the given destination.
func (t *Tracker) OnPublish(destination string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messagesPublished++

	if t.metrics != nil {
		t.metrics.RecordMessagePublished(t.source, destination)
	}
}

// OnReconnect records one reconnect attempt.
func (t *Tracker) OnReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reconnects++

	if t.metrics != nil {
		t.metrics.RecordReconnect(t.source)
	}
}

// OnError records an error. The message becomes the tracker's last error.
func (t *Tracker) OnError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errors++
	t.lastError = message

	if t.metrics != nil {
		t.metrics.RecordError(t.source, "pipeline")
	}
}

// OnConnect records a successful connection.
func (t *Tracker) OnConnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectedAt = t.now()
}

// OnDisconnect records a disconnection.
func (t *Tracker) OnDisconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectedAt = t.now()
}

// Snapshot returns the current statistics.
func (t *Tracker) Snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.trimLocked(now)

	return Statistics{
		MessagesReceived:  t.messagesReceived,
		MessagesPublished: t.messagesPublished,
		BytesReceived:     t.bytesReceived,
		Errors:            t.errors,
		Reconnects:        t.reconnects,
		MessagesPerSecond: t.rateLocked(),
		ConnectedAt:       t.connectedAt,
		LastMessageAt:     t.lastMessageAt,
		DisconnectedAt:    t.disconnectedAt,
		LastError:         t.lastError,
	}
}

// Reset clears all counters and timestamps. Reconnects never call this;
// the collaborator asks for a hard reset explicitly.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messagesReceived = 0
	t.messagesPublished = 0
	t.bytesReceived = 0
	t.errors = 0
	t.reconnects = 0
	t.connectedAt = time.Time{}
	t.lastMessageAt = time.Time{}
	t.disconnectedAt = time.Time{}
	t.lastError = ""
	t.arrivals = nil
}

// trimLocked drops arrival records older than the window. Callers hold mu.
func (t *Tracker) trimLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.arrivals) && !t.arrivals[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.arrivals = append(t.arrivals[:0], t.arrivals[i:]...)
	}
}

// rateLocked computes messages per second over the trailing window.
// Callers hold mu and have already trimmed stale arrivals.
func (t *Tracker) rateLocked() float64 {
	if len(t.arrivals) == 0 {
		return 0
	}
	return float64(len(t.arrivals)) / t.window.Seconds()
}
