package connection

import (
	"log"
	"time"

	"github.com/nndrao/components-sub001/stats"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[CONN] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[CONN ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// Option is a functional option for configuring the Manager
type Option func(*Manager)

// WithLogger sets a custom logger for the manager
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithStats attaches a statistics tracker. Every inbound message is counted
// before handler dispatch; connection transitions record timestamps.
func WithStats(tracker *stats.Tracker) Option {
	return func(m *Manager) {
		m.tracker = tracker
	}
}

// WithStateCallback registers a hook invoked on every state transition.
// The callback runs on its own goroutine and must not be assumed ordered
// with message delivery.
func WithStateCallback(fn func(State, string)) Option {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// WithDispatchQueueSize overrides the bounded dispatch queue capacity.
func WithDispatchQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithHeartbeat publishes a heartbeat frame to the given topic at the given
// interval while connected.
func WithHeartbeat(topic string, interval time.Duration) Option {
	return func(m *Manager) {
		m.heartbeatTopic = topic
		m.heartbeatInterval = interval
	}
}
