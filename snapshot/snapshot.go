// Package snapshot drives the request/response handshake that loads the
// initial data set from a source: subscribe to the listener topic, send the
// trigger message, accumulate rows until the end token or a timeout, then
// hand the result back for store seeding and field inference.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nndrao/components-sub001/connection"
	"github.com/nndrao/components-sub001/errors"
	"github.com/nndrao/components-sub001/metric"
	"github.com/nndrao/components-sub001/schema"
)

// State tracks the acquirer through its handshake.
type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateAwaitingTrigger
	StateCollecting
	StateDone
	StateTimedOut
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateAwaitingTrigger:
		return "awaiting_trigger"
	case StateCollecting:
		return "collecting"
	case StateDone:
		return "done"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// terminal reports whether the state ends the handshake.
func (s State) terminal() bool {
	return s == StateDone || s == StateTimedOut || s == StateFailed || s == StateCancelled
}

// Config controls one snapshot acquisition.
type Config struct {
	// ListenerTopic receives snapshot rows. Required.
	ListenerTopic string

	// RequestTopic is where the trigger is published. Required unless
	// TriggerPayload is empty.
	RequestTopic string

	// TriggerPayload is the message that asks the far end to start
	// publishing. Empty means passive mode: collect without triggering.
	TriggerPayload []byte

	// EndToken marks end-of-snapshot when it appears as a substring of a
	// raw inbound message. The token-bearing message contributes no rows.
	// Empty means only the timeout or row cap ends collection.
	EndToken string

	// SettleDelay is how long to wait after subscribing before sending
	// the trigger, so the subscription can propagate. Zero means 1s.
	SettleDelay time.Duration

	// Timeout bounds the collecting phase. Zero means 30s.
	Timeout time.Duration

	// MaxRows ends collection early once this many rows are accumulated.
	// Zero means unbounded.
	MaxRows int
}

func (c Config) normalize() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Result is the outcome of one acquisition. Rows preserve arrival order.
type Result struct {
	Rows     []schema.Value
	State    State
	Warning  string
	Messages int
	Duration time.Duration
}

// Conn is the slice of the connection manager the acquirer needs.
type Conn interface {
	Subscribe(topic string, handler connection.Handler) (*connection.Subscription, error)
	Publish(topic string, data []byte) error
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithLogger sets a custom logger.
func WithLogger(logger Logger) Option {
	return func(a *Acquirer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records snapshot outcomes to the given metrics under the
// given source label.
func WithMetrics(m *metric.Metrics, source string) Option {
	return func(a *Acquirer) {
		a.metrics = m
		a.source = source
	}
}

// Acquirer runs the snapshot handshake over an established connection.
// One acquirer serves one Run; create a fresh one per attempt.
type Acquirer struct {
	conn    Conn
	config  Config
	logger  Logger
	metrics *metric.Metrics
	source  string

	state atomic.Int32
}

// New creates an Acquirer. The connection must already be established.
func New(conn Conn, config Config, opts ...Option) (*Acquirer, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "snapshot", "New", "connection is required")
	}
	if config.ListenerTopic == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "snapshot", "New", "listener topic is required")
	}
	if len(config.TriggerPayload) > 0 && config.RequestTopic == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "snapshot", "New", "request topic is required when a trigger is configured")
	}
	a := &Acquirer{
		conn:   conn,
		config: config.normalize(),
		logger: &defaultLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// State returns the current handshake state.
func (a *Acquirer) State() State {
	return State(a.state.Load())
}

func (a *Acquirer) setState(s State) {
	a.state.Store(int32(s))
}

// Run performs the acquisition. It returns a non-nil Result for every
// resolved outcome, including TimedOut with partial rows; the error is
// non-nil only for Failed and Cancelled.
func (a *Acquirer) Run(ctx context.Context) (*Result, error) {
	if !a.state.CompareAndSwap(int32(StateIdle), int32(StateSubscribing)) {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "snapshot", "Run", "acquirer already ran")
	}

	start := time.Now()

	// Buffered so the manager's dispatch goroutine never blocks on us.
	msgCh := make(chan connection.Message, 1024)
	sub, err := a.conn.Subscribe(a.config.ListenerTopic, func(msg connection.Message) {
		select {
		case msgCh <- msg:
		default:
			// Collector is behind; the row cap and timeout still bound us
		}
	})
	if err != nil {
		a.setState(StateFailed)
		return nil, errors.WrapTransient(errors.ErrSnapshotFailed, "snapshot", "Run",
			fmt.Sprintf("subscribe to %s failed: %v", a.config.ListenerTopic, err))
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Debugf("Unsubscribe after snapshot failed: %v", err)
		}
	}()

	var settleC <-chan time.Time
	var collectC <-chan time.Time

	// Timers are stopped on every terminal transition so nothing fires
	// after the handshake resolved.
	var settleTimer, collectTimer *time.Timer
	stopTimers := func() {
		if settleTimer != nil {
			settleTimer.Stop()
		}
		if collectTimer != nil {
			collectTimer.Stop()
		}
	}
	defer stopTimers()

	startCollecting := func() {
		a.setState(StateCollecting)
		collectTimer = time.NewTimer(a.config.Timeout)
		collectC = collectTimer.C
	}

	if len(a.config.TriggerPayload) > 0 {
		a.setState(StateAwaitingTrigger)
		settleTimer = time.NewTimer(a.config.SettleDelay)
		settleC = settleTimer.C
	} else {
		// Passive mode: no trigger to send, collect until token or timeout
		startCollecting()
	}

	var rows []schema.Value
	messages := 0

	finish := func(s State) *Result {
		stopTimers()
		a.setState(s)
		res := &Result{
			Rows:     rows,
			State:    s,
			Messages: messages,
			Duration: time.Since(start),
		}
		if s == StateTimedOut {
			if len(rows) == 0 {
				res.Warning = "snapshot timed out with no rows"
			} else {
				res.Warning = fmt.Sprintf("snapshot timed out with %d rows collected", len(rows))
			}
		}
		if a.metrics != nil {
			a.metrics.RecordSnapshot(a.source, s.String(), len(rows), res.Duration)
		}
		return res
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Printf("Snapshot cancelled after %d rows", len(rows))
			res := finish(StateCancelled)
			return res, errors.WrapTransient(errors.ErrSnapshotCancelled, "snapshot", "Run", "context cancelled")

		case <-settleC:
			settleC = nil
			if err := a.conn.Publish(a.config.RequestTopic, a.config.TriggerPayload); err != nil {
				a.logger.Errorf("Trigger publish failed: %v", err)
				res := finish(StateFailed)
				return res, errors.WrapTransient(errors.ErrSnapshotFailed, "snapshot", "Run",
					fmt.Sprintf("trigger publish to %s failed: %v", a.config.RequestTopic, err))
			}
			a.logger.Debugf("Trigger sent to %s", a.config.RequestTopic)
			startCollecting()

		case <-collectC:
			a.logger.Printf("Snapshot timed out with %d rows", len(rows))
			return finish(StateTimedOut), nil

		case msg := <-msgCh:
			messages++
			if a.config.EndToken != "" && strings.Contains(string(msg.Data), a.config.EndToken) {
				a.logger.Printf("Snapshot complete: %d rows in %d messages", len(rows), messages)
				return finish(StateDone), nil
			}
			parsed, err := schema.ParseRows(msg.Data)
			if err != nil {
				a.logger.Debugf("Skipping unparseable snapshot message: %v", err)
				continue
			}
			rows = append(rows, parsed...)
			if a.config.MaxRows > 0 && len(rows) >= a.config.MaxRows {
				rows = rows[:a.config.MaxRows]
				a.logger.Printf("Snapshot row cap %d reached", a.config.MaxRows)
				return finish(StateDone), nil
			}
		}
	}
}
