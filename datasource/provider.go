// Package datasource orchestrates the ingestion pipeline for one
// configured source: connect, snapshot, infer fields, seed the row store,
// then merge the live stream into it while tracking throughput.
package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nndrao/components-sub001/connection"
	natstransport "github.com/nndrao/components-sub001/connection/transport/nats"
	wstransport "github.com/nndrao/components-sub001/connection/transport/websocket"
	"github.com/nndrao/components-sub001/errors"
	"github.com/nndrao/components-sub001/metric"
	"github.com/nndrao/components-sub001/rowstore"
	"github.com/nndrao/components-sub001/schema"
	"github.com/nndrao/components-sub001/snapshot"
	"github.com/nndrao/components-sub001/stats"
)

// TestResult is what TestConnection reports. It always resolves; a failed
// probe is Success=false with a message, never an error or a hang.
type TestResult struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	SampleRows []rowstore.Row `json:"sample_rows,omitempty"`
}

// TransportFactory builds the transport for a config. Tests swap in the
// in-process broker here.
type TransportFactory func(Config) (connection.Transport, error)

func defaultTransportFactory(c Config) (connection.Transport, error) {
	switch c.Transport {
	case TransportWebSocket:
		return wstransport.New(c.URL)
	case TransportNATS, "":
		name := c.Name
		if name == "" {
			name = "ingest-client"
		}
		// Unique suffix so concurrent pipelines are distinguishable on the
		// server side
		name = fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
		return natstransport.New(c.URL, natstransport.WithName(name))
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "datasource", "transport",
			fmt.Sprintf("unsupported transport %q", c.Transport))
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets a custom logger.
func WithLogger(logger Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetricsRegistry attaches Prometheus metrics, labeled by the config
// name.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(p *Provider) {
		p.registry = registry
	}
}

// WithTransportFactory overrides how the transport is built.
func WithTransportFactory(factory TransportFactory) Option {
	return func(p *Provider) {
		if factory != nil {
			p.transports = factory
		}
	}
}

// Provider is the external interface of the pipeline for one source.
type Provider struct {
	config     Config
	logger     Logger
	registry   *metric.MetricsRegistry
	transports TransportFactory

	tracker *stats.Tracker
	store   *rowstore.Store

	mu        sync.Mutex
	manager   *connection.Manager
	fields    *schema.FieldInfo
	active    bool
	startedAt time.Time

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a Provider from a validated config.
func New(config Config, opts ...Option) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{
		config:     config,
		logger:     &defaultLogger{},
		transports: defaultTransportFactory,
	}
	for _, opt := range opts {
		opt(p)
	}
	if config.Debug {
		p.logger = debugLogger{p.logger}
	}

	statsOpts := []stats.Option{}
	if p.registry != nil {
		statsOpts = append(statsOpts, stats.WithMetrics(p.registry, p.sourceName()))
	}
	p.tracker = stats.NewTracker(statsOpts...)

	policy := rowstore.IgnoreUnknown
	if config.InsertUnknownRows {
		policy = rowstore.InsertUnknown
	}
	p.store = rowstore.New(config.KeyColumn,
		rowstore.WithUnknownKeyPolicy(policy),
		rowstore.WithLogger(p.logger),
	)
	return p, nil
}

func (p *Provider) sourceName() string {
	if p.config.Name != "" {
		return p.config.Name
	}
	return p.config.ListenerTopic
}

// newManager builds a connected manager for the config. Caller closes it.
func (p *Provider) newManager(ctx context.Context, forStream bool) (*connection.Manager, error) {
	transport, err := p.transports(p.config)
	if err != nil {
		return nil, err
	}

	cfg := connection.Config{ConnectTimeout: p.config.connectTimeout()}
	opts := []connection.Option{connection.WithLogger(p.logger)}
	if forStream {
		opts = append(opts, connection.WithStats(p.tracker))
		opts = append(opts, connection.WithStateCallback(p.onStateChange))
		if p.config.Reconnect.Enabled {
			cfg.MaxReconnectAttempts = p.config.Reconnect.MaxAttempts
			cfg.ReconnectWait = time.Duration(p.config.Reconnect.WaitMS) * time.Millisecond
			cfg.MaxReconnectWait = time.Duration(p.config.Reconnect.MaxWaitMS) * time.Millisecond
		} else {
			// One failed reconnect attempt moves the manager to Error
			cfg.MaxReconnectAttempts = 1
			cfg.ReconnectWait = time.Millisecond
		}
		if p.config.HeartbeatTopic != "" && p.config.HeartbeatIntervalMS > 0 {
			opts = append(opts, connection.WithHeartbeat(p.config.HeartbeatTopic,
				time.Duration(p.config.HeartbeatIntervalMS)*time.Millisecond))
		}
	}

	mgr, err := connection.NewManager(transport, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := mgr.Connect(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (p *Provider) onStateChange(s connection.State, reason string) {
	if p.registry != nil {
		p.registry.CoreMetrics().RecordConnectionState(p.sourceName(), int(s))
	}
	if s == connection.StateError {
		p.logger.Errorf("Connection entered error state: %s", reason)
		p.tracker.OnError(reason)
	}
}

func (p *Provider) snapshotConfig() snapshot.Config {
	return snapshot.Config{
		ListenerTopic:  p.config.ListenerTopic,
		RequestTopic:   p.config.RequestTopic,
		TriggerPayload: p.config.triggerBytes(),
		EndToken:       p.config.SnapshotEndToken,
		SettleDelay:    p.config.snapshotSettle(),
		Timeout:        p.config.snapshotTimeout(),
		MaxRows:        p.config.SnapshotMaxRows,
	}
}

// runSnapshot connects, runs one acquisition, and tears the connection
// down. Used by the probe operations; Activate keeps its connection.
func (p *Provider) runSnapshot(ctx context.Context, cfg snapshot.Config) (*snapshot.Result, error) {
	mgr, err := p.newManager(ctx, false)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	var acqOpts []snapshot.Option
	acqOpts = append(acqOpts, snapshot.WithLogger(p.logger))
	if p.registry != nil {
		acqOpts = append(acqOpts, snapshot.WithMetrics(p.registry.CoreMetrics(), p.sourceName()))
	}
	acq, err := snapshot.New(mgr, cfg, acqOpts...)
	if err != nil {
		return nil, err
	}
	return acq.Run(ctx)
}

// TestConnection probes the source: connect, collect a handful of sample
// rows, disconnect. Bounded by the configured timeouts.
func (p *Provider) TestConnection(ctx context.Context) *TestResult {
	cfg := p.snapshotConfig()
	cfg.MaxRows = 10
	if cfg.Timeout > 10*time.Second {
		cfg.Timeout = 10 * time.Second
	}

	res, err := p.runSnapshot(ctx, cfg)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}
	}

	samples := make([]rowstore.Row, 0, len(res.Rows))
	for _, v := range res.Rows {
		if m, ok := v.Interface().(map[string]any); ok {
			samples = append(samples, rowstore.Row(m))
		}
	}
	msg := fmt.Sprintf("received %d rows in %s", len(samples), res.Duration.Round(time.Millisecond))
	if res.Warning != "" {
		msg = res.Warning
	}
	return &TestResult{Success: true, Message: msg, SampleRows: samples}
}

// InferFields snapshots the source and infers the field tree from the
// collected rows. The tree is retained for Fields.
func (p *Provider) InferFields(ctx context.Context) (*schema.FieldInfo, error) {
	res, err := p.runSnapshot(ctx, p.snapshotConfig())
	if err != nil {
		return nil, err
	}
	if res.Warning != "" {
		p.logger.Printf("Field inference on partial data: %s", res.Warning)
	}

	fields := schema.Infer(res.Rows)
	p.mu.Lock()
	p.fields = fields
	p.mu.Unlock()
	return fields, nil
}

// Activate connects, snapshots, seeds the store, and attaches the live
// stream. It returns once the store is seeded and streaming is live.
func (p *Provider) Activate(ctx context.Context) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "datasource", "Activate", "already active")
	}
	p.mu.Unlock()

	mgr, err := p.newManager(ctx, true)
	if err != nil {
		return err
	}

	// The gate is registered before the snapshot handshake so the topic
	// keeps a handler, and with it the transport subscription, when the
	// acquirer releases its own. Live envelopes arriving mid-handshake are
	// held and replayed once the store is seeded.
	gate := &handoverGate{provider: p}
	if _, err := mgr.Subscribe(p.config.ListenerTopic, gate.handle); err != nil {
		mgr.Close()
		return err
	}

	var acqOpts []snapshot.Option
	acqOpts = append(acqOpts, snapshot.WithLogger(p.logger))
	if p.registry != nil {
		acqOpts = append(acqOpts, snapshot.WithMetrics(p.registry.CoreMetrics(), p.sourceName()))
	}
	acq, err := snapshot.New(mgr, p.snapshotConfig(), acqOpts...)
	if err != nil {
		mgr.Close()
		return err
	}
	res, err := acq.Run(ctx)
	if err != nil {
		mgr.Close()
		return err
	}
	if res.Warning != "" {
		p.logger.Printf("Snapshot warning: %s", res.Warning)
	}

	p.seedStore(res.Rows)
	gate.golive()

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return p.pumpStats(groupCtx)
	})

	p.mu.Lock()
	p.manager = mgr
	p.active = true
	p.startedAt = time.Now()
	p.group = group
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Printf("Activated with %d rows", p.store.Len())
	return nil
}

// seedStore replaces the store contents with snapshot rows and records
// the inferred field tree if none was inferred yet.
func (p *Provider) seedStore(values []schema.Value) {
	rows := make([]rowstore.Row, 0, len(values))
	for _, v := range values {
		if m, ok := v.Interface().(map[string]any); ok {
			rows = append(rows, rowstore.Row(m))
		}
	}
	p.store.ApplySnapshot(rows)

	p.mu.Lock()
	if p.fields == nil && len(values) > 0 {
		p.fields = schema.Infer(values)
	}
	p.mu.Unlock()

	if p.registry != nil {
		p.registry.CoreMetrics().RecordStoreRows(p.sourceName(), p.store.Len())
	}
}

// handoverGate is the permanent listener-topic handler for an activated
// provider. Until golive it passes raw snapshot traffic through to the
// acquirer untouched and holds typed live envelopes; afterwards every
// message feeds the merge path directly.
type handoverGate struct {
	provider *Provider

	mu   sync.Mutex
	live bool
	held []connection.Message
}

func (g *handoverGate) handle(msg connection.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.live {
		if _, err := decodeLiveMessage(msg.Data); err != nil {
			// Snapshot rows or the end token, owned by the handshake
			return
		}
		g.held = append(g.held, msg)
		return
	}
	g.provider.handleLiveMessage(msg)
}

// golive replays held envelopes in arrival order, then switches to direct
// delivery. The lock blocks the dispatch goroutine until the replay is
// done so ordering holds across the switch.
func (g *handoverGate) golive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, msg := range g.held {
		g.provider.handleLiveMessage(msg)
	}
	g.held = nil
	g.live = true
}

// handleLiveMessage merges one streamed envelope into the store.
// Malformed payloads are logged and skipped; they never terminate the
// subscription.
func (p *Provider) handleLiveMessage(msg connection.Message) {
	env, err := decodeLiveMessage(msg.Data)
	if err != nil {
		p.logger.Debugf("Skipping malformed live message: %v", err)
		p.tracker.OnError(err.Error())
		return
	}

	switch env.Type {
	case msgTypeInitial, msgTypeSnapshot:
		rows, err := env.manyRows()
		if err != nil {
			p.logger.Errorf("Snapshot replace message rejected: %v", err)
			return
		}
		p.store.ApplySnapshot(rows)

	case msgTypeUpdate:
		row, err := env.oneRow()
		if err != nil {
			p.logger.Errorf("Update message rejected: %v", err)
			return
		}
		key, ok := row[p.config.KeyColumn]
		if !ok {
			p.logger.Debugf("Update without key column %s dropped", p.config.KeyColumn)
			return
		}
		p.store.ApplyUpdate(key, row)

	case msgTypeBatch:
		rows, err := env.manyRows()
		if err != nil {
			p.logger.Errorf("Batch message rejected: %v", err)
			return
		}
		updates := make([]rowstore.Update, 0, len(rows))
		for _, row := range rows {
			key, ok := row[p.config.KeyColumn]
			if !ok {
				continue
			}
			updates = append(updates, rowstore.Update{Key: key, Fields: row})
		}
		p.store.ApplyBatch(updates)

	case msgTypeDelete:
		key := env.Key
		if key == nil {
			row, err := env.oneRow()
			if err == nil {
				key = row[p.config.KeyColumn]
			}
		}
		if key == nil {
			p.logger.Debugf("Delete without key dropped")
			return
		}
		p.store.ApplyDelete(key)

	case msgTypeClear:
		p.store.Clear()

	default:
		p.logger.Debugf("Unknown live message type %q skipped", env.Type)
	}

	if p.registry != nil {
		p.registry.CoreMetrics().RecordStoreRows(p.sourceName(), p.store.Len())
	}
}

// pumpStats pushes the rolling message rate to the metrics on an interval.
func (p *Provider) pumpStats(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := p.tracker.Snapshot()
			if p.registry != nil {
				p.registry.CoreMetrics().RecordMessageRate(p.sourceName(), snap.MessagesPerSecond)
			}
		}
	}
}

// Deactivate detaches the live stream and closes the connection. The
// store keeps its rows so a consumer can still read the last state.
func (p *Provider) Deactivate() error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "datasource", "Deactivate", "not active")
	}
	mgr := p.manager
	cancel := p.cancel
	group := p.group
	p.manager = nil
	p.active = false
	p.cancel = nil
	p.group = nil
	p.mu.Unlock()

	cancel()
	err := mgr.Close()
	if waitErr := group.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	p.logger.Printf("Deactivated")
	return err
}

// Rows returns a deep copy of the current store contents in insertion
// order.
func (p *Provider) Rows() []rowstore.Row {
	return p.store.GetAll()
}

// RowCount returns the number of rows currently in the store.
func (p *Provider) RowCount() int {
	return p.store.Len()
}

// Changes returns the row-change feed and its cancel function.
func (p *Provider) Changes() (<-chan rowstore.ChangeEvent, func()) {
	return p.store.Subscribe()
}

// Stats returns a point-in-time throughput snapshot.
func (p *Provider) Stats() stats.Statistics {
	return p.tracker.Snapshot()
}

// Fields returns the most recently inferred field tree, or nil before any
// inference ran.
func (p *Provider) Fields() *schema.FieldInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fields
}

// ConnectionState reports the live connection state, or Disconnected when
// inactive.
func (p *Provider) ConnectionState() connection.State {
	p.mu.Lock()
	mgr := p.manager
	p.mu.Unlock()
	if mgr == nil {
		return connection.StateDisconnected
	}
	return mgr.State()
}
