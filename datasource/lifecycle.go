package datasource

import (
	"context"
	"time"

	"github.com/nndrao/components-sub001/component"
	"github.com/nndrao/components-sub001/connection"
)

// The provider slots into a component manager as a standard lifecycle
// component: Initialize validates, Start activates, Stop deactivates.

// Meta implements component.Discoverable.
func (p *Provider) Meta() component.Metadata {
	return component.Metadata{
		Name:        p.sourceName(),
		Type:        "datasource",
		Description: "push-based data source ingestion pipeline",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (p *Provider) Health() component.HealthStatus {
	snap := p.tracker.Snapshot()

	p.mu.Lock()
	active := p.active
	startedAt := p.startedAt
	p.mu.Unlock()

	var uptime time.Duration
	if active {
		uptime = time.Since(startedAt)
	}
	healthy := active && p.ConnectionState() == connection.StateConnected
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(snap.Errors),
		LastError:  snap.LastError,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (p *Provider) DataFlow() component.FlowMetrics {
	snap := p.tracker.Snapshot()
	var errorRate float64
	if snap.MessagesReceived > 0 {
		errorRate = float64(snap.Errors) / float64(snap.MessagesReceived)
	}
	return component.FlowMetrics{
		MessagesPerSecond: snap.MessagesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      snap.LastMessageAt,
	}
}

// Initialize implements component.LifecycleComponent. The config was
// validated at construction, so there is nothing left to set up.
func (p *Provider) Initialize() error {
	return nil
}

// Start implements component.LifecycleComponent.
func (p *Provider) Start(ctx context.Context) error {
	return p.Activate(ctx)
}

// Stop implements component.LifecycleComponent. The timeout is advisory;
// deactivation closes the connection and waits for the workers.
func (p *Provider) Stop(_ time.Duration) error {
	return p.Deactivate()
}
