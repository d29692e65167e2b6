// Package ticker pushes periodic queue snapshots to dashboard clients
package ticker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// QueueSource reports queue state per tenant
type QueueSource interface {
	Tenants(ctx context.Context) ([]string, error)
	QueueStatus(ctx context.Context, tenantID string) (*types.QueueStatus, error)
}

// Broadcaster delivers a message to a tenant's clients
type Broadcaster interface {
	BroadcastTenant(tenantID string, message []byte) error
	ClientCount() int
}

// Ticker periodically broadcasts queue snapshots
type Ticker struct {
	source   QueueSource
	hub      Broadcaster
	metrics  *metrics.Metrics
	interval time.Duration
	logger   zerolog.Logger

	// tenants that had a queue on the previous tick, so an emptied queue
	// still gets one final snapshot
	previous map[string]bool
}

// NewTicker creates a new Ticker
func NewTicker(source QueueSource, hub Broadcaster, m *metrics.Metrics, interval time.Duration, logger zerolog.Logger) *Ticker {
	if m == nil {
		m = metrics.Get()
	}
	return &Ticker{
		source:   source,
		hub:      hub,
		metrics:  m,
		interval: interval,
		logger:   logger.With().Str("component", "ticker").Logger(),
		previous: make(map[string]bool),
	}
}

// Start begins broadcasting snapshots until ctx is cancelled
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case now := <-ticker.C:
			t.Tick(ctx, now)
		}
	}
}

// Tick broadcasts one round of snapshots
func (t *Ticker) Tick(ctx context.Context, now time.Time) {
	tenants, err := t.source.Tenants(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to list tenants")
		return
	}

	current := make(map[string]bool, len(tenants))
	for _, id := range tenants {
		current[id] = true
	}
	for id := range t.previous {
		if !current[id] {
			tenants = append(tenants, id)
		}
	}
	t.previous = current

	for _, tenantID := range tenants {
		qs, err := t.source.QueueStatus(ctx, tenantID)
		if err != nil {
			t.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to read queue status")
			continue
		}
		t.metrics.SetQueueDepth(tenantID, qs.QueueLength)

		data, err := snapshot(tenantID, qs, now)
		if err != nil {
			t.logger.Error().Err(err).Msg("failed to marshal queue snapshot")
			continue
		}
		if err := t.hub.BroadcastTenant(tenantID, data); err != nil {
			t.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("queue snapshot dropped")
			continue
		}
		t.logger.Debug().
			Str("tenant_id", tenantID).
			Int("queue_depth", qs.QueueLength).
			Int("clients", t.hub.ClientCount()).
			Msg("broadcasted queue snapshot")
	}
}

// snapshot wraps a queue status in the event envelope
func snapshot(tenantID string, qs *types.QueueStatus, now time.Time) ([]byte, error) {
	body, err := json.Marshal(qs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.Event{
		Type:      types.EventQueueSnapshot,
		TenantID:  tenantID,
		Timestamp: now.UTC(),
		Data:      body,
	})
}
