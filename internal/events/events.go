// Package events delivers lifecycle notifications to external consumers.
// Delivery happens off the request path: Publish only enqueues, and a
// single Run loop fans each event out to every configured sink.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher accepts events for asynchronous delivery. Publish must not
// block on I/O.
type Publisher interface {
	Publish(ctx context.Context, ev types.Event)
}

// Sink is one delivery target
type Sink interface {
	Name() string
	Send(ctx context.Context, ev types.Event, payload []byte) error
	Close() error
}

// Dispatcher buffers events and fans them out to sinks
type Dispatcher struct {
	events      chan types.Event
	sinks       []Sink
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher with the given buffer size
func NewDispatcher(buffer int, m *metrics.Metrics, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Dispatcher{
		events:      make(chan types.Event, buffer),
		sinks:       sinks,
		sendTimeout: 5 * time.Second,
		metrics:     m,
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// Publish enqueues ev. When the buffer is full the event is dropped.
func (d *Dispatcher) Publish(_ context.Context, ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case d.events <- ev:
		d.metrics.RecordEventPublished()
	default:
		d.metrics.RecordEventDropped()
		d.logger.Warn().
			Str("type", string(ev.Type)).
			Str("tenant_id", ev.TenantID).
			Str("chat_id", ev.ChatID).
			Msg("event buffer full, dropping event")
	}
}

// Run delivers events until ctx is cancelled. Anything still buffered at
// that point is delivered with a fresh deadline before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Int("sinks", len(d.sinks)).Msg("event dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.logger.Info().Msg("event dispatcher stopped")
			return
		case ev := <-d.events:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev types.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := s.Send(sendCtx, ev, payload)
		cancel()
		if err != nil {
			d.metrics.RecordSinkError(s.Name())
			d.logger.Warn().
				Err(err).
				Str("sink", s.Name()).
				Str("type", string(ev.Type)).
				Str("chat_id", ev.ChatID).
				Msg("event delivery failed")
		}
	}
}

// Close closes every sink
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev types.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the published event types in order
func (r *Recorder) Types() []types.EventType {
	evs := r.Events()
	out := make([]types.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// Reset forgets recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
