// Package reconcile runs the scheduled safety jobs: projection checks
// with a safety sweep, overlong-wait warnings and the optional
// auto-abandon of stale chats.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/router"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Engine is the part of the router the jobs drive
type Engine interface {
	Tenants(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context, tenantID string) (*router.ReconcileReport, error)
	Sweep(ctx context.Context, tenantID string) ([]router.Assignment, error)
	LongWaits(ctx context.Context, tenantID string, maxWait time.Duration) ([]types.Chat, error)
	NotifyWaitExceeded(ctx context.Context, chat *types.Chat)
	AbandonStale(ctx context.Context, tenantID string, maxWait time.Duration) (int, error)
}

// Options configures the jobs. A zero MaxQueueWait or AbandonAfter
// disables that job.
type Options struct {
	ReconcileSchedule string
	WarnSchedule      string
	MaxQueueWait      time.Duration
	AbandonAfter      time.Duration
	JobTimeout        time.Duration
}

// Manager owns the cron scheduler
type Manager struct {
	cron    *cron.Cron
	engine  Engine
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	warned map[string]bool // chats already warned about
}

// NewManager creates a manager with seconds precision schedules
func NewManager(engine Engine, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if opts.ReconcileSchedule == "" {
		opts.ReconcileSchedule = "0 */1 * * * *"
	}
	if opts.WarnSchedule == "" {
		opts.WarnSchedule = "*/30 * * * * *"
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.Get()
	}
	logger = logger.With().Str("component", "reconcile").Logger()

	cronLogger := cron.PrintfLogger(&logger)
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Manager{
		cron:    c,
		engine:  engine,
		opts:    opts,
		metrics: m,
		logger:  logger,
		warned:  make(map[string]bool),
	}
}

// Start registers the jobs and starts the scheduler
func (m *Manager) Start() error {
	if err := m.registerJobs(); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info().
		Str("reconcile_schedule", m.opts.ReconcileSchedule).
		Dur("max_queue_wait", m.opts.MaxQueueWait).
		Dur("abandon_after", m.opts.AbandonAfter).
		Msg("scheduled jobs started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info().Msg("scheduled jobs stopped")
}

func (m *Manager) registerJobs() error {
	jobs := []struct {
		name     string
		schedule string
		enabled  bool
		run      func(ctx context.Context) error
	}{
		{"reconcile", m.opts.ReconcileSchedule, true, m.ReconcileAll},
		{"wait_warnings", m.opts.WarnSchedule, m.opts.MaxQueueWait > 0, m.WarnLongWaits},
		{"abandon_stale", m.opts.ReconcileSchedule, m.opts.AbandonAfter > 0, m.AbandonStale},
	}

	for _, job := range jobs {
		if !job.enabled {
			continue
		}
		job := job
		_, err := m.cron.AddFunc(job.schedule, func() { m.runJob(job.name, job.run) })
		if err != nil {
			return fmt.Errorf("schedule %s job %q: %w", job.name, job.schedule, err)
		}
	}
	return nil
}

func (m *Manager) runJob(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		m.logger.Error().Err(err).Str("job", name).Msg("job failed")
		return
	}
	m.logger.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("job completed")
}

// ReconcileAll rebuilds every active tenant's queue projection and then
// sweeps it, so a missed follow-up sweep never leaves chats stranded
func (m *Manager) ReconcileAll(ctx context.Context) error {
	tenants, err := m.engine.Tenants(ctx)
	if err != nil {
		return err
	}

	drifted := 0
	for _, tenantID := range tenants {
		report, err := m.engine.Reconcile(ctx, tenantID)
		if err != nil {
			m.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("reconcile failed")
			continue
		}
		if report.QueueDrift {
			drifted++
		}

		assigned, err := m.engine.Sweep(ctx, tenantID)
		if err != nil {
			m.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("safety sweep failed")
			continue
		}
		if len(assigned) > 0 {
			m.logger.Info().
				Str("tenant_id", tenantID).
				Int("assigned", len(assigned)).
				Msg("safety sweep assigned chats")
		}
	}
	m.metrics.RecordReconcile(drifted)
	return nil
}

// WarnLongWaits publishes one warning per chat that has waited longer
// than MaxQueueWait. Chats stay queued.
func (m *Manager) WarnLongWaits(ctx context.Context) error {
	tenants, err := m.engine.Tenants(ctx)
	if err != nil {
		return err
	}

	current := make(map[string]bool)
	for _, tenantID := range tenants {
		chats, err := m.engine.LongWaits(ctx, tenantID, m.opts.MaxQueueWait)
		if err != nil {
			m.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("long wait check failed")
			continue
		}
		for i := range chats {
			chat := &chats[i]
			current[chat.ID] = true

			m.mu.Lock()
			seen := m.warned[chat.ID]
			m.mu.Unlock()
			if seen {
				continue
			}

			m.engine.NotifyWaitExceeded(ctx, chat)
			m.logger.Warn().
				Str("tenant_id", tenantID).
				Str("chat_id", chat.ID).
				Dur("waited", time.Since(chat.QueuedAt)).
				Msg("chat waiting beyond threshold")
		}
	}

	// Forget chats that left the queue so the set stays bounded
	m.mu.Lock()
	m.warned = current
	m.mu.Unlock()
	return nil
}

// AbandonStale closes chats that have waited longer than AbandonAfter
func (m *Manager) AbandonStale(ctx context.Context) error {
	tenants, err := m.engine.Tenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		n, err := m.engine.AbandonStale(ctx, tenantID, m.opts.AbandonAfter)
		if err != nil {
			m.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("auto-abandon failed")
			continue
		}
		if n > 0 {
			m.logger.Info().Str("tenant_id", tenantID).Int("abandoned", n).Msg("stale chats abandoned")
		}
	}
	return nil
}
