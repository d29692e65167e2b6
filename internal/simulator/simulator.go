package simulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Start while a run is active
var ErrAlreadyRunning = errors.New("simulation already running")

// Settings controls agent behaviour
type Settings struct {
	PollInterval time.Duration
	MinHandle    time.Duration
	MaxHandle    time.Duration
}

// DefaultSettings returns the standard agent pacing
func DefaultSettings() Settings {
	return Settings{
		PollInterval: 2 * time.Second,
		MinHandle:    20 * time.Second,
		MaxHandle:    3 * time.Minute,
	}
}

// Simulator runs agents, the chat generator and the event watcher
type Simulator struct {
	backend   Backend
	profiles  []AgentProfile
	generator *ChatGenerator
	watcher   *EventWatcher
	settings  Settings
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []*AgentWorker
	started time.Time
}

// NewSimulator creates a simulator. watcher may be nil.
func NewSimulator(backend Backend, profiles []AgentProfile, generator *ChatGenerator, watcher *EventWatcher, settings Settings, logger zerolog.Logger) *Simulator {
	return &Simulator{
		backend:   backend,
		profiles:  profiles,
		generator: generator,
		watcher:   watcher,
		settings:  settings,
		logger:    logger.With().Str("component", "simulator").Logger(),
	}
}

// Start launches activeAgents agents plus the generator and watcher.
// The run ends on Stop or when ctx is cancelled.
func (s *Simulator) Start(ctx context.Context, activeAgents int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	if activeAgents <= 0 || activeAgents > len(s.profiles) {
		activeAgents = len(s.profiles)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()
	s.workers = make([]*AgentWorker, 0, activeAgents)

	for _, p := range s.profiles[:activeAgents] {
		w := NewAgentWorker(p, s.backend, s.settings.PollInterval, s.settings.MinHandle, s.settings.MaxHandle, s.logger)
		s.workers = append(s.workers, w)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.generator.Run(runCtx)
	}()

	if s.watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watcher.Run(runCtx)
		}()
	}

	s.logger.Info().Int("active_agents", activeAgents).Msg("simulation started")
	return nil
}

// Stop ends the current run and waits for agents to go offline
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("simulation stopped")
}

// Running reports whether a run is active
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Stats summarises the current or last run
func (s *Simulator) Stats() map[string]interface{} {
	s.mu.Lock()
	workers := s.workers
	running := s.cancel != nil
	started := s.started
	s.mu.Unlock()

	var greeted, resolved int64
	for _, w := range workers {
		g, r := w.Stats()
		greeted += g
		resolved += r
	}

	stats := map[string]interface{}{
		"running":       running,
		"active_agents": len(workers),
		"greeted":       greeted,
		"resolved":      resolved,
		"generator":     s.generator.GetStats(),
	}
	if !started.IsZero() {
		stats["started_at"] = started.UTC().Format(time.RFC3339)
	}
	if s.watcher != nil {
		stats["events"] = s.watcher.Counts()
		stats["feed_connected"] = s.watcher.Connected()
	}
	return stats
}
