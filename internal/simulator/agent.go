package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/dennisdiepolder/monti/handoff/pkg/client"
	"github.com/rs/zerolog"
)

// AgentProfile describes one simulated agent
type AgentProfile struct {
	ID         string `json:"agentId"`
	Name       string `json:"name"`
	Department string `json:"department"`
	MaxChats   int    `json:"maxChats"`
}

// GenerateAgents builds count deterministic agent profiles
func GenerateAgents(count int, seed int64) []AgentProfile {
	rng := rand.New(rand.NewSource(seed))
	depts := []string{"general", "billing", "technical", "sales"}
	first := []string{"Ada", "Ben", "Cleo", "Dev", "Eli", "Fay", "Gus", "Hana", "Ivo", "Jun"}
	last := []string{"Berg", "Costa", "Diaz", "Engel", "Fox", "Gray", "Hart", "Ito"}

	out := make([]AgentProfile, count)
	for i := range out {
		out[i] = AgentProfile{
			ID:         fmt.Sprintf("sim-agent-%04d", i+1),
			Name:       first[rng.Intn(len(first))] + " " + last[rng.Intn(len(last))],
			Department: depts[i%len(depts)],
			MaxChats:   1 + rng.Intn(3),
		}
	}
	return out
}

// AgentWorker plays one agent: it goes online, greets every chat it is
// given and resolves it after a random handle time
type AgentWorker struct {
	profile      AgentProfile
	backend      Backend
	pollInterval time.Duration
	minHandle    time.Duration
	maxHandle    time.Duration
	rng          *rand.Rand
	logger       zerolog.Logger

	mu      sync.Mutex
	started map[string]time.Time // chatID -> greeted at
	handle  map[string]time.Duration

	greeted  atomic.Int64
	resolved atomic.Int64
}

// NewAgentWorker creates a worker for profile
func NewAgentWorker(profile AgentProfile, backend Backend, pollInterval, minHandle, maxHandle time.Duration, logger zerolog.Logger) *AgentWorker {
	if maxHandle < minHandle {
		maxHandle = minHandle
	}
	return &AgentWorker{
		profile:      profile,
		backend:      backend,
		pollInterval: pollInterval,
		minHandle:    minHandle,
		maxHandle:    maxHandle,
		rng:          rand.New(rand.NewSource(int64(len(profile.ID)) + time.Now().UnixNano())),
		logger:       logger.With().Str("agent_id", profile.ID).Logger(),
		started:      make(map[string]time.Time),
		handle:       make(map[string]time.Duration),
	}
}

// Register creates the agent if needed and sets it online
func (w *AgentWorker) Register(ctx context.Context) error {
	_, err := w.backend.CreateAgent(ctx, client.AgentRequest{
		ID:                 w.profile.ID,
		Name:               w.profile.Name,
		Department:         w.profile.Department,
		MaxConcurrentChats: w.profile.MaxChats,
	})
	var apiErr *client.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest) {
		return fmt.Errorf("create agent %s: %w", w.profile.ID, err)
	}
	if _, err := w.backend.SetAgentStatus(ctx, w.profile.ID, types.AgentOnline); err != nil {
		return fmt.Errorf("set %s online: %w", w.profile.ID, err)
	}
	return nil
}

// Run polls for assigned chats until ctx is cancelled, then goes offline
func (w *AgentWorker) Run(ctx context.Context) {
	if err := w.Register(ctx); err != nil {
		w.logger.Error().Err(err).Msg("agent registration failed")
		return
	}
	w.logger.Debug().Msg("agent online")

	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := w.backend.SetAgentStatus(offCtx, w.profile.ID, types.AgentOffline); err != nil {
				w.logger.Warn().Err(err).Msg("failed to go offline")
			}
			cancel()
			return
		case now := <-t.C:
			w.Step(ctx, now)
		}
	}
}

// Step handles one poll: greet new chats and resolve finished ones
func (w *AgentWorker) Step(ctx context.Context, now time.Time) {
	chats, err := w.backend.ListChats(ctx, client.ChatQuery{
		Status:  types.ChatActive,
		AgentID: w.profile.ID,
		Limit:   w.profile.MaxChats + 5,
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("list chats failed")
		return
	}

	active := make(map[string]bool, len(chats))
	for _, chat := range chats {
		active[chat.ID] = true

		w.mu.Lock()
		startedAt, seen := w.started[chat.ID]
		handle := w.handle[chat.ID]
		w.mu.Unlock()

		if !seen {
			greeting := fmt.Sprintf("Hi %s, this is %s. Let me look into that.", chat.UserName, w.profile.Name)
			if _, err := w.backend.SendMessage(ctx, chat.ID, types.SenderAgent, w.profile.ID, greeting); err != nil {
				w.logger.Warn().Err(err).Str("chat_id", chat.ID).Msg("greeting failed")
				continue
			}
			w.mu.Lock()
			w.started[chat.ID] = now
			w.handle[chat.ID] = w.handleTime()
			w.mu.Unlock()
			w.greeted.Add(1)
			continue
		}

		if now.Sub(startedAt) < handle {
			continue
		}
		rating := 3 + w.rng.Intn(3)
		if _, err := w.backend.Resolve(ctx, chat.ID, &rating); err != nil {
			w.logger.Warn().Err(err).Str("chat_id", chat.ID).Msg("resolve failed")
			continue
		}
		w.forget(chat.ID)
		w.resolved.Add(1)
	}

	// Chats transferred away or closed elsewhere
	w.mu.Lock()
	for id := range w.started {
		if !active[id] {
			delete(w.started, id)
			delete(w.handle, id)
		}
	}
	w.mu.Unlock()
}

func (w *AgentWorker) handleTime() time.Duration {
	span := w.maxHandle - w.minHandle
	if span <= 0 {
		return w.minHandle
	}
	return w.minHandle + time.Duration(w.rng.Int63n(int64(span)))
}

func (w *AgentWorker) forget(chatID string) {
	w.mu.Lock()
	delete(w.started, chatID)
	delete(w.handle, chatID)
	w.mu.Unlock()
}

// Stats returns the worker's counters
func (w *AgentWorker) Stats() (greeted, resolved int64) {
	return w.greeted.Load(), w.resolved.Load()
}
