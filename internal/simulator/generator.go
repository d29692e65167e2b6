package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/monti/handoff/pkg/client"
	"github.com/rs/zerolog"
)

// PhraseWeight pairs a user message with a relative weight
type PhraseWeight struct {
	Text   string
	Weight float64
}

// DepartmentConfig holds the chat generation config for one department
type DepartmentConfig struct {
	ChatsPerMin float64
	Phrases     []PhraseWeight
}

// ChatGenerator sends bot turns at configurable rates per department.
// Only turns the server decides to escalate become chats.
type ChatGenerator struct {
	mu             sync.RWMutex
	departments    map[string]DepartmentConfig
	peakHourFactor float64
	backend        Backend
	logger         zerolog.Logger

	sent      atomic.Int64
	escalated atomic.Int64
	failed    atomic.Int64
}

// NewChatGenerator creates a generator with the default departments
func NewChatGenerator(backend Backend, logger zerolog.Logger) *ChatGenerator {
	return &ChatGenerator{
		peakHourFactor: 1.0,
		backend:        backend,
		departments:    defaultDepartments(),
		logger:         logger.With().Str("component", "chat_generator").Logger(),
	}
}

func defaultDepartments() map[string]DepartmentConfig {
	return map[string]DepartmentConfig{
		"general": {
			ChatsPerMin: 6,
			Phrases: []PhraseWeight{
				{Text: "I want to talk to a human", Weight: 3},
				{Text: "what are your opening hours?", Weight: 4},
				{Text: "this is not helpful", Weight: 2},
			},
		},
		"billing": {
			ChatsPerMin: 4,
			Phrases: []PhraseWeight{
				{Text: "I was charged twice, I need a refund", Weight: 4},
				{Text: "where can I download my invoice?", Weight: 3},
			},
		},
		"technical": {
			ChatsPerMin: 4,
			Phrases: []PhraseWeight{
				{Text: "the app keeps crashing, urgent please", Weight: 3},
				{Text: "how do I reset my password?", Weight: 4},
				{Text: "error 500 on login, nothing works", Weight: 3},
			},
		},
		"sales": {
			ChatsPerMin: 3,
			Phrases: []PhraseWeight{
				{Text: "can I speak to someone about pricing?", Weight: 3},
				{Text: "do you offer a discount for teams?", Weight: 3},
			},
		},
	}
}

// SetDepartmentConfig updates the config for a single department
func (g *ChatGenerator) SetDepartmentConfig(dept string, cfg DepartmentConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.departments[dept] = cfg
}

// SetPeakHourFactor sets the rate multiplier. 1.0 is the normal rate.
func (g *ChatGenerator) SetPeakHourFactor(factor float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peakHourFactor = factor
}

// PeakHourFactor returns the current rate multiplier
func (g *ChatGenerator) PeakHourFactor() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peakHourFactor
}

// Run generates turns for all departments until ctx is cancelled
func (g *ChatGenerator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	g.mu.RLock()
	depts := make([]string, 0, len(g.departments))
	for dept := range g.departments {
		depts = append(depts, dept)
	}
	g.mu.RUnlock()

	for _, dept := range depts {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			g.runDepartment(ctx, d)
		}(dept)
	}
	wg.Wait()
}

func (g *ChatGenerator) runDepartment(ctx context.Context, dept string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(dept))))

	for {
		g.mu.RLock()
		cfg := g.departments[dept]
		factor := g.peakHourFactor
		g.mu.RUnlock()

		rate := cfg.ChatsPerMin * factor
		if rate <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		// Base interval with +/-25% jitter
		base := time.Duration(float64(time.Minute) / rate)
		sleep := base + time.Duration(float64(base)*(rng.Float64()*0.5-0.25))
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		user := fmt.Sprintf("sim-user-%06d", rng.Intn(1_000_000))
		g.Inject(ctx, dept, user, pickPhrase(rng, cfg.Phrases), false)
	}
}

// Inject sends one bot turn. force escalates regardless of the message.
func (g *ChatGenerator) Inject(ctx context.Context, dept, user, message string, force bool) (*client.HandoffResult, error) {
	g.sent.Add(1)
	res, err := g.backend.Handoff(ctx, client.HandoffRequest{
		InitiateRequest: client.InitiateRequest{
			UserIdentifier: user,
			UserName:       "Sim " + user,
			Platform:       "simulator",
			Department:     dept,
		},
		Message: message,
		Force:   force,
	})
	if err != nil {
		g.failed.Add(1)
		g.logger.Error().Err(err).Str("department", dept).Msg("handoff failed")
		return nil, err
	}
	if res.Escalated {
		g.escalated.Add(1)
		g.logger.Debug().
			Str("department", dept).
			Str("user", user).
			Str("reason", res.Decision.Reason).
			Msg("chat escalated")
	}
	return res, nil
}

// GetDepartmentConfigs returns a copy of the current department configs
func (g *ChatGenerator) GetDepartmentConfigs() map[string]DepartmentConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]DepartmentConfig, len(g.departments))
	for k, v := range g.departments {
		out[k] = v
	}
	return out
}

// GetStats returns generation statistics
func (g *ChatGenerator) GetStats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	depts := make(map[string]interface{}, len(g.departments))
	for dept, cfg := range g.departments {
		depts[dept] = map[string]interface{}{"chatsPerMin": cfg.ChatsPerMin}
	}
	return map[string]interface{}{
		"peakHourFactor": g.peakHourFactor,
		"sent":           g.sent.Load(),
		"escalated":      g.escalated.Load(),
		"failed":         g.failed.Load(),
		"departments":    depts,
	}
}

// pickPhrase selects a phrase based on the configured weights
func pickPhrase(rng *rand.Rand, phrases []PhraseWeight) string {
	if len(phrases) == 0 {
		return ""
	}

	var total float64
	for _, p := range phrases {
		total += p.Weight
	}

	r := rng.Float64() * total
	for _, p := range phrases {
		r -= p.Weight
		if r <= 0 {
			return p.Text
		}
	}
	return phrases[len(phrases)-1].Text
}
