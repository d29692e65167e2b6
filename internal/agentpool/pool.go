package agentpool

import (
	"fmt"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pool tracks agent presence and capacity. Every method works inside a
// caller-supplied transaction; the pool itself holds no state.
type Pool struct {
	defaultCapacity int
	departments     map[string]bool
	logger          zerolog.Logger
}

// NewPool creates a pool for the given tenant settings
func NewPool(defaultCapacity int, departments []string, logger zerolog.Logger) *Pool {
	if defaultCapacity < 1 {
		defaultCapacity = 1
	}
	known := map[string]bool{types.DeptGeneral: true}
	for _, d := range departments {
		known[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Pool{
		defaultCapacity: defaultCapacity,
		departments:     known,
		logger:          logger.With().Str("component", "agentpool").Logger(),
	}
}

// NormalizeDepartment maps unknown or empty departments to general
func (p *Pool) NormalizeDepartment(dept string) string {
	d := strings.ToLower(strings.TrimSpace(dept))
	if p.departments[d] {
		return d
	}
	return types.DeptGeneral
}

// Register adds a new agent, filling defaults. New agents start offline
// unless a status is given.
func (p *Pool) Register(tx store.Tx, agent *types.Agent, now time.Time) error {
	if agent.TenantID == "" || strings.TrimSpace(agent.Name) == "" {
		return fmt.Errorf("agent needs tenant and name: %w", types.ErrInvalidInput)
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.MaxConcurrentChats <= 0 {
		agent.MaxConcurrentChats = p.defaultCapacity
	}
	if agent.Status == "" {
		agent.Status = types.AgentOffline
	}
	if !agent.Status.Valid() {
		return fmt.Errorf("unknown agent status %q: %w", agent.Status, types.ErrInvalidInput)
	}
	agent.Department = p.NormalizeDepartment(agent.Department)
	agent.CurrentChatCount = 0
	agent.TotalChatsHandled = 0
	agent.CreatedAt = now
	agent.UpdatedAt = now

	if err := tx.CreateAgent(agent); err != nil {
		return err
	}

	p.logger.Info().
		Str("agent_id", agent.ID).
		Str("tenant_id", agent.TenantID).
		Str("department", agent.Department).
		Int("max_chats", agent.MaxConcurrentChats).
		Msg("agent registered")
	return nil
}

// AgentUpdate carries the mutable profile fields; nil means unchanged
type AgentUpdate struct {
	Name               *string
	Email              *string
	Department         *string
	MaxConcurrentChats *int
}

// Update changes an agent's profile. Capacity may not drop below the
// number of chats the agent currently holds.
func (p *Pool) Update(tx store.Tx, agentID string, upd AgentUpdate, now time.Time) (*types.Agent, error) {
	agent, err := tx.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		if strings.TrimSpace(*upd.Name) == "" {
			return nil, fmt.Errorf("agent name is empty: %w", types.ErrInvalidInput)
		}
		agent.Name = *upd.Name
	}
	if upd.Email != nil {
		agent.Email = *upd.Email
	}
	if upd.Department != nil {
		agent.Department = p.NormalizeDepartment(*upd.Department)
	}
	if upd.MaxConcurrentChats != nil {
		max := *upd.MaxConcurrentChats
		if max < 1 || max < agent.CurrentChatCount {
			return nil, fmt.Errorf("max chats %d below current load %d: %w", max, agent.CurrentChatCount, types.ErrInvalidInput)
		}
		agent.MaxConcurrentChats = max
	}
	agent.UpdatedAt = now

	if err := tx.UpdateAgent(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Available returns agents that can take a chat now. An empty department
// matches every agent of the tenant.
func (p *Pool) Available(tx store.Tx, tenantID, department string) ([]types.Agent, error) {
	return tx.AvailableAgents(tenantID, department)
}

// Reserve takes one slot on the agent. It returns false without mutating
// anything when the agent is already full.
func (p *Pool) Reserve(tx store.Tx, agentID string) (bool, error) {
	ok, err := tx.ReserveAgent(agentID)
	if err != nil {
		return false, err
	}
	if !ok {
		p.logger.Debug().Str("agent_id", agentID).Msg("reserve refused, agent at capacity")
	}
	return ok, nil
}

// Release frees one slot, floored at zero. A release on an idle agent is
// logged and ignored.
func (p *Pool) Release(tx store.Tx, agentID string) error {
	freed, err := tx.ReleaseAgent(agentID)
	if err != nil {
		return err
	}
	if !freed {
		p.logger.Warn().Str("agent_id", agentID).Msg("release on agent with no chats")
	}
	return nil
}

// SetStatus changes presence only. Chats the agent already holds stay
// assigned.
func (p *Pool) SetStatus(tx store.Tx, agentID string, status types.AgentStatus) (*types.Agent, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown agent status %q: %w", status, types.ErrInvalidInput)
	}
	if err := tx.SetAgentStatus(agentID, status); err != nil {
		return nil, err
	}
	return tx.GetAgent(agentID)
}

// Workload reports what the agent is holding
func (p *Pool) Workload(tx store.Tx, agentID string) (types.AgentWorkload, error) {
	agent, err := tx.GetAgent(agentID)
	if err != nil {
		return types.AgentWorkload{}, err
	}
	ids, err := tx.ActiveChatIDs(agentID)
	if err != nil {
		return types.AgentWorkload{}, err
	}
	if ids == nil {
		ids = []string{}
	}

	availability := agent.MaxConcurrentChats - len(ids)
	if availability < 0 {
		availability = 0
	}
	return types.AgentWorkload{
		AgentID:       agent.ID,
		Name:          agent.Name,
		Status:        agent.Status,
		CurrentChats:  agent.CurrentChatCount,
		MaxChats:      agent.MaxConcurrentChats,
		Availability:  availability,
		ActiveChatIDs: ids,
	}, nil
}
