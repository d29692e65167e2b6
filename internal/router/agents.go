package router

import (
	"context"

	"github.com/dennisdiepolder/monti/handoff/internal/agentpool"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// CreateAgent registers an agent. An agent created online is offered
// waiting chats right away.
func (r *Router) CreateAgent(ctx context.Context, agent *types.Agent) (*types.Agent, error) {
	err := r.run(ctx, agent.TenantID, func(tx store.Tx, _ emitFunc) error {
		return r.pool.Register(tx, agent, r.now())
	})
	if err != nil {
		return nil, err
	}
	if agent.Status.Routable() {
		r.sweepAfter(ctx, agent.TenantID, "agent created")
	}
	return r.GetAgent(ctx, agent.ID)
}

// GetAgent returns one agent
func (r *Router) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	var out *types.Agent
	err := r.read(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(agentID)
		out = a
		return err
	})
	return out, err
}

// ListAgents returns the tenant's agents ordered by id
func (r *Router) ListAgents(ctx context.Context, tenantID string) ([]types.Agent, error) {
	var out []types.Agent
	err := r.read(ctx, func(tx store.Tx) error {
		agents, err := tx.ListAgents(tenantID)
		out = agents
		return err
	})
	if out == nil && err == nil {
		out = []types.Agent{}
	}
	return out, err
}

// UpdateAgent changes an agent's profile. Raising capacity can free
// slots, so a sweep follows.
func (r *Router) UpdateAgent(ctx context.Context, agentID string, upd agentpool.AgentUpdate) (*types.Agent, error) {
	tenantID, err := r.agentTenant(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var out *types.Agent
	err = r.run(ctx, tenantID, func(tx store.Tx, _ emitFunc) error {
		a, err := r.pool.Update(tx, agentID, upd, r.now())
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Status.Routable() && upd.MaxConcurrentChats != nil {
		r.sweepAfter(ctx, tenantID, "capacity change")
	}
	return out, nil
}

// SetAgentStatus changes presence. Chats the agent holds stay assigned;
// going online or away triggers a sweep.
func (r *Router) SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) (*types.Agent, error) {
	tenantID, err := r.agentTenant(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var out *types.Agent
	err = r.run(ctx, tenantID, func(tx store.Tx, _ emitFunc) error {
		a, err := r.pool.SetStatus(tx, agentID, status)
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("tenant_id", tenantID).
		Str("agent_id", agentID).
		Str("status", string(status)).
		Msg("agent status changed")

	if status.Routable() {
		r.sweepAfter(ctx, tenantID, "agent status")
	}
	return out, nil
}
