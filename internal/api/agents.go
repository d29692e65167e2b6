package api

import (
	"net/http"

	"github.com/dennisdiepolder/monti/handoff/internal/agentpool"
	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

type createAgentRequest struct {
	ID                 string `json:"agentId" validate:"max=64"`
	Name               string `json:"name" validate:"required,max=255"`
	Email              string `json:"email" validate:"omitempty,email"`
	Department         string `json:"department" validate:"max=64"`
	Status             string `json:"status" validate:"omitempty,oneof=offline online away"`
	MaxConcurrentChats int    `json:"maxConcurrentChats" validate:"omitempty,min=1,max=50"`
}

type updateAgentRequest struct {
	Name               *string `json:"name" validate:"omitempty,min=1,max=255"`
	Email              *string `json:"email" validate:"omitempty,email"`
	Department         *string `json:"department" validate:"omitempty,max=64"`
	MaxConcurrentChats *int    `json:"maxConcurrentChats" validate:"omitempty,min=1,max=50"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=offline online away"`
}

// ListAgents handles GET /agents
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.router.ListAgents(r.Context(), tenantOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []types.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// CreateAgent handles POST /agents
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	agent, err := h.router.CreateAgent(r.Context(), &types.Agent{
		ID:                 req.ID,
		TenantID:           tenantOf(r),
		Name:               req.Name,
		Email:              req.Email,
		Department:         req.Department,
		Status:             types.AgentStatus(req.Status),
		MaxConcurrentChats: req.MaxConcurrentChats,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info().
		Str("agent_id", agent.ID).
		Str("tenant_id", agent.TenantID).
		Msg("agent created via API")
	writeJSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /agents/{agentID}
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadAgent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// UpdateAgent handles PUT /agents/{agentID}
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadAgent(w, r)
	if !ok {
		return
	}
	var req updateAgentRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	updated, err := h.router.UpdateAgent(r.Context(), agent.ID, agentpool.AgentUpdate{
		Name:               req.Name,
		Email:              req.Email,
		Department:         req.Department,
		MaxConcurrentChats: req.MaxConcurrentChats,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// SetAgentStatus handles PUT /agents/{agentID}/status. Agents may only
// change their own presence.
func (h *Handler) SetAgentStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadAgent(w, r)
	if !ok {
		return
	}
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		if claims.Role == auth.RoleViewer || (claims.Role == auth.RoleAgent && claims.AgentID != agent.ID) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "not allowed to change this agent's status"})
			return
		}
	}

	var req statusRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	updated, err := h.router.SetAgentStatus(r.Context(), agent.ID, types.AgentStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// AgentWorkload handles GET /agents/{agentID}/workload
func (h *Handler) AgentWorkload(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadAgent(w, r)
	if !ok {
		return
	}

	workload, err := h.router.AgentWorkload(r.Context(), agent.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workload)
}
