package types

import "time"

// AgentStatus represents the presence of a human agent
type AgentStatus string

const (
	AgentOffline AgentStatus = "offline"
	AgentOnline  AgentStatus = "online"
	AgentAway    AgentStatus = "away"
)

// Valid reports whether s is a known agent status
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOffline, AgentOnline, AgentAway:
		return true
	}
	return false
}

// Routable reports whether an agent in this status may receive chats
func (s AgentStatus) Routable() bool {
	return s == AgentOnline || s == AgentAway
}

// DeptGeneral is the fallback department every tenant has
const DeptGeneral = "general"

// DefaultDepartments is used when a tenant configures none
var DefaultDepartments = []string{DeptGeneral, "sales", "technical", "billing"}

// Agent is a human operator who can hold a bounded number of chats
type Agent struct {
	ID                 string      `json:"agentId"`
	TenantID           string      `json:"tenantId"`
	Name               string      `json:"name"`
	Email              string      `json:"email,omitempty"`
	Department         string      `json:"department"`
	Status             AgentStatus `json:"status"`
	MaxConcurrentChats int         `json:"maxConcurrentChats"`
	CurrentChatCount   int         `json:"currentChatCount"`
	TotalChatsHandled  int         `json:"totalChatsHandled"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// HasCapacity reports whether the agent can take one more chat
func (a *Agent) HasCapacity() bool {
	return a.CurrentChatCount < a.MaxConcurrentChats
}

// Available reports whether the agent can be offered a chat right now
func (a *Agent) Available() bool {
	return a.Status.Routable() && a.HasCapacity()
}
