package types

import (
	"encoding/json"
	"time"
)

// ChatStatus is the lifecycle state of a live chat
type ChatStatus string

const (
	ChatWaiting   ChatStatus = "waiting"   // queued, no agent yet
	ChatActive    ChatStatus = "active"    // held by exactly one agent
	ChatResolved  ChatStatus = "resolved"  // closed normally
	ChatAbandoned ChatStatus = "abandoned" // user left before assignment
)

// Valid reports whether s is a known chat status
func (s ChatStatus) Valid() bool {
	switch s {
	case ChatWaiting, ChatActive, ChatResolved, ChatAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s ChatStatus) Terminal() bool {
	return s == ChatResolved || s == ChatAbandoned
}

// Priority orders waiting chats; higher is served first
type Priority int

const (
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Valid reports whether p is in the supported range
func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityUrgent
}

// Chat is one escalated conversation between a user and a human agent
type Chat struct {
	ID                string          `json:"chatId"`
	SessionID         string          `json:"sessionId"`
	TenantID          string          `json:"tenantId"`
	UserIdentifier    string          `json:"userIdentifier"`
	UserName          string          `json:"userName,omitempty"`
	Platform          string          `json:"platform,omitempty"`
	BotConversationID string          `json:"botConversationId,omitempty"`
	Department        string          `json:"department"`
	Priority          Priority        `json:"priority"`
	Status            ChatStatus      `json:"status"`
	AgentID           *string         `json:"agentId,omitempty"`
	PreviousAgentID   *string         `json:"previousAgentId,omitempty"`
	TransferCount     int             `json:"transferCount"`
	HandoffReason     string          `json:"handoffReason,omitempty"`
	BotContext        json.RawMessage `json:"botContext,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	QueuedAt   time.Time  `json:"queuedAt"`
	AssignedAt *time.Time `json:"assignedAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`

	// Derived metrics, in seconds
	QueueSecs         *int `json:"queueTime,omitempty"`
	FirstResponseSecs *int `json:"firstResponseTime,omitempty"`
	ResolutionSecs    *int `json:"resolutionTime,omitempty"`

	SatisfactionRating *int `json:"satisfactionRating,omitempty"`
}

// AssignedTo reports whether the chat is currently held by agentID
func (c *Chat) AssignedTo(agentID string) bool {
	return c.AgentID != nil && *c.AgentID == agentID
}

// QueueEntry is the materialized queue position of a waiting chat
type QueueEntry struct {
	ChatID               string    `json:"chatId"`
	TenantID             string    `json:"tenantId"`
	Position             int       `json:"position"`
	Priority             Priority  `json:"priority"`
	Department           string    `json:"department"`
	EstimatedWaitMinutes int       `json:"estimatedWaitMinutes"`
	QueuedAt             time.Time `json:"queuedAt"`
}

// SenderType identifies who authored a message
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// Valid reports whether s is a known sender
func (s SenderType) Valid() bool {
	return s == SenderUser || s == SenderAgent || s == SenderSystem
}

// Message is one append-only entry in a chat transcript
type Message struct {
	ID         string     `json:"messageId"`
	ChatID     string     `json:"chatId"`
	Content    string     `json:"content"`
	Sender     SenderType `json:"sender"`
	AgentID    string     `json:"agentId,omitempty"`
	IsInternal bool       `json:"isInternal"`
	CreatedAt  time.Time  `json:"createdAt"`
}
