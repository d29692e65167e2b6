package types

import (
	"encoding/json"
	"time"
)

// EventType names an outbound notification
type EventType string

const (
	EventChatQueued      EventType = "chat.queued"
	EventChatAssigned    EventType = "chat.assigned"
	EventChatTransferred EventType = "chat.transferred"
	EventChatResolved    EventType = "chat.resolved"
	EventChatAbandoned   EventType = "chat.abandoned"
	EventWaitExceeded    EventType = "chat.wait_exceeded"
	EventMessageAppended EventType = "message.appended"
	EventQueueSnapshot   EventType = "queue.snapshot"
)

// Event is the envelope delivered to every sink. Delivery is best effort;
// consumers must tolerate loss and duplicates.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	TenantID  string          `json:"tenantId"`
	ChatID    string          `json:"chatId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	AgentName string          `json:"agentName,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Internal  bool            `json:"internal,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}
