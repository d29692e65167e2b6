// Package simulator drives synthetic load against a handoff server: bot
// turns that may escalate, simulated agents that answer and resolve
// chats, and a websocket watcher that counts the events coming back.
package simulator

import (
	"context"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/dennisdiepolder/monti/handoff/pkg/client"
)

// Backend is the part of the handoff API the simulator uses
type Backend interface {
	Handoff(ctx context.Context, req client.HandoffRequest) (*client.HandoffResult, error)
	CreateAgent(ctx context.Context, req client.AgentRequest) (*types.Agent, error)
	SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) (*types.Agent, error)
	ListChats(ctx context.Context, query client.ChatQuery) ([]types.Chat, error)
	SendMessage(ctx context.Context, chatID string, sender types.SenderType, agentID, content string) (*types.Message, error)
	Resolve(ctx context.Context, chatID string, rating *int) (*types.Chat, error)
}
