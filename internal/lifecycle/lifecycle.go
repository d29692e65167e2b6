// Package lifecycle holds the chat state machine:
//
//	(none)  --initiate--> waiting
//	waiting --assign----> active
//	waiting --abandon---> abandoned
//	active  --transfer--> active   (agent changes)
//	active  --resolve---> resolved
//
// A waiting chat may also be resolved directly, for example when the
// user's issue was answered before an agent joined.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

var transitions = map[types.ChatStatus][]types.ChatStatus{
	types.ChatWaiting: {types.ChatActive, types.ChatAbandoned, types.ChatResolved},
	types.ChatActive:  {types.ChatActive, types.ChatResolved},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to types.ChatStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalid(chat *types.Chat, op string) error {
	return fmt.Errorf("%s chat %s in status %s: %w", op, chat.ID, chat.Status, types.ErrInvalidTransition)
}

func seconds(d time.Duration) *int {
	s := int(d.Seconds())
	if s < 0 {
		s = 0
	}
	return &s
}

// Assign moves a waiting chat to active on agentID
func Assign(chat *types.Chat, agentID string, now time.Time) error {
	if chat.Status != types.ChatWaiting {
		return invalid(chat, "assign")
	}
	id := agentID
	at := now
	chat.Status = types.ChatActive
	chat.AgentID = &id
	chat.AssignedAt = &at
	if chat.StartedAt == nil {
		started := now
		chat.StartedAt = &started
	}
	chat.QueueSecs = seconds(now.Sub(chat.QueuedAt))
	return nil
}

// Transfer hands an active chat to another agent. Status stays active.
func Transfer(chat *types.Chat, toAgentID string) error {
	if chat.Status != types.ChatActive || chat.AgentID == nil {
		return invalid(chat, "transfer")
	}
	if *chat.AgentID == toAgentID {
		return fmt.Errorf("chat %s already held by %s: %w", chat.ID, toAgentID, types.ErrInvalidTransition)
	}
	prev := *chat.AgentID
	next := toAgentID
	chat.PreviousAgentID = &prev
	chat.AgentID = &next
	chat.TransferCount++
	return nil
}

// Resolve closes a waiting or active chat. The last holding agent is kept
// in PreviousAgentID since agent_id is only set while active.
func Resolve(chat *types.Chat, rating *int, now time.Time) error {
	if !CanTransition(chat.Status, types.ChatResolved) {
		return invalid(chat, "resolve")
	}
	if chat.AgentID != nil {
		prev := *chat.AgentID
		chat.PreviousAgentID = &prev
	}
	at := now
	chat.Status = types.ChatResolved
	chat.AgentID = nil
	chat.EndedAt = &at
	if chat.StartedAt != nil {
		chat.ResolutionSecs = seconds(now.Sub(*chat.StartedAt))
	}
	if rating != nil {
		r := *rating
		chat.SatisfactionRating = &r
	}
	return nil
}

// Abandon cancels a waiting chat
func Abandon(chat *types.Chat, now time.Time) error {
	if chat.Status != types.ChatWaiting {
		return invalid(chat, "abandon")
	}
	at := now
	chat.Status = types.ChatAbandoned
	chat.EndedAt = &at
	return nil
}

// IsTerminal reports whether no further transitions leave status
func IsTerminal(status types.ChatStatus) bool {
	return len(transitions[status]) == 0
}
