package router

import (
	"context"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/lifecycle"
	"github.com/dennisdiepolder/monti/handoff/internal/relay"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// Assignment is one chat placed by a sweep
type Assignment struct {
	ChatID    string `json:"chatId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Fallback  bool   `json:"fallback"`
}

// Sweep walks the tenant's waiting chats in queue order and assigns each
// one it can. Every chat is placed in its own transaction, so a chat
// assigned earlier in the sweep is never rolled back by a later failure.
func (r *Router) Sweep(ctx context.Context, tenantID string) ([]Assignment, error) {
	start := time.Now()
	defer func() { r.metrics.RecordSweep(time.Since(start)) }()

	var chatIDs []string
	err := r.read(ctx, func(tx store.Tx) error {
		waiting, err := tx.WaitingChats(tenantID)
		if err != nil {
			return err
		}
		chatIDs = make([]string, 0, len(waiting))
		for _, c := range waiting {
			chatIDs = append(chatIDs, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var assigned []Assignment
	for _, chatID := range chatIDs {
		a, anyAgent, err := r.assignNext(ctx, tenantID, chatID)
		if err != nil {
			return assigned, err
		}
		if a != nil {
			assigned = append(assigned, *a)
		}
		if !anyAgent {
			// Nobody in the tenant can take a chat; the rest would fail too
			break
		}
	}

	if len(assigned) > 0 {
		r.logger.Debug().
			Str("tenant_id", tenantID).
			Int("assigned", len(assigned)).
			Int("queue_depth", len(chatIDs)-len(assigned)).
			Msg("sweep complete")
	}
	return assigned, nil
}

// assignNext tries to place one chat. It reports whether any agent in the
// tenant still had capacity when it looked.
func (r *Router) assignNext(ctx context.Context, tenantID, chatID string) (*Assignment, bool, error) {
	var (
		result   *Assignment
		anyAgent = true
	)
	err := r.run(ctx, tenantID, func(tx store.Tx, emit emitFunc) error {
		result, anyAgent = nil, true

		chat, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		if chat.Status != types.ChatWaiting {
			return nil
		}

		// A lost reserve means another transaction took the slot; look
		// again with fresh counts, at most once per candidate seen
		for attempt, limit := 0, 1; attempt < limit; attempt++ {
			candidates, fallback, searchedAll, err := r.candidates(tx, chat)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				anyAgent = !searchedAll
				return nil
			}
			if attempt == 0 {
				limit = len(candidates) + 1
			}

			winner := r.strategy.Rank(candidates, chat.Department)[0]
			ok, err := r.pool.Reserve(tx, winner.ID)
			if err != nil {
				return err
			}
			if !ok {
				r.metrics.RecordReserveConflict()
				continue
			}

			if err := r.placeChat(tx, emit, chat, &winner); err != nil {
				return err
			}
			result = &Assignment{
				ChatID:    chat.ID,
				AgentID:   winner.ID,
				AgentName: winner.Name,
				Fallback:  fallback,
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, anyAgent, err
	}
	return result, anyAgent, nil
}

// candidates returns agents able to take chat, widening to every
// department when nobody in the chat's own department is free. A general
// chat is open to every department from the start; ranking still puts
// general agents first on equal load. fallback reports a widened search
// for a department chat, searchedAll that the whole tenant was looked at.
func (r *Router) candidates(tx store.Tx, chat *types.Chat) (agents []types.Agent, fallback, searchedAll bool, err error) {
	if chat.Department == types.DeptGeneral || chat.Department == "" {
		agents, err = r.pool.Available(tx, chat.TenantID, "")
		return agents, false, true, err
	}
	agents, err = r.pool.Available(tx, chat.TenantID, chat.Department)
	if err != nil || len(agents) > 0 {
		return agents, false, false, err
	}
	agents, err = r.pool.Available(tx, chat.TenantID, "")
	return agents, true, true, err
}

// placeChat finishes an assignment once a slot on agent is reserved
func (r *Router) placeChat(tx store.Tx, emit emitFunc, chat *types.Chat, agent *types.Agent) error {
	now := r.now()
	if err := lifecycle.Assign(chat, agent.ID, now); err != nil {
		return err
	}
	if err := tx.UpdateChat(chat); err != nil {
		return err
	}
	if err := tx.IncrementHandled(agent.ID); err != nil {
		return err
	}
	if _, err := r.queue.Dequeue(tx, chat.TenantID, chat.ID, now); err != nil {
		return err
	}
	msg, err := relay.AppendSystem(tx, chat, fmt.Sprintf(MsgAssigned, agent.Name), now)
	if err != nil {
		return err
	}

	ev := chatEvent(types.EventChatAssigned, chat, now)
	ev.AgentName = agent.Name
	emit(ev)
	emit(relay.MessageEvent(chat, msg))

	r.logger.Info().
		Str("tenant_id", chat.TenantID).
		Str("chat_id", chat.ID).
		Str("agent_id", agent.ID).
		Str("department", chat.Department).
		Int("queue_secs", *chat.QueueSecs).
		Msg("chat assigned")
	return nil
}

// AssignTo places a waiting chat on a specific agent
func (r *Router) AssignTo(ctx context.Context, chatID, agentID string) (*types.Chat, error) {
	tenantID, err := r.chatTenant(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var out *types.Chat
	err = r.run(ctx, tenantID, func(tx store.Tx, emit emitFunc) error {
		chat, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		if chat.Status != types.ChatWaiting {
			return fmt.Errorf("assign chat %s in status %s: %w", chat.ID, chat.Status, types.ErrInvalidTransition)
		}
		agent, err := r.tenantAgent(tx, tenantID, agentID)
		if err != nil {
			return err
		}
		if !agent.Status.Routable() {
			return fmt.Errorf("agent %s is %s: %w", agent.ID, agent.Status, types.ErrCapacityExceeded)
		}
		ok, err := r.pool.Reserve(tx, agent.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("agent %s is full: %w", agent.ID, types.ErrCapacityExceeded)
		}
		if err := r.placeChat(tx, emit, chat, agent); err != nil {
			return err
		}
		out = chat
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// tenantAgent loads an agent and hides agents of other tenants
func (r *Router) tenantAgent(tx store.Tx, tenantID, agentID string) (*types.Agent, error) {
	agent, err := tx.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent.TenantID != tenantID {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	return agent, nil
}
