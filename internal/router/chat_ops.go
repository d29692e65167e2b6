package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/lifecycle"
	"github.com/dennisdiepolder/monti/handoff/internal/relay"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// Transfer moves an active chat to another agent. Either the whole move
// happens or nothing changes: a full or offline target yields
// ErrCapacityExceeded with the chat still on its current agent.
func (r *Router) Transfer(ctx context.Context, chatID, targetAgentID, reason string) (*types.Chat, error) {
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
		if chat.Status != types.ChatActive || chat.AgentID == nil {
			return fmt.Errorf("transfer chat %s in status %s: %w", chat.ID, chat.Status, types.ErrInvalidTransition)
		}
		target, err := r.tenantAgent(tx, tenantID, targetAgentID)
		if err != nil {
			return err
		}
		if chat.AssignedTo(target.ID) {
			return fmt.Errorf("chat %s already held by %s: %w", chat.ID, target.ID, types.ErrInvalidTransition)
		}
		if !target.Status.Routable() {
			return fmt.Errorf("agent %s is %s: %w", target.ID, target.Status, types.ErrCapacityExceeded)
		}

		ok, err := r.pool.Reserve(tx, target.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("agent %s is full: %w", target.ID, types.ErrCapacityExceeded)
		}

		source := *chat.AgentID
		if err := r.pool.Release(tx, source); err != nil {
			return err
		}
		if err := lifecycle.Transfer(chat, target.ID); err != nil {
			return err
		}
		if err := tx.UpdateChat(chat); err != nil {
			return err
		}
		if err := tx.IncrementHandled(target.ID); err != nil {
			return err
		}

		now := r.now()
		text := strings.TrimSpace(fmt.Sprintf(MsgTransfer, target.Name, reason))
		msg, err := relay.AppendSystem(tx, chat, text, now)
		if err != nil {
			return err
		}

		ev := chatEvent(types.EventChatTransferred, chat, now)
		ev.AgentName = target.Name
		ev.Reason = reason
		emit(ev)
		emit(relay.MessageEvent(chat, msg))

		r.logger.Info().
			Str("tenant_id", tenantID).
			Str("chat_id", chat.ID).
			Str("from_agent_id", source).
			Str("agent_id", target.ID).
			Msg("chat transferred")

		out = chat
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The source agent's freed slot may serve the queue
	r.sweepAfter(ctx, tenantID, "transfer")
	return out, nil
}

// Resolve closes a waiting or active chat. Resolving a chat that is
// already closed returns it unchanged.
func (r *Router) Resolve(ctx context.Context, chatID string, satisfaction *int) (*types.Chat, error) {
	if satisfaction != nil && (*satisfaction < 1 || *satisfaction > 5) {
		return nil, fmt.Errorf("satisfaction rating %d out of range: %w", *satisfaction, types.ErrInvalidInput)
	}
	tenantID, err := r.chatTenant(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var (
		out     *types.Chat
		changed bool
	)
	err = r.run(ctx, tenantID, func(tx store.Tx, emit emitFunc) error {
		changed = false
		chat, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		if lifecycle.IsTerminal(chat.Status) {
			out = chat
			return nil
		}

		held := chat.AgentID
		now := r.now()
		if err := lifecycle.Resolve(chat, satisfaction, now); err != nil {
			return err
		}
		if err := tx.UpdateChat(chat); err != nil {
			return err
		}
		if held != nil {
			if err := r.pool.Release(tx, *held); err != nil {
				return err
			}
		}
		if _, err := r.queue.Dequeue(tx, tenantID, chat.ID, now); err != nil {
			return err
		}
		msg, err := relay.AppendSystem(tx, chat, MsgClosed, now)
		if err != nil {
			return err
		}

		ev := chatEvent(types.EventChatResolved, chat, now)
		if held != nil {
			ev.AgentID = *held
		}
		emit(ev)
		emit(relay.MessageEvent(chat, msg))

		r.logger.Info().
			Str("tenant_id", tenantID).
			Str("chat_id", chat.ID).
			Msg("chat resolved")

		out, changed = chat, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.archiveAsync(*out)
		r.sweepAfter(ctx, tenantID, "release")
	}
	return out, nil
}

// Abandon cancels a waiting chat. A chat that became active or closed in
// the meantime is returned unchanged.
func (r *Router) Abandon(ctx context.Context, chatID string) (*types.Chat, error) {
	tenantID, err := r.chatTenant(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var (
		out     *types.Chat
		changed bool
	)
	err = r.run(ctx, tenantID, func(tx store.Tx, emit emitFunc) error {
		changed = false
		chat, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		if chat.Status != types.ChatWaiting {
			out = chat
			return nil
		}

		now := r.now()
		if err := lifecycle.Abandon(chat, now); err != nil {
			return err
		}
		if err := tx.UpdateChat(chat); err != nil {
			return err
		}
		if _, err := r.queue.Dequeue(tx, tenantID, chat.ID, now); err != nil {
			return err
		}
		emit(chatEvent(types.EventChatAbandoned, chat, now))

		r.logger.Info().
			Str("tenant_id", tenantID).
			Str("chat_id", chat.ID).
			Dur("waited", now.Sub(chat.QueuedAt)).
			Msg("chat abandoned")

		out, changed = chat, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.archiveAsync(*out)
	}
	return out, nil
}

// AbandonStale abandons chats that have waited longer than maxWait and
// returns how many it closed
func (r *Router) AbandonStale(ctx context.Context, tenantID string, maxWait time.Duration) (int, error) {
	stale, err := r.LongWaits(ctx, tenantID, maxWait)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, c := range stale {
		chat, err := r.Abandon(ctx, c.ID)
		if err != nil {
			return closed, err
		}
		if chat.Status == types.ChatAbandoned {
			closed++
		}
	}
	return closed, nil
}
