package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dennisdiepolder/monti/handoff/internal/relay"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/trigger"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
)

// InitiateRequest opens a chat for a user
type InitiateRequest struct {
	TenantID          string
	UserIdentifier    string
	UserName          string
	Platform          string
	BotConversationID string
	Department        string
	Priority          types.Priority
	HandoffReason     string
	BotContext        json.RawMessage
}

// InitiateResult is the chat as the user sees it after the initial sweep
type InitiateResult struct {
	Chat                 *types.Chat `json:"chat"`
	Created              bool        `json:"created"`
	Position             int         `json:"position"`
	EstimatedWaitMinutes int         `json:"estimatedWaitMinutes"`
	NoAgentAvailable     bool        `json:"noAgentAvailable"`
}

// sessionAttempts bounds how often Initiate draws a new session handle
// after a collision
const sessionAttempts = 3

func newSessionID() string {
	return "live_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Initiate queues a new chat, or returns the user's open chat if one
// exists. The chat may already be active when Initiate returns.
func (r *Router) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.UserIdentifier) == "" {
		return nil, fmt.Errorf("tenant and user identifier are required: %w", types.ErrInvalidInput)
	}
	if req.Priority == 0 {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("priority %d out of range: %w", req.Priority, types.ErrInvalidInput)
	}
	if len(req.BotContext) > 0 && !json.Valid(req.BotContext) {
		return nil, fmt.Errorf("bot context is not valid JSON: %w", types.ErrInvalidInput)
	}

	var (
		chatID  string
		created bool
	)
	openChat := func(tx store.Tx, emit emitFunc) error {
		existing, err := tx.FindOpenChat(req.TenantID, req.UserIdentifier)
		if err == nil {
			chatID, created = existing.ID, false
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		now := r.now()
		chat := &types.Chat{
			ID:                uuid.NewString(),
			SessionID:         r.newSession(),
			TenantID:          req.TenantID,
			UserIdentifier:    req.UserIdentifier,
			UserName:          req.UserName,
			Platform:          req.Platform,
			BotConversationID: req.BotConversationID,
			Department:        r.pool.NormalizeDepartment(req.Department),
			Priority:          req.Priority,
			Status:            types.ChatWaiting,
			HandoffReason:     req.HandoffReason,
			BotContext:        req.BotContext,
			CreatedAt:         now,
			QueuedAt:          now,
		}
		if err := tx.CreateChat(chat); err != nil {
			return err
		}
		msg, err := relay.AppendSystem(tx, chat, MsgWelcome, now)
		if err != nil {
			return err
		}
		entry, err := r.queue.Enqueue(tx, chat, now)
		if err != nil {
			return err
		}

		queued := chatEvent(types.EventChatQueued, chat, now)
		queued.Reason = chat.HandoffReason
		if data, err := json.Marshal(entry); err == nil {
			queued.Data = data
		}
		emit(queued)
		emit(relay.MessageEvent(chat, msg))

		r.logger.Info().
			Str("tenant_id", chat.TenantID).
			Str("chat_id", chat.ID).
			Str("department", chat.Department).
			Int("priority", int(chat.Priority)).
			Int("position", entry.Position).
			Msg("chat queued")

		chatID, created = chat.ID, true
		return nil
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = r.run(ctx, req.TenantID, openChat)
		if !errors.Is(err, types.ErrDuplicate) {
			break
		}
		if attempt == sessionAttempts {
			return nil, fmt.Errorf("allocate session handle: %w", types.ErrUnavailable)
		}
		r.logger.Warn().Err(err).Str("tenant_id", req.TenantID).Int("attempt", attempt).Msg("session handle collision, retrying")
	}
	if err != nil {
		return nil, err
	}

	if created {
		r.sweepAfter(ctx, req.TenantID, "enqueue")
	}

	result := &InitiateResult{Created: created}
	err = r.read(ctx, func(tx store.Tx) error {
		chat, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		result.Chat = chat

		pos, err := r.queue.Position(tx, chat.TenantID, chat.ID)
		if err != nil {
			return err
		}
		result.Position = pos
		if chat.Status != types.ChatWaiting {
			return nil
		}

		est, err := r.queue.EstimateWait(tx, chat.TenantID, pos, r.now())
		if err != nil {
			return err
		}
		result.EstimatedWaitMinutes = est.Minutes
		result.NoAgentAvailable = est.NoAgentAvailable
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HandoffRequest is a bot turn that may escalate
type HandoffRequest struct {
	InitiateRequest
	Message string
	Force   bool
}

// HandoffResult reports the trigger decision and, when escalated, the chat
type HandoffResult struct {
	Decision  trigger.Decision `json:"decision"`
	Escalated bool             `json:"escalated"`
	*InitiateResult
}

// Handoff evaluates the user's message and opens a chat when it warrants
// a human. Force escalates regardless of the message.
func (r *Router) Handoff(ctx context.Context, req HandoffRequest) (*HandoffResult, error) {
	decision := r.trigger.Evaluate(req.Message)
	result := &HandoffResult{Decision: decision}
	if !decision.ShouldEscalate && !req.Force {
		return result, nil
	}

	init := req.InitiateRequest
	if init.Department == "" {
		init.Department = decision.Department
	}
	if decision.Priority > init.Priority {
		init.Priority = decision.Priority
	}
	if init.HandoffReason == "" {
		init.HandoffReason = decision.Reason
	}
	if init.HandoffReason == "" {
		init.HandoffReason = "manual"
	}

	res, err := r.Initiate(ctx, init)
	if err != nil {
		return nil, err
	}
	result.Escalated = true
	result.InitiateResult = res
	return result, nil
}
