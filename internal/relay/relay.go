// Package relay carries messages between the user and the agent holding a
// chat. Transcripts are append-only.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultHistoryLimit caps transcript reads when the caller passes none
const DefaultHistoryLimit = 100

// SendRequest is one message to append
type SendRequest struct {
	ChatID   string
	Content  string
	Sender   types.SenderType
	AgentID  string
	Internal bool
}

// Relay appends messages and publishes them
type Relay struct {
	store     store.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a relay
func New(s store.Store, publisher events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Relay {
	if m == nil {
		m = metrics.Get()
	}
	return &Relay{
		store:     s,
		publisher: publisher,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "relay").Logger(),
	}
}

// SetClock replaces the time source
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}

// Send appends a message. User and agent messages are refused on closed
// chats; agent messages must come from the agent holding the chat. The
// first visible agent reply stamps the chat's first response time.
func (r *Relay) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("message content is empty: %w", types.ErrInvalidInput)
	}
	if !req.Sender.Valid() {
		return nil, fmt.Errorf("unknown sender %q: %w", req.Sender, types.ErrInvalidInput)
	}

	var (
		msg  *types.Message
		chat *types.Chat
	)
	err := store.RunTx(ctx, r.store, func(tx store.Tx) error {
		now := r.now()
		c, err := tx.GetChat(req.ChatID)
		if err != nil {
			return err
		}

		if req.Sender != types.SenderSystem && c.Status.Terminal() {
			return fmt.Errorf("chat %s is %s: %w", c.ID, c.Status, types.ErrInvalidTransition)
		}
		if req.Sender == types.SenderAgent && (req.AgentID == "" || !c.AssignedTo(req.AgentID)) {
			return fmt.Errorf("agent %q does not hold chat %s: %w", req.AgentID, c.ID, types.ErrInvalidTransition)
		}

		m := &types.Message{
			ID:         uuid.NewString(),
			ChatID:     c.ID,
			Content:    req.Content,
			Sender:     req.Sender,
			IsInternal: req.Internal,
			CreatedAt:  now,
		}
		if req.Sender == types.SenderAgent {
			m.AgentID = req.AgentID
		}
		if err := tx.AppendMessage(m); err != nil {
			return err
		}

		if req.Sender == types.SenderAgent && !req.Internal && c.AssignedAt != nil && c.FirstResponseSecs == nil {
			secs := int(now.Sub(*c.AssignedAt).Seconds())
			if secs < 0 {
				secs = 0
			}
			c.FirstResponseSecs = &secs
			if err := tx.UpdateChat(c); err != nil {
				return err
			}
			r.logger.Debug().
				Str("chat_id", c.ID).
				Str("agent_id", req.AgentID).
				Int("first_response_secs", secs).
				Msg("first response recorded")
		}

		msg, chat = m, c
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.RecordChatEvent(types.EventMessageAppended)
	r.publisher.Publish(ctx, MessageEvent(chat, msg))
	return msg, nil
}

// History returns the last limit messages in chronological order
func (r *Relay) History(ctx context.Context, chatID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []types.Message
	err := store.RunTx(ctx, r.store, func(tx store.Tx) error {
		if _, err := tx.GetChat(chatID); err != nil {
			return err
		}
		msgs, err := tx.ListMessages(chatID, limit)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	if out == nil && err == nil {
		out = []types.Message{}
	}
	return out, err
}

// BotContext returns the snapshot stored at creation, byte for byte
func (r *Relay) BotContext(ctx context.Context, chatID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := store.RunTx(ctx, r.store, func(tx store.Tx) error {
		c, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		raw = c.BotContext
		return nil
	})
	return raw, err
}

// AppendSystem writes a system message inside an existing transaction.
// System messages are allowed in every chat state.
func AppendSystem(tx store.Tx, chat *types.Chat, content string, now time.Time) (*types.Message, error) {
	m := &types.Message{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		Content:   content,
		Sender:    types.SenderSystem,
		CreatedAt: now,
	}
	if err := tx.AppendMessage(m); err != nil {
		return nil, fmt.Errorf("append system message: %w", err)
	}
	return m, nil
}

// MessageEvent builds the message.appended notification
func MessageEvent(chat *types.Chat, msg *types.Message) types.Event {
	ev := types.Event{
		Type:      types.EventMessageAppended,
		TenantID:  chat.TenantID,
		ChatID:    chat.ID,
		SessionID: chat.SessionID,
		MessageID: msg.ID,
		Internal:  msg.IsInternal,
		Timestamp: msg.CreatedAt,
	}
	if chat.AgentID != nil {
		ev.AgentID = *chat.AgentID
	}
	if data, err := json.Marshal(msg); err == nil {
		ev.Data = data
	}
	return ev
}
