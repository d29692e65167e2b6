package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

type agentModel struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	TenantID           string    `gorm:"column:tenant_id"`
	Name               string    `gorm:"column:name"`
	Email              string    `gorm:"column:email"`
	Department         string    `gorm:"column:department"`
	Status             string    `gorm:"column:status"`
	MaxConcurrentChats int       `gorm:"column:max_concurrent_chats"`
	CurrentChatCount   int       `gorm:"column:current_chat_count"`
	TotalChatsHandled  int       `gorm:"column:total_chats_handled"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (agentModel) TableName() string { return "agents" }

type chatModel struct {
	ID                 string     `gorm:"column:id;primaryKey"`
	SessionID          string     `gorm:"column:session_id"`
	TenantID           string     `gorm:"column:tenant_id"`
	UserIdentifier     string     `gorm:"column:user_identifier"`
	UserName           string     `gorm:"column:user_name"`
	Platform           string     `gorm:"column:platform"`
	BotConversationID  string     `gorm:"column:bot_conversation_id"`
	Department         string     `gorm:"column:department"`
	Priority           int        `gorm:"column:priority"`
	Status             string     `gorm:"column:status"`
	AgentID            *string    `gorm:"column:agent_id"`
	PreviousAgentID    *string    `gorm:"column:previous_agent_id"`
	TransferCount      int        `gorm:"column:transfer_count"`
	HandoffReason      string     `gorm:"column:handoff_reason"`
	BotContext         string     `gorm:"column:bot_context"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	QueuedAt           time.Time  `gorm:"column:queued_at"`
	AssignedAt         *time.Time `gorm:"column:assigned_at"`
	StartedAt          *time.Time `gorm:"column:started_at"`
	EndedAt            *time.Time `gorm:"column:ended_at"`
	QueueSecs          *int       `gorm:"column:queue_secs"`
	FirstResponseSecs  *int       `gorm:"column:first_response_secs"`
	ResolutionSecs     *int       `gorm:"column:resolution_secs"`
	SatisfactionRating *int       `gorm:"column:satisfaction_rating"`
}

func (chatModel) TableName() string { return "chats" }

type queueEntryModel struct {
	ChatID               string    `gorm:"column:chat_id;primaryKey"`
	TenantID             string    `gorm:"column:tenant_id"`
	Position             int       `gorm:"column:position"`
	Priority             int       `gorm:"column:priority"`
	Department           string    `gorm:"column:department"`
	EstimatedWaitMinutes int       `gorm:"column:estimated_wait_minutes"`
	QueuedAt             time.Time `gorm:"column:queued_at"`
}

func (queueEntryModel) TableName() string { return "queue_entries" }

type messageModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	ChatID     string    `gorm:"column:chat_id"`
	Seq        int64     `gorm:"column:seq"`
	Content    string    `gorm:"column:content"`
	Sender     string    `gorm:"column:sender"`
	AgentID    string    `gorm:"column:agent_id"`
	IsInternal bool      `gorm:"column:is_internal"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (messageModel) TableName() string { return "messages" }

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toAgentModel(a *types.Agent) agentModel {
	return agentModel{
		ID:                 a.ID,
		TenantID:           a.TenantID,
		Name:               a.Name,
		Email:              a.Email,
		Department:         a.Department,
		Status:             string(a.Status),
		MaxConcurrentChats: a.MaxConcurrentChats,
		CurrentChatCount:   a.CurrentChatCount,
		TotalChatsHandled:  a.TotalChatsHandled,
		CreatedAt:          utc(a.CreatedAt),
		UpdatedAt:          utc(a.UpdatedAt),
	}
}

func (m agentModel) toDomain() types.Agent {
	return types.Agent{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		Name:               m.Name,
		Email:              m.Email,
		Department:         m.Department,
		Status:             types.AgentStatus(m.Status),
		MaxConcurrentChats: m.MaxConcurrentChats,
		CurrentChatCount:   m.CurrentChatCount,
		TotalChatsHandled:  m.TotalChatsHandled,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func toChatModel(c *types.Chat) chatModel {
	return chatModel{
		ID:                 c.ID,
		SessionID:          c.SessionID,
		TenantID:           c.TenantID,
		UserIdentifier:     c.UserIdentifier,
		UserName:           c.UserName,
		Platform:           c.Platform,
		BotConversationID:  c.BotConversationID,
		Department:         c.Department,
		Priority:           int(c.Priority),
		Status:             string(c.Status),
		AgentID:            c.AgentID,
		PreviousAgentID:    c.PreviousAgentID,
		TransferCount:      c.TransferCount,
		HandoffReason:      c.HandoffReason,
		BotContext:         string(c.BotContext),
		CreatedAt:          utc(c.CreatedAt),
		QueuedAt:           utc(c.QueuedAt),
		AssignedAt:         utcPtr(c.AssignedAt),
		StartedAt:          utcPtr(c.StartedAt),
		EndedAt:            utcPtr(c.EndedAt),
		QueueSecs:          c.QueueSecs,
		FirstResponseSecs:  c.FirstResponseSecs,
		ResolutionSecs:     c.ResolutionSecs,
		SatisfactionRating: c.SatisfactionRating,
	}
}

func (m chatModel) toDomain() types.Chat {
	c := types.Chat{
		ID:                 m.ID,
		SessionID:          m.SessionID,
		TenantID:           m.TenantID,
		UserIdentifier:     m.UserIdentifier,
		UserName:           m.UserName,
		Platform:           m.Platform,
		BotConversationID:  m.BotConversationID,
		Department:         m.Department,
		Priority:           types.Priority(m.Priority),
		Status:             types.ChatStatus(m.Status),
		AgentID:            m.AgentID,
		PreviousAgentID:    m.PreviousAgentID,
		TransferCount:      m.TransferCount,
		HandoffReason:      m.HandoffReason,
		CreatedAt:          m.CreatedAt,
		QueuedAt:           m.QueuedAt,
		AssignedAt:         m.AssignedAt,
		StartedAt:          m.StartedAt,
		EndedAt:            m.EndedAt,
		QueueSecs:          m.QueueSecs,
		FirstResponseSecs:  m.FirstResponseSecs,
		ResolutionSecs:     m.ResolutionSecs,
		SatisfactionRating: m.SatisfactionRating,
	}
	if m.BotContext != "" {
		c.BotContext = json.RawMessage(m.BotContext)
	}
	return c
}

func toQueueEntryModel(e types.QueueEntry) queueEntryModel {
	return queueEntryModel{
		ChatID:               e.ChatID,
		TenantID:             e.TenantID,
		Position:             e.Position,
		Priority:             int(e.Priority),
		Department:           e.Department,
		EstimatedWaitMinutes: e.EstimatedWaitMinutes,
		QueuedAt:             utc(e.QueuedAt),
	}
}

func (m queueEntryModel) toDomain() types.QueueEntry {
	return types.QueueEntry{
		ChatID:               m.ChatID,
		TenantID:             m.TenantID,
		Position:             m.Position,
		Priority:             types.Priority(m.Priority),
		Department:           m.Department,
		EstimatedWaitMinutes: m.EstimatedWaitMinutes,
		QueuedAt:             m.QueuedAt,
	}
}

func toMessageModel(msg *types.Message) messageModel {
	return messageModel{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		Content:    msg.Content,
		Sender:     string(msg.Sender),
		AgentID:    msg.AgentID,
		IsInternal: msg.IsInternal,
		CreatedAt:  utc(msg.CreatedAt),
	}
}

func (m messageModel) toDomain() types.Message {
	return types.Message{
		ID:         m.ID,
		ChatID:     m.ChatID,
		Content:    m.Content,
		Sender:     types.SenderType(m.Sender),
		AgentID:    m.AgentID,
		IsInternal: m.IsInternal,
		CreatedAt:  m.CreatedAt,
	}
}
