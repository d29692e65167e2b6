package types

import "time"

// ChatRecord is a finished chat flattened for DynamoDB archival
type ChatRecord struct {
	PartitionKey       string `json:"partitionKey" dynamodbav:"TenantDate"` // tenant#YYYY-MM-DD
	ChatID             string `json:"chatId" dynamodbav:"ChatID"`           // sort key
	TenantID           string `json:"tenantId" dynamodbav:"TenantID"`
	SessionID          string `json:"sessionId" dynamodbav:"SessionID"`
	UserIdentifier     string `json:"userIdentifier" dynamodbav:"UserIdentifier"`
	Department         string `json:"department" dynamodbav:"Department"`
	Priority           int    `json:"priority" dynamodbav:"Priority"`
	Status             string `json:"status" dynamodbav:"Status"`
	AgentID            string `json:"agentId,omitempty" dynamodbav:"AgentID,omitempty"`
	HandoffReason      string `json:"handoffReason,omitempty" dynamodbav:"HandoffReason,omitempty"`
	TransferCount      int    `json:"transferCount" dynamodbav:"TransferCount"`
	CreatedAt          string `json:"createdAt" dynamodbav:"CreatedAt"` // RFC3339
	AssignedAt         string `json:"assignedAt,omitempty" dynamodbav:"AssignedAt,omitempty"`
	EndedAt            string `json:"endedAt,omitempty" dynamodbav:"EndedAt,omitempty"`
	QueueSecs          int    `json:"queueSecs" dynamodbav:"QueueSecs"`
	FirstResponseSecs  int    `json:"firstResponseSecs" dynamodbav:"FirstResponseSecs"`
	ResolutionSecs     int    `json:"resolutionSecs" dynamodbav:"ResolutionSecs"`
	SatisfactionRating int    `json:"satisfactionRating,omitempty" dynamodbav:"SatisfactionRating,omitempty"`
	Abandoned          bool   `json:"abandoned" dynamodbav:"Abandoned"`
}

// ArchiveKey builds the partition key for a tenant and day
func ArchiveKey(tenantID string, day time.Time) string {
	return tenantID + "#" + day.UTC().Format("2006-01-02")
}

// NewChatRecord flattens a finished chat
func NewChatRecord(chat *Chat) ChatRecord {
	rec := ChatRecord{
		PartitionKey:   ArchiveKey(chat.TenantID, chat.CreatedAt),
		ChatID:         chat.ID,
		TenantID:       chat.TenantID,
		SessionID:      chat.SessionID,
		UserIdentifier: chat.UserIdentifier,
		Department:     chat.Department,
		Priority:       int(chat.Priority),
		Status:         string(chat.Status),
		HandoffReason:  chat.HandoffReason,
		TransferCount:  chat.TransferCount,
		CreatedAt:      chat.CreatedAt.UTC().Format(time.RFC3339),
		Abandoned:      chat.Status == ChatAbandoned,
	}

	// agent_id is cleared on close; the last holder moves to PreviousAgentID
	if chat.AgentID != nil {
		rec.AgentID = *chat.AgentID
	} else if chat.PreviousAgentID != nil {
		rec.AgentID = *chat.PreviousAgentID
	}
	if chat.AssignedAt != nil {
		rec.AssignedAt = chat.AssignedAt.UTC().Format(time.RFC3339)
	}
	if chat.EndedAt != nil {
		rec.EndedAt = chat.EndedAt.UTC().Format(time.RFC3339)
	}
	if chat.QueueSecs != nil {
		rec.QueueSecs = *chat.QueueSecs
	}
	if chat.FirstResponseSecs != nil {
		rec.FirstResponseSecs = *chat.FirstResponseSecs
	}
	if chat.ResolutionSecs != nil {
		rec.ResolutionSecs = *chat.ResolutionSecs
	}
	if chat.SatisfactionRating != nil {
		rec.SatisfactionRating = *chat.SatisfactionRating
	}
	return rec
}
