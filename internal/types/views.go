package types

import "time"

// QueueStatus is the tenant-wide view of waiting chats
type QueueStatus struct {
	TenantID                 string             `json:"tenantId"`
	QueueLength              int                `json:"queueLength"`
	AvailableAgents          int                `json:"availableAgents"`
	NextEstimatedWaitMinutes int                `json:"nextEstimatedWaitMinutes"`
	NoAgentAvailable         bool               `json:"noAgentAvailable"`
	Entries                  []QueueStatusEntry `json:"entries"`
	GeneratedAt              time.Time          `json:"generatedAt"`
}

// QueueStatusEntry describes one waiting chat
type QueueStatusEntry struct {
	ChatID        string   `json:"chatId"`
	SessionID     string   `json:"sessionId"`
	Position      int      `json:"position"`
	WaitMinutes   int      `json:"waitMinutes"`
	WaitedMinutes int      `json:"waitedMinutes"`
	Department    string   `json:"department"`
	Priority      Priority `json:"priority"`
	Indicators    []string `json:"indicators,omitempty"`
}

// AgentWorkload summarises what an agent is currently handling
type AgentWorkload struct {
	AgentID       string      `json:"agentId"`
	Name          string      `json:"name"`
	Status        AgentStatus `json:"status"`
	CurrentChats  int         `json:"currentChats"`
	MaxChats      int         `json:"maxChats"`
	Availability  int         `json:"availability"`
	ActiveChatIDs []string    `json:"activeChatIds"`
}

// ServiceLevel reports how many assignments happened within the target wait
type ServiceLevel struct {
	ThresholdSecs int     `json:"thresholdSecs"`
	AnsweredInSL  int     `json:"answeredInSL"`
	TotalAnswered int     `json:"totalAnswered"`
	CurrentSL     float64 `json:"currentSL"`
}

// DashboardStats is the supervisor overview for a tenant
type DashboardStats struct {
	TenantID                string       `json:"tenantId"`
	ActiveChats             int          `json:"activeChats"`
	WaitingChats            int          `json:"waitingChats"`
	ResolvedToday           int          `json:"resolvedToday"`
	AbandonedToday          int          `json:"abandonedToday"`
	OnlineAgents            int          `json:"onlineAgents"`
	TotalAgents             int          `json:"totalAgents"`
	AvgFirstResponseSeconds int          `json:"avgFirstResponseSeconds"`
	AvgQueueSeconds         int          `json:"avgQueueSeconds"`
	ServiceLevel            ServiceLevel `json:"serviceLevel"`
	Queue                   QueueStatus  `json:"queue"`
}
