package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// APIError is a non-2xx response from the handoff API
type APIError struct {
	StatusCode int
	Message    string            `json:"error"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("handoff api: %d %s %v", e.StatusCode, e.Message, e.Fields)
	}
	return fmt.Sprintf("handoff api: %d %s", e.StatusCode, e.Message)
}

// Client provides typed access to the handoff API of one tenant
type Client struct {
	baseURL    string
	tenantID   string
	token      string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithToken sends a bearer token on every request
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client. baseURL is the server root, without /api/v1.
func NewClient(baseURL, tenantID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		tenantID: tenantID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitiateRequest opens a chat
type InitiateRequest struct {
	UserIdentifier    string          `json:"userIdentifier"`
	UserName          string          `json:"userName,omitempty"`
	Platform          string          `json:"platform,omitempty"`
	BotConversationID string          `json:"botConversationId,omitempty"`
	Department        string          `json:"department,omitempty"`
	Priority          int             `json:"priority,omitempty"`
	HandoffReason     string          `json:"handoffReason,omitempty"`
	BotContext        json.RawMessage `json:"botContext,omitempty"`
}

// InitiateResult mirrors the server's initiate response
type InitiateResult struct {
	Chat                 *types.Chat `json:"chat"`
	Created              bool        `json:"created"`
	Position             int         `json:"position"`
	EstimatedWaitMinutes int         `json:"estimatedWaitMinutes"`
	NoAgentAvailable     bool        `json:"noAgentAvailable"`
}

// HandoffRequest is a bot turn that may escalate
type HandoffRequest struct {
	InitiateRequest
	Message string `json:"message,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

// HandoffResult reports whether the turn escalated
type HandoffResult struct {
	Decision struct {
		ShouldEscalate bool   `json:"shouldEscalate"`
		Reason         string `json:"reason"`
		Department     string `json:"department"`
	} `json:"decision"`
	Escalated bool `json:"escalated"`
	InitiateResult
}

// AgentRequest creates an agent
type AgentRequest struct {
	ID                 string `json:"agentId,omitempty"`
	Name               string `json:"name"`
	Email              string `json:"email,omitempty"`
	Department         string `json:"department,omitempty"`
	Status             string `json:"status,omitempty"`
	MaxConcurrentChats int    `json:"maxConcurrentChats,omitempty"`
}

// SweepResult is the outcome of a manual sweep
type SweepResult struct {
	Assigned    int `json:"assigned"`
	Assignments []struct {
		ChatID    string `json:"chatId"`
		AgentID   string `json:"agentId"`
		AgentName string `json:"agentName"`
		Fallback  bool   `json:"fallback"`
	} `json:"assignments"`
}

// do sends a request and decodes a JSON response into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", c.tenantID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Initiate opens or returns the user's chat
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	var res InitiateResult
	if err := c.do(ctx, http.MethodPost, "/chats", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Handoff submits a bot turn for evaluation
func (c *Client) Handoff(ctx context.Context, req HandoffRequest) (*HandoffResult, error) {
	var res HandoffResult
	if err := c.do(ctx, http.MethodPost, "/handoff", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetChat fetches one chat
func (c *Client) GetChat(ctx context.Context, chatID string) (*types.Chat, error) {
	var chat types.Chat
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ChatQuery filters ListChats; zero values mean any
type ChatQuery struct {
	Status  types.ChatStatus
	AgentID string
	Limit   int
}

// ListChats lists the tenant's chats, newest first
func (c *Client) ListChats(ctx context.Context, query ChatQuery) ([]types.Chat, error) {
	q := url.Values{}
	if query.Status != "" {
		q.Set("status", string(query.Status))
	}
	if query.AgentID != "" {
		q.Set("agentId", query.AgentID)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	path := "/chats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var chats []types.Chat
	if err := c.do(ctx, http.MethodGet, path, nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// SendMessage appends a message to a chat
func (c *Client) SendMessage(ctx context.Context, chatID string, sender types.SenderType, agentID, content string) (*types.Message, error) {
	in := map[string]any{"content": content, "sender": sender}
	if agentID != "" {
		in["agentId"] = agentID
	}
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", in, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History returns a chat's transcript
func (c *Client) History(ctx context.Context, chatID string) ([]types.Message, error) {
	var msgs []types.Message
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Resolve closes a chat, optionally with a 1-5 rating
func (c *Client) Resolve(ctx context.Context, chatID string, rating *int) (*types.Chat, error) {
	var in any
	if rating != nil {
		in = map[string]int{"satisfactionRating": *rating}
	}
	var chat types.Chat
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/resolve", in, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// Abandon marks a waiting chat as left by the user
func (c *Client) Abandon(ctx context.Context, chatID string) (*types.Chat, error) {
	var chat types.Chat
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/abandon", nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// Transfer moves an active chat to another agent
func (c *Client) Transfer(ctx context.Context, chatID, agentID, reason string) (*types.Chat, error) {
	var chat types.Chat
	path := "/chats/" + url.PathEscape(chatID) + "/transfer/" + url.PathEscape(agentID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"reason": reason}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// Assign places a waiting chat on a specific agent
func (c *Client) Assign(ctx context.Context, chatID, agentID string) (*types.Chat, error) {
	var chat types.Chat
	path := "/chats/" + url.PathEscape(chatID) + "/assign/" + url.PathEscape(agentID)
	if err := c.do(ctx, http.MethodPost, path, nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// QueueStatus returns the tenant's queue
func (c *Client) QueueStatus(ctx context.Context) (*types.QueueStatus, error) {
	var status types.QueueStatus
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Sweep triggers an assignment sweep
func (c *Client) Sweep(ctx context.Context) (*SweepResult, error) {
	var res SweepResult
	if err := c.do(ctx, http.MethodPost, "/queue/sweep", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DashboardStats returns the supervisor overview
func (c *Client) DashboardStats(ctx context.Context) (*types.DashboardStats, error) {
	var stats types.DashboardStats
	if err := c.do(ctx, http.MethodGet, "/stats/dashboard", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CreateAgent registers an agent
func (c *Client) CreateAgent(ctx context.Context, req AgentRequest) (*types.Agent, error) {
	var agent types.Agent
	if err := c.do(ctx, http.MethodPost, "/agents", req, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns the tenant's agents
func (c *Client) ListAgents(ctx context.Context) ([]types.Agent, error) {
	var agents []types.Agent
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// SetAgentStatus changes an agent's presence
func (c *Client) SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) (*types.Agent, error) {
	var agent types.Agent
	path := "/agents/" + url.PathEscape(agentID) + "/status"
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"status": string(status)}, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Workload returns what an agent currently holds
func (c *Client) Workload(ctx context.Context, agentID string) (*types.AgentWorkload, error) {
	var w types.AgentWorkload
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/workload", nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
