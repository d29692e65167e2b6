package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// Store is an in-process store. Transactions are serialised by one mutex
// and run against a copy of the state that is swapped in on commit, so a
// failed transaction leaves nothing behind.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	agents   map[string]types.Agent
	chats    map[string]types.Chat
	queues   map[string][]types.QueueEntry // tenantID -> entries
	messages map[string][]types.Message    // chatID -> transcript
}

// New creates an empty memory store
func New() *Store {
	return &Store{
		state: &state{
			agents:   make(map[string]types.Agent),
			chats:    make(map[string]types.Chat),
			queues:   make(map[string][]types.QueueEntry),
			messages: make(map[string][]types.Message),
		},
	}
}

// Transaction runs fn with exclusive access to a working copy
func (s *Store) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		base: s.state,
		work: &state{
			agents: cloneMap(s.state.agents),
			chats:  cloneMap(s.state.chats),
			queues: cloneMap(s.state.queues),
		},
		pending: make(map[string][]types.Message),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Messages are append-only, so only new ones are merged on commit
	messages := s.state.messages
	for chatID, msgs := range tx.pending {
		messages[chatID] = append(messages[chatID], msgs...)
	}
	tx.work.messages = messages
	s.state = tx.work
	return nil
}

// Close is a no-op
func (s *Store) Close() error { return nil }

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memTx struct {
	base    *state
	work    *state
	pending map[string][]types.Message
}

func (t *memTx) LockTenant(string) error { return nil }

func (t *memTx) CreateAgent(agent *types.Agent) error {
	if _, exists := t.work.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already exists: %w", agent.ID, types.ErrInvalidInput)
	}
	t.work.agents[agent.ID] = *agent
	return nil
}

func (t *memTx) GetAgent(agentID string) (*types.Agent, error) {
	a, ok := t.work.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	return &a, nil
}

func (t *memTx) ListAgents(tenantID string) ([]types.Agent, error) {
	var out []types.Agent
	for _, a := range t.work.agents {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateAgent(agent *types.Agent) error {
	existing, ok := t.work.agents[agent.ID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agent.ID, types.ErrNotFound)
	}
	// Counters are owned by reserve/release and IncrementHandled
	agent.CurrentChatCount = existing.CurrentChatCount
	agent.TotalChatsHandled = existing.TotalChatsHandled
	t.work.agents[agent.ID] = *agent
	return nil
}

func (t *memTx) SetAgentStatus(agentID string, status types.AgentStatus) error {
	a, ok := t.work.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	t.work.agents[agentID] = a
	return nil
}

func (t *memTx) AvailableAgents(tenantID, department string) ([]types.Agent, error) {
	var out []types.Agent
	for _, a := range t.work.agents {
		if a.TenantID != tenantID || !a.Available() {
			continue
		}
		if department != "" && a.Department != department {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ReserveAgent(agentID string) (bool, error) {
	a, ok := t.work.agents[agentID]
	if !ok {
		return false, fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	if a.CurrentChatCount >= a.MaxConcurrentChats {
		return false, nil
	}
	a.CurrentChatCount++
	t.work.agents[agentID] = a
	return true, nil
}

func (t *memTx) ReleaseAgent(agentID string) (bool, error) {
	a, ok := t.work.agents[agentID]
	if !ok {
		return false, fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	if a.CurrentChatCount <= 0 {
		return false, nil
	}
	a.CurrentChatCount--
	t.work.agents[agentID] = a
	return true, nil
}

func (t *memTx) IncrementHandled(agentID string) error {
	a, ok := t.work.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrNotFound)
	}
	a.TotalChatsHandled++
	t.work.agents[agentID] = a
	return nil
}

func (t *memTx) CreateChat(chat *types.Chat) error {
	if _, exists := t.work.chats[chat.ID]; exists {
		return fmt.Errorf("chat %s: %w", chat.ID, types.ErrDuplicate)
	}
	for _, c := range t.work.chats {
		if c.SessionID == chat.SessionID {
			return fmt.Errorf("session %s: %w", chat.SessionID, types.ErrDuplicate)
		}
	}
	t.work.chats[chat.ID] = *chat
	return nil
}

func (t *memTx) GetChat(chatID string) (*types.Chat, error) {
	c, ok := t.work.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, types.ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) FindOpenChat(tenantID, userIdentifier string) (*types.Chat, error) {
	var found *types.Chat
	for _, c := range t.work.chats {
		if c.TenantID != tenantID || c.UserIdentifier != userIdentifier || c.Status.Terminal() {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			c := c
			found = &c
		}
	}
	if found == nil {
		return nil, fmt.Errorf("open chat for %s: %w", userIdentifier, types.ErrNotFound)
	}
	return found, nil
}

func (t *memTx) UpdateChat(chat *types.Chat) error {
	if _, ok := t.work.chats[chat.ID]; !ok {
		return fmt.Errorf("chat %s: %w", chat.ID, types.ErrNotFound)
	}
	t.work.chats[chat.ID] = *chat
	return nil
}

func (t *memTx) ListChats(f store.ChatFilter) ([]types.Chat, error) {
	var out []types.Chat
	for _, c := range t.work.chats {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.AgentID != "" && !c.AssignedTo(f.AgentID) {
			continue
		}
		if f.UserIdentifier != "" && c.UserIdentifier != f.UserIdentifier {
			continue
		}
		if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, c)
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) WaitingChats(tenantID string) ([]types.Chat, error) {
	var out []types.Chat
	for _, c := range t.work.chats {
		if c.TenantID == tenantID && c.Status == types.ChatWaiting {
			out = append(out, c)
		}
	}
	store.SortWaiting(out)
	return out, nil
}

func (t *memTx) ActiveChatIDs(agentID string) ([]string, error) {
	var out []string
	for _, c := range t.work.chats {
		if c.Status == types.ChatActive && c.AssignedTo(agentID) {
			out = append(out, c.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) TenantsWithWaiting() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.work.chats {
		if c.Status == types.ChatWaiting && !seen[c.TenantID] {
			seen[c.TenantID] = true
			out = append(out, c.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) ResolutionSamples(tenantID string, since time.Time, limit int) ([]int, error) {
	var resolved []types.Chat
	for _, c := range t.work.chats {
		if c.TenantID != tenantID || c.Status != types.ChatResolved || c.ResolutionSecs == nil || c.EndedAt == nil {
			continue
		}
		if c.EndedAt.Before(since) {
			continue
		}
		resolved = append(resolved, c)
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].EndedAt.After(*resolved[j].EndedAt) })
	if limit > 0 && len(resolved) > limit {
		resolved = resolved[:limit]
	}

	out := make([]int, 0, len(resolved))
	for _, c := range resolved {
		out = append(out, *c.ResolutionSecs)
	}
	return out, nil
}

func (t *memTx) ReplaceQueue(tenantID string, entries []types.QueueEntry) error {
	if len(entries) == 0 {
		delete(t.work.queues, tenantID)
		return nil
	}
	cp := make([]types.QueueEntry, len(entries))
	copy(cp, entries)
	t.work.queues[tenantID] = cp
	return nil
}

func (t *memTx) QueueEntries(tenantID string) ([]types.QueueEntry, error) {
	entries := t.work.queues[tenantID]
	out := make([]types.QueueEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (t *memTx) AppendMessage(msg *types.Message) error {
	if _, ok := t.work.chats[msg.ChatID]; !ok {
		return fmt.Errorf("chat %s: %w", msg.ChatID, types.ErrNotFound)
	}
	t.pending[msg.ChatID] = append(t.pending[msg.ChatID], *msg)
	return nil
}

func (t *memTx) ListMessages(chatID string, limit int) ([]types.Message, error) {
	committed := t.base.messages[chatID]
	out := make([]types.Message, 0, len(committed)+len(t.pending[chatID]))
	out = append(out, committed...)
	out = append(out, t.pending[chatID]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
