package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// Store runs units of work against the persistence layer. Each call to
// Transaction is atomic and isolated; it is the only concurrency control
// the engine relies on.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// ChatFilter narrows ListChats. Zero values mean "any".
type ChatFilter struct {
	TenantID       string
	Status         types.ChatStatus
	AgentID        string
	UserIdentifier string
	Since          time.Time
	Limit          int
}

// Tx is the set of reads and writes available inside a transaction
type Tx interface {
	// LockTenant serialises mutating transactions of one tenant
	LockTenant(tenantID string) error

	CreateAgent(agent *types.Agent) error
	GetAgent(agentID string) (*types.Agent, error)
	ListAgents(tenantID string) ([]types.Agent, error)
	UpdateAgent(agent *types.Agent) error
	SetAgentStatus(agentID string, status types.AgentStatus) error
	AvailableAgents(tenantID, department string) ([]types.Agent, error)
	// ReserveAgent increments current_chat_count only if it is below the
	// maximum, as one conditional write. It reports whether a slot was taken.
	ReserveAgent(agentID string) (bool, error)
	// ReleaseAgent decrements current_chat_count, never below zero. It
	// reports whether a slot was actually freed.
	ReleaseAgent(agentID string) (bool, error)
	IncrementHandled(agentID string) error

	CreateChat(chat *types.Chat) error
	GetChat(chatID string) (*types.Chat, error)
	FindOpenChat(tenantID, userIdentifier string) (*types.Chat, error)
	UpdateChat(chat *types.Chat) error
	ListChats(filter ChatFilter) ([]types.Chat, error)
	// WaitingChats returns waiting chats in queue order
	WaitingChats(tenantID string) ([]types.Chat, error)
	ActiveChatIDs(agentID string) ([]string, error)
	TenantsWithWaiting() ([]string, error)
	// ResolutionSamples returns resolution times in seconds of chats
	// resolved since the given time, most recent first
	ResolutionSamples(tenantID string, since time.Time, limit int) ([]int, error)

	ReplaceQueue(tenantID string, entries []types.QueueEntry) error
	QueueEntries(tenantID string) ([]types.QueueEntry, error)

	AppendMessage(msg *types.Message) error
	ListMessages(chatID string, limit int) ([]types.Message, error)
}

// RunTx executes fn in a transaction and retries once when the failure is
// not a domain outcome. A second failure is reported as ErrUnavailable.
func RunTx(ctx context.Context, s Store, fn func(tx Tx) error) error {
	err := s.Transaction(ctx, fn)
	if err == nil || types.IsDomainError(err) || ctx.Err() != nil {
		return err
	}

	err = s.Transaction(ctx, fn)
	if err == nil || types.IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
}

// SortWaiting orders chats by priority desc, queued_at asc, id asc
func SortWaiting(chats []types.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].Priority != chats[j].Priority {
			return chats[i].Priority > chats[j].Priority
		}
		if !chats[i].QueuedAt.Equal(chats[j].QueuedAt) {
			return chats[i].QueuedAt.Before(chats[j].QueuedAt)
		}
		return chats[i].ID < chats[j].ID
	})
}
