package callqueue

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// Queue maintains the queue_entries projection of waiting chats. The chats
// table is the source of truth; every mutation rebuilds the tenant's
// entries from it inside the caller's transaction so positions are always
// contiguous from 1.
type Queue struct {
	estimator *WaitEstimator
	logger    zerolog.Logger
}

// Estimate is the wait forecast for one queue position
type Estimate struct {
	Minutes          int     `json:"minutes"`
	AverageMinutes   float64 `json:"averageMinutes"`
	AvailableAgents  int     `json:"availableAgents"`
	NoAgentAvailable bool    `json:"noAgentAvailable"`
}

// New creates a queue using the given estimator
func New(estimator *WaitEstimator, logger zerolog.Logger) *Queue {
	return &Queue{
		estimator: estimator,
		logger:    logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds a waiting chat to the tail of its tenant's queue and
// renumbers. The returned entry carries the chat's final position, which
// is ahead of the tail when its priority is higher than others waiting.
func (q *Queue) Enqueue(tx store.Tx, chat *types.Chat, now time.Time) (types.QueueEntry, error) {
	if chat.Status != types.ChatWaiting {
		return types.QueueEntry{}, fmt.Errorf("enqueue chat %s in status %s: %w", chat.ID, chat.Status, types.ErrInvalidTransition)
	}

	current, err := tx.QueueEntries(chat.TenantID)
	if err != nil {
		return types.QueueEntry{}, fmt.Errorf("load queue: %w", err)
	}
	tail := len(current) + 1

	entries, err := q.Renumber(tx, chat.TenantID, now)
	if err != nil {
		return types.QueueEntry{}, err
	}
	for _, e := range entries {
		if e.ChatID == chat.ID {
			q.logger.Debug().
				Str("tenant_id", chat.TenantID).
				Str("chat_id", chat.ID).
				Int("tail", tail).
				Int("position", e.Position).
				Int("queue_depth", len(entries)).
				Msg("chat enqueued")
			return e, nil
		}
	}
	return types.QueueEntry{}, fmt.Errorf("chat %s missing from rebuilt queue: %w", chat.ID, types.ErrNotFound)
}

// Dequeue removes chatID from the tenant's queue and renumbers the rest.
// It works whether or not the caller has already saved the chat's new
// status.
func (q *Queue) Dequeue(tx store.Tx, tenantID, chatID string, now time.Time) ([]types.QueueEntry, error) {
	entries, err := q.rebuild(tx, tenantID, chatID, now)
	if err != nil {
		return nil, err
	}
	q.logger.Debug().
		Str("tenant_id", tenantID).
		Str("chat_id", chatID).
		Int("queue_depth", len(entries)).
		Msg("chat dequeued")
	return entries, nil
}

// Renumber recomputes the tenant's projection from the chats table
func (q *Queue) Renumber(tx store.Tx, tenantID string, now time.Time) ([]types.QueueEntry, error) {
	return q.rebuild(tx, tenantID, "", now)
}

func (q *Queue) rebuild(tx store.Tx, tenantID, skipChatID string, now time.Time) ([]types.QueueEntry, error) {
	waiting, err := tx.WaitingChats(tenantID)
	if err != nil {
		return nil, fmt.Errorf("load waiting chats: %w", err)
	}
	agents, err := tx.AvailableAgents(tenantID, "")
	if err != nil {
		return nil, fmt.Errorf("load available agents: %w", err)
	}
	avg, err := q.estimator.AverageMinutes(tx, tenantID, now)
	if err != nil {
		return nil, err
	}

	entries := make([]types.QueueEntry, 0, len(waiting))
	for _, c := range waiting {
		if c.ID == skipChatID {
			continue
		}
		pos := len(entries) + 1
		entries = append(entries, types.QueueEntry{
			ChatID:               c.ID,
			TenantID:             tenantID,
			Position:             pos,
			Priority:             c.Priority,
			Department:           c.Department,
			EstimatedWaitMinutes: q.estimator.Minutes(pos, avg, len(agents)),
			QueuedAt:             c.QueuedAt,
		})
	}

	if err := tx.ReplaceQueue(tenantID, entries); err != nil {
		return nil, fmt.Errorf("replace queue: %w", err)
	}
	return entries, nil
}

// Position returns the chat's current 1-based position, or 0 when it is
// not queued
func (q *Queue) Position(tx store.Tx, tenantID, chatID string) (int, error) {
	entries, err := tx.QueueEntries(tenantID)
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}
	for _, e := range entries {
		if e.ChatID == chatID {
			return e.Position, nil
		}
	}
	return 0, nil
}

// EstimateWait forecasts the wait for a position. With no available agents
// the estimate still divides by one and NoAgentAvailable is set.
func (q *Queue) EstimateWait(tx store.Tx, tenantID string, position int, now time.Time) (Estimate, error) {
	agents, err := tx.AvailableAgents(tenantID, "")
	if err != nil {
		return Estimate{}, fmt.Errorf("load available agents: %w", err)
	}
	avg, err := q.estimator.AverageMinutes(tx, tenantID, now)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		Minutes:          q.estimator.Minutes(position, avg, len(agents)),
		AverageMinutes:   avg,
		AvailableAgents:  len(agents),
		NoAgentAvailable: len(agents) == 0,
	}, nil
}

// WaitMinutes reuses the inputs of an estimate for another position so a
// whole listing can be priced against the same agent count and average
func (q *Queue) WaitMinutes(position int, est Estimate) int {
	return q.estimator.Minutes(position, est.AverageMinutes, est.AvailableAgents)
}

// Verify compares the stored projection with one derived from the chats
// table and reports whether they differ in membership or order
func Verify(stored, derived []types.QueueEntry) bool {
	if len(stored) != len(derived) {
		return false
	}
	for i := range stored {
		if stored[i].ChatID != derived[i].ChatID || stored[i].Position != derived[i].Position {
			return false
		}
	}
	return true
}
