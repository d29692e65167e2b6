package router

import (
	"context"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/alerts"
	"github.com/dennisdiepolder/monti/handoff/internal/callqueue"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// abandonmentWindow is how far back a prior abandoned chat marks a user
// as likely to abandon again
const abandonmentWindow = 7 * 24 * time.Hour

// GetChat returns one chat
func (r *Router) GetChat(ctx context.Context, chatID string) (*types.Chat, error) {
	var out *types.Chat
	err := r.read(ctx, func(tx store.Tx) error {
		c, err := tx.GetChat(chatID)
		out = c
		return err
	})
	return out, err
}

// ListChats returns chats matching the filter, newest first
func (r *Router) ListChats(ctx context.Context, f store.ChatFilter) ([]types.Chat, error) {
	var out []types.Chat
	err := r.read(ctx, func(tx store.Tx) error {
		chats, err := tx.ListChats(f)
		out = chats
		return err
	})
	if out == nil && err == nil {
		out = []types.Chat{}
	}
	return out, err
}

// QueueStatus reports the tenant's waiting chats with their positions and
// wait estimates
func (r *Router) QueueStatus(ctx context.Context, tenantID string) (*types.QueueStatus, error) {
	var out *types.QueueStatus
	err := r.read(ctx, func(tx store.Tx) error {
		qs, err := r.queueStatus(tx, tenantID, r.now())
		out = qs
		return err
	})
	return out, err
}

func (r *Router) queueStatus(tx store.Tx, tenantID string, now time.Time) (*types.QueueStatus, error) {
	entries, err := tx.QueueEntries(tenantID)
	if err != nil {
		return nil, err
	}
	waiting, err := tx.WaitingChats(tenantID)
	if err != nil {
		return nil, err
	}
	chats := make(map[string]types.Chat, len(waiting))
	for _, c := range waiting {
		chats[c.ID] = c
	}

	abandoned, err := tx.ListChats(store.ChatFilter{
		TenantID: tenantID,
		Status:   types.ChatAbandoned,
		Since:    now.Add(-abandonmentWindow),
	})
	if err != nil {
		return nil, err
	}
	atRisk := make(map[string]bool, len(abandoned))
	for _, c := range abandoned {
		atRisk[c.UserIdentifier] = true
	}

	next, err := r.queue.EstimateWait(tx, tenantID, len(entries)+1, now)
	if err != nil {
		return nil, err
	}

	qs := &types.QueueStatus{
		TenantID:                 tenantID,
		QueueLength:              len(entries),
		AvailableAgents:          next.AvailableAgents,
		NextEstimatedWaitMinutes: next.Minutes,
		NoAgentAvailable:         next.NoAgentAvailable,
		Entries:                  make([]types.QueueStatusEntry, 0, len(entries)),
		GeneratedAt:              now,
	}
	for _, e := range entries {
		c := chats[e.ChatID]
		waited := now.Sub(e.QueuedAt)
		qs.Entries = append(qs.Entries, types.QueueStatusEntry{
			ChatID:        e.ChatID,
			SessionID:     c.SessionID,
			Position:      e.Position,
			WaitMinutes:   r.queue.WaitMinutes(e.Position, next),
			WaitedMinutes: int(waited.Minutes()),
			Department:    e.Department,
			Priority:      e.Priority,
			Indicators:    r.alerts.QueueIndicators(waited, e.Priority, atRisk[c.UserIdentifier]),
		})
	}
	return qs, nil
}

// AgentWorkload reports what an agent is holding
func (r *Router) AgentWorkload(ctx context.Context, agentID string) (*types.AgentWorkload, error) {
	var out types.AgentWorkload
	err := r.read(ctx, func(tx store.Tx) error {
		w, err := r.pool.Workload(tx, agentID)
		out = w
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DashboardStats is the supervisor overview. "Today" is the current UTC
// day.
func (r *Router) DashboardStats(ctx context.Context, tenantID string) (*types.DashboardStats, error) {
	now := r.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stats := &types.DashboardStats{TenantID: tenantID}
	err := r.read(ctx, func(tx store.Tx) error {
		active, err := tx.ListChats(store.ChatFilter{TenantID: tenantID, Status: types.ChatActive})
		if err != nil {
			return err
		}
		waiting, err := tx.WaitingChats(tenantID)
		if err != nil {
			return err
		}
		// Chats created before today can still finish today
		recent, err := tx.ListChats(store.ChatFilter{TenantID: tenantID, Since: dayStart.Add(-abandonmentWindow)})
		if err != nil {
			return err
		}
		agents, err := tx.ListAgents(tenantID)
		if err != nil {
			return err
		}

		stats.ActiveChats = len(active)
		stats.WaitingChats = len(waiting)
		stats.TotalAgents = len(agents)
		for _, a := range agents {
			if a.Status.Routable() {
				stats.OnlineAgents++
			}
		}

		sl := callqueue.NewSLTracker(r.slThreshold)
		var frTotal, frCount, qTotal, qCount int
		for _, c := range recent {
			if c.EndedAt != nil && !c.EndedAt.Before(dayStart) {
				switch c.Status {
				case types.ChatResolved:
					stats.ResolvedToday++
				case types.ChatAbandoned:
					stats.AbandonedToday++
				}
			}
			if c.AssignedAt == nil || c.AssignedAt.Before(dayStart) {
				continue
			}
			if c.FirstResponseSecs != nil {
				frTotal += *c.FirstResponseSecs
				frCount++
			}
			if c.QueueSecs != nil {
				qTotal += *c.QueueSecs
				qCount++
				sl.RecordAnswer(*c.QueueSecs)
			}
		}
		if frCount > 0 {
			stats.AvgFirstResponseSeconds = frTotal / frCount
		}
		if qCount > 0 {
			stats.AvgQueueSeconds = qTotal / qCount
		}
		stats.ServiceLevel = sl.Snapshot()

		qs, err := r.queueStatus(tx, tenantID, now)
		if err != nil {
			return err
		}
		stats.Queue = *qs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Tenants lists tenants that currently have waiting chats
func (r *Router) Tenants(ctx context.Context) ([]string, error) {
	var out []string
	err := r.read(ctx, func(tx store.Tx) error {
		tenants, err := tx.TenantsWithWaiting()
		out = tenants
		return err
	})
	return out, err
}

// LongWaits returns waiting chats queued longer than maxWait, in queue
// order
func (r *Router) LongWaits(ctx context.Context, tenantID string, maxWait time.Duration) ([]types.Chat, error) {
	now := r.now()
	var out []types.Chat
	err := r.read(ctx, func(tx store.Tx) error {
		waiting, err := tx.WaitingChats(tenantID)
		if err != nil {
			return err
		}
		for _, c := range waiting {
			if alerts.WaitExceeded(now.Sub(c.QueuedAt), maxWait) {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

// NotifyWaitExceeded publishes a wait warning for chat. It changes
// nothing; the chat keeps its place in the queue.
func (r *Router) NotifyWaitExceeded(ctx context.Context, chat *types.Chat) {
	now := r.now()
	ev := chatEvent(types.EventWaitExceeded, chat, now)
	ev.Reason = alerts.WaitMessage(now.Sub(chat.QueuedAt))
	r.metrics.RecordChatEvent(ev.Type)
	r.publisher.Publish(ctx, ev)
}

// ReconcileReport describes what a consistency pass found
type ReconcileReport struct {
	TenantID    string   `json:"tenantId"`
	QueueDrift  bool     `json:"queueDrift"`
	QueueLength int      `json:"queueLength"`
	AgentDrift  []string `json:"agentDrift,omitempty"`
}

// Reconcile rebuilds the tenant's queue projection from the chats table
// and reports whether the stored one had drifted. Agents whose chat count
// disagrees with the chats they hold are reported, not repaired.
func (r *Router) Reconcile(ctx context.Context, tenantID string) (*ReconcileReport, error) {
	report := &ReconcileReport{TenantID: tenantID}
	err := r.run(ctx, tenantID, func(tx store.Tx, _ emitFunc) error {
		report.QueueDrift, report.AgentDrift = false, nil

		stored, err := tx.QueueEntries(tenantID)
		if err != nil {
			return err
		}
		derived, err := r.queue.Renumber(tx, tenantID, r.now())
		if err != nil {
			return err
		}
		report.QueueDrift = !callqueue.Verify(stored, derived)
		report.QueueLength = len(derived)

		agents, err := tx.ListAgents(tenantID)
		if err != nil {
			return err
		}
		for _, a := range agents {
			ids, err := tx.ActiveChatIDs(a.ID)
			if err != nil {
				return err
			}
			if len(ids) != a.CurrentChatCount {
				report.AgentDrift = append(report.AgentDrift, a.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.QueueDrift {
		r.logger.Warn().Str("tenant_id", tenantID).Int("queue_depth", report.QueueLength).Msg("queue projection drifted, rebuilt")
	}
	for _, id := range report.AgentDrift {
		r.logger.Error().Str("tenant_id", tenantID).Str("agent_id", id).Msg("agent chat count does not match active chats")
	}
	return report, nil
}
