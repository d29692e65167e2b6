// Package router matches waiting chats to agents and drives every chat
// state change. Each operation is one or more store transactions; events
// are published only after the transaction that produced them commits.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/agentpool"
	"github.com/dennisdiepolder/monti/handoff/internal/alerts"
	"github.com/dennisdiepolder/monti/handoff/internal/callqueue"
	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/trigger"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// System messages written into transcripts
const (
	MsgWelcome  = "You've been connected to our live chat system. An agent will be with you shortly."
	MsgAssigned = "Agent %s has joined the chat. How can I help you today?"
	MsgTransfer = "Chat has been transferred to %s. %s"
	MsgClosed   = "Chat ended. Thank you for contacting us."
)

// Archiver stores finished chats outside the operational store
type Archiver interface {
	SaveChatRecord(ctx context.Context, rec types.ChatRecord) error
}

type noopArchive struct{}

func (noopArchive) SaveChatRecord(context.Context, types.ChatRecord) error { return nil }

// Options wires a Router. Store, Pool, Queue and Publisher are required.
type Options struct {
	Store           store.Store
	Pool            *agentpool.Pool
	Strategy        agentpool.RoutingStrategy
	Queue           *callqueue.Queue
	Trigger         *trigger.Evaluator
	Publisher       events.Publisher
	Archive         Archiver
	Metrics         *metrics.Metrics
	Alerts          alerts.Rules
	SLThresholdSecs int
	Logger          zerolog.Logger
}

// Router is the assignment engine
type Router struct {
	store       store.Store
	pool        *agentpool.Pool
	strategy    agentpool.RoutingStrategy
	queue       *callqueue.Queue
	trigger     *trigger.Evaluator
	publisher   events.Publisher
	archive     Archiver
	metrics     *metrics.Metrics
	alerts      alerts.Rules
	slThreshold int
	now         func() time.Time
	newSession  func() string
	archiveWG   sync.WaitGroup
	logger      zerolog.Logger
}

// New creates a router
func New(o Options) *Router {
	r := &Router{
		store:       o.Store,
		pool:        o.Pool,
		strategy:    o.Strategy,
		queue:       o.Queue,
		trigger:     o.Trigger,
		publisher:   o.Publisher,
		archive:     o.Archive,
		metrics:     o.Metrics,
		alerts:      o.Alerts,
		slThreshold: o.SLThresholdSecs,
		now:         func() time.Time { return time.Now().UTC() },
		newSession:  newSessionID,
		logger:      o.Logger.With().Str("component", "router").Logger(),
	}
	if r.strategy == nil {
		r.strategy = agentpool.LeastLoaded{}
	}
	if r.trigger == nil {
		r.trigger = trigger.New(nil)
	}
	if r.archive == nil {
		r.archive = noopArchive{}
	}
	if r.metrics == nil {
		r.metrics = metrics.Get()
	}
	if r.alerts == (alerts.Rules{}) {
		r.alerts = alerts.DefaultRules
	}
	if r.slThreshold <= 0 {
		r.slThreshold = 120
	}
	return r
}

// SetClock replaces the time source
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Drain waits for in-flight archive writes
func (r *Router) Drain() {
	r.archiveWG.Wait()
}

// emitFunc queues an event for publication after commit
type emitFunc func(types.Event)

// run executes fn in a transaction holding the tenant lock. Events emitted
// by fn are discarded if the transaction is retried or fails.
func (r *Router) run(ctx context.Context, tenantID string, fn func(tx store.Tx, emit emitFunc) error) error {
	var pending []types.Event
	attempt := 0

	err := store.RunTx(ctx, r.store, func(tx store.Tx) error {
		attempt++
		if attempt > 1 {
			r.metrics.RecordTxRetry()
		}
		pending = pending[:0]
		if tenantID != "" {
			if err := tx.LockTenant(tenantID); err != nil {
				return err
			}
		}
		return fn(tx, func(ev types.Event) { pending = append(pending, ev) })
	})
	if err != nil {
		if errors.Is(err, types.ErrUnavailable) {
			r.metrics.RecordUnavailable()
			r.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("store unavailable after retry")
		}
		return err
	}

	for _, ev := range pending {
		r.metrics.RecordChatEvent(ev.Type)
		r.publisher.Publish(ctx, ev)
	}
	return nil
}

// read runs a read-only transaction
func (r *Router) read(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.RunTx(ctx, r.store, fn)
}

// chatTenant looks up the owning tenant so the mutating transaction can
// take the tenant lock before touching the chat row. A chat never moves
// between tenants.
func (r *Router) chatTenant(ctx context.Context, chatID string) (string, error) {
	var tenant string
	err := r.read(ctx, func(tx store.Tx) error {
		c, err := tx.GetChat(chatID)
		if err != nil {
			return err
		}
		tenant = c.TenantID
		return nil
	})
	return tenant, err
}

func (r *Router) agentTenant(ctx context.Context, agentID string) (string, error) {
	var tenant string
	err := r.read(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		tenant = a.TenantID
		return nil
	})
	return tenant, err
}

// sweepAfter runs a sweep triggered by a committed change. Failures are
// logged; the scheduled safety sweep picks up anything left behind.
func (r *Router) sweepAfter(ctx context.Context, tenantID, cause string) {
	if _, err := r.Sweep(ctx, tenantID); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("cause", cause).Msg("follow-up sweep failed")
	}
}

// archiveAsync writes a finished chat to the archive off the request path
func (r *Router) archiveAsync(chat types.Chat) {
	rec := types.NewChatRecord(&chat)
	r.archiveWG.Add(1)
	go func() {
		defer r.archiveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.archive.SaveChatRecord(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("chat_id", rec.ChatID).Msg("failed to archive chat")
		}
	}()
}

func chatEvent(t types.EventType, chat *types.Chat, at time.Time) types.Event {
	ev := types.Event{
		Type:      t,
		TenantID:  chat.TenantID,
		ChatID:    chat.ID,
		SessionID: chat.SessionID,
		Timestamp: at,
	}
	if chat.AgentID != nil {
		ev.AgentID = *chat.AgentID
	}
	return ev
}
