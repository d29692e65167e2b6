package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/agentpool"
	"github.com/dennisdiepolder/monti/handoff/internal/alerts"
	"github.com/dennisdiepolder/monti/handoff/internal/callqueue"
	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/relay"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/store/memory"
	"github.com/dennisdiepolder/monti/handoff/internal/store/sqlstore"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

const tenant = "acme"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeArchive struct {
	mu      sync.Mutex
	records []types.ChatRecord
}

func (a *fakeArchive) SaveChatRecord(_ context.Context, rec types.ChatRecord) error {
	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()
	return nil
}

type harness struct {
	router  *Router
	relay   *relay.Relay
	store   store.Store
	events  *events.Recorder
	archive *fakeArchive
	metrics *metrics.Metrics
	clock   *clock
}

func newHarnessWithStore(t *testing.T, s store.Store) *harness {
	t.Helper()
	logger := zerolog.Nop()
	rec := events.NewRecorder()
	arch := &fakeArchive{}
	m := metrics.New()
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}

	r := New(Options{
		Store:     s,
		Pool:      agentpool.NewPool(3, types.DefaultDepartments, logger),
		Queue:     callqueue.New(callqueue.NewWaitEstimator(), logger),
		Publisher: rec,
		Archive:   arch,
		Metrics:   m,
		Alerts:    alerts.DefaultRules,
		Logger:    logger,
	})
	r.SetClock(clk.Now)

	rl := relay.New(s, rec, m, logger)
	rl.SetClock(clk.Now)

	return &harness{router: r, relay: rl, store: s, events: rec, archive: arch, metrics: m, clock: clk}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, memory.New())
}

func (h *harness) addAgent(t *testing.T, id, dept string, capacity int, status types.AgentStatus) {
	t.Helper()
	_, err := h.router.CreateAgent(context.Background(), &types.Agent{
		ID:                 id,
		TenantID:           tenant,
		Name:               "Agent " + id,
		Department:         dept,
		Status:             status,
		MaxConcurrentChats: capacity,
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
}

func (h *harness) initiate(t *testing.T, user, dept string) *InitiateResult {
	t.Helper()
	res, err := h.router.Initiate(context.Background(), InitiateRequest{
		TenantID:       tenant,
		UserIdentifier: user,
		Department:     dept,
	})
	if err != nil {
		t.Fatalf("initiate %s: %v", user, err)
	}
	return res
}

func (h *harness) agent(t *testing.T, id string) *types.Agent {
	t.Helper()
	a, err := h.router.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("get agent %s: %v", id, err)
	}
	return a
}

func (h *harness) chat(t *testing.T, id string) *types.Chat {
	t.Helper()
	c, err := h.router.GetChat(context.Background(), id)
	if err != nil {
		t.Fatalf("get chat %s: %v", id, err)
	}
	return c
}

func (h *harness) queueEntries(t *testing.T) []types.QueueEntry {
	t.Helper()
	var out []types.QueueEntry
	err := h.store.Transaction(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.QueueEntries(tenant)
		return err
	})
	if err != nil {
		t.Fatalf("queue entries: %v", err)
	}
	return out
}

// checkInvariants asserts the counting and queue invariants for the tenant
func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	err := h.store.Transaction(context.Background(), func(tx store.Tx) error {
		agents, err := tx.ListAgents(tenant)
		if err != nil {
			return err
		}
		for _, a := range agents {
			ids, err := tx.ActiveChatIDs(a.ID)
			if err != nil {
				return err
			}
			if a.CurrentChatCount < 0 || a.CurrentChatCount > a.MaxConcurrentChats {
				t.Errorf("agent %s count %d outside [0,%d]", a.ID, a.CurrentChatCount, a.MaxConcurrentChats)
			}
			if len(ids) != a.CurrentChatCount {
				t.Errorf("agent %s count %d but holds %d active chats", a.ID, a.CurrentChatCount, len(ids))
			}
		}

		entries, err := tx.QueueEntries(tenant)
		if err != nil {
			return err
		}
		waiting, err := tx.WaitingChats(tenant)
		if err != nil {
			return err
		}
		if len(entries) != len(waiting) {
			t.Errorf("%d queue entries for %d waiting chats", len(entries), len(waiting))
		}
		for i, e := range entries {
			if e.Position != i+1 {
				t.Errorf("entry %d has position %d", i, e.Position)
			}
			if i < len(waiting) && waiting[i].ID != e.ChatID {
				t.Errorf("position %d: expected %s, got %s", i+1, waiting[i].ID, e.ChatID)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check invariants: %v", err)
	}
}

func TestScenarioA_NoAgentsDefaultEstimate(t *testing.T) {
	h := newHarness(t)

	res, err := h.router.Handoff(context.Background(), HandoffRequest{
		InitiateRequest: InitiateRequest{TenantID: tenant, UserIdentifier: "user-1"},
		Message:         "I want to talk to a human",
	})
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}

	d := res.Decision
	if !d.ShouldEscalate || d.Reason != "user_requested" || d.Department != "general" {
		t.Errorf("unexpected decision %+v", d)
	}
	if !res.Escalated || res.InitiateResult == nil {
		t.Fatal("expected escalation")
	}
	if res.Chat.Status != types.ChatWaiting {
		t.Errorf("expected waiting, got %s", res.Chat.Status)
	}
	if res.Position != 1 {
		t.Errorf("expected position 1, got %d", res.Position)
	}
	if res.EstimatedWaitMinutes != 15 {
		t.Errorf("expected 15 minute default, got %d", res.EstimatedWaitMinutes)
	}
	if !res.NoAgentAvailable {
		t.Error("expected NoAgentAvailable")
	}
	if res.Chat.HandoffReason != "user_requested" {
		t.Errorf("expected reason stored, got %q", res.Chat.HandoffReason)
	}
	h.checkInvariants(t)
}

func TestHandoffWithoutEscalation(t *testing.T) {
	h := newHarness(t)
	res, err := h.router.Handoff(context.Background(), HandoffRequest{
		InitiateRequest: InitiateRequest{TenantID: tenant, UserIdentifier: "user-1"},
		Message:         "what are your opening hours",
	})
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if res.Escalated || res.InitiateResult != nil {
		t.Error("expected no chat for a message that does not escalate")
	}
	if len(h.events.Events()) != 0 {
		t.Error("expected no events")
	}
}

func TestScenarioB_AssignAndFirstResponse(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "billing", 2, types.AgentOnline)

	res := h.initiate(t, "user-1", "billing")
	if res.Chat.Status != types.ChatActive {
		t.Fatalf("expected active after sweep, got %s", res.Chat.Status)
	}
	if !res.Chat.AssignedTo("agent-1") {
		t.Errorf("expected agent-1, got %v", res.Chat.AgentID)
	}
	if res.Position != 0 {
		t.Errorf("active chat should have no position, got %d", res.Position)
	}
	if a := h.agent(t, "agent-1"); a.CurrentChatCount != 1 || a.TotalChatsHandled != 1 {
		t.Errorf("expected count 1 handled 1, got %d/%d", a.CurrentChatCount, a.TotalChatsHandled)
	}
	if len(h.queueEntries(t)) != 0 {
		t.Error("expected empty queue")
	}

	h.clock.Advance(30 * time.Second)
	_, err := h.relay.Send(context.Background(), relay.SendRequest{
		ChatID: res.Chat.ID, Content: "Hello, how can I help?", Sender: types.SenderAgent, AgentID: "agent-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if c := h.chat(t, res.Chat.ID); c.FirstResponseSecs == nil || *c.FirstResponseSecs != 30 {
		t.Errorf("expected first response 30s, got %v", c.FirstResponseSecs)
	}

	want := []types.EventType{
		types.EventChatQueued, types.EventMessageAppended,
		types.EventChatAssigned, types.EventMessageAppended,
		types.EventMessageAppended,
	}
	got := h.events.Types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	h.checkInvariants(t)
}

func TestScenarioC_TransferToFullAgent(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-a", "general", 1, types.AgentOnline)
	first := h.initiate(t, "user-1", "general")

	h.addAgent(t, "agent-b", "general", 1, types.AgentOnline)
	second := h.initiate(t, "user-2", "general")
	if !first.Chat.AssignedTo("agent-a") || !second.Chat.AssignedTo("agent-b") {
		t.Fatalf("setup: unexpected assignment %v %v", first.Chat.AgentID, second.Chat.AgentID)
	}
	h.events.Reset()

	_, err := h.router.Transfer(context.Background(), first.Chat.ID, "agent-b", "needs billing")
	if !errors.Is(err, types.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}

	c := h.chat(t, first.Chat.ID)
	if !c.AssignedTo("agent-a") || c.TransferCount != 0 || c.PreviousAgentID != nil {
		t.Errorf("chat must stay on agent-a untouched, got %+v", c)
	}
	if a := h.agent(t, "agent-a"); a.CurrentChatCount != 1 {
		t.Errorf("agent-a count changed to %d", a.CurrentChatCount)
	}
	if b := h.agent(t, "agent-b"); b.CurrentChatCount != 1 {
		t.Errorf("agent-b count changed to %d", b.CurrentChatCount)
	}
	if len(h.events.Events()) != 0 {
		t.Errorf("failed transfer must not publish, got %v", h.events.Types())
	}
	h.checkInvariants(t)
}

func TestScenarioD_ResolutionFeedsEstimate(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 1, types.AgentOnline)
	res := h.initiate(t, "user-1", "general")

	qs, err := h.router.QueueStatus(context.Background(), tenant)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if qs.NextEstimatedWaitMinutes != 15 {
		t.Errorf("expected 15 before history, got %d", qs.NextEstimatedWaitMinutes)
	}

	h.clock.Advance(600 * time.Second)
	resolved, err := h.router.Resolve(context.Background(), res.Chat.ID, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ResolutionSecs == nil || *resolved.ResolutionSecs != 600 {
		t.Fatalf("expected 600s resolution, got %v", resolved.ResolutionSecs)
	}

	qs, err = h.router.QueueStatus(context.Background(), tenant)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	// one sample of 10 minutes, one free agent, next position 1
	if qs.NextEstimatedWaitMinutes != 10 {
		t.Errorf("expected 10 after one 600s sample, got %d", qs.NextEstimatedWaitMinutes)
	}
}

func TestInitiateIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first := h.initiate(t, "user-1", "sales")
	second := h.initiate(t, "user-1", "billing")

	if first.Chat.ID != second.Chat.ID {
		t.Errorf("expected same chat, got %s and %s", first.Chat.ID, second.Chat.ID)
	}
	if !first.Created || second.Created {
		t.Errorf("expected created then existing, got %v %v", first.Created, second.Created)
	}
	if second.Chat.Department != "sales" {
		t.Errorf("department is fixed at creation, got %s", second.Chat.Department)
	}
	if n := len(h.queueEntries(t)); n != 1 {
		t.Errorf("expected exactly one queue entry, got %d", n)
	}
	if second.Position != 1 {
		t.Errorf("expected position 1, got %d", second.Position)
	}
}

func TestInitiateAfterResolveOpensNewChat(t *testing.T) {
	h := newHarness(t)
	first := h.initiate(t, "user-1", "general")
	if _, err := h.router.Resolve(context.Background(), first.Chat.ID, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second := h.initiate(t, "user-1", "general")
	if second.Chat.ID == first.Chat.ID || !second.Created {
		t.Error("expected a fresh chat after resolution")
	}
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)
	tests := []InitiateRequest{
		{TenantID: tenant},
		{UserIdentifier: "u"},
		{TenantID: tenant, UserIdentifier: "u", Priority: 7},
		{TenantID: tenant, UserIdentifier: "u", BotContext: []byte("{not json")},
	}
	for i, req := range tests {
		if _, err := h.router.Initiate(context.Background(), req); !errors.Is(err, types.ErrInvalidInput) {
			t.Errorf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestSessionIDFormat(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "user-1", "general")
	sid := res.Chat.SessionID
	if len(sid) != 13 || sid[:5] != "live_" {
		t.Errorf("unexpected session id %q", sid)
	}
}

func TestResolveRoundTripFreesSlotForQueue(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 1, types.AgentOnline)

	first := h.initiate(t, "user-1", "general")
	second := h.initiate(t, "user-2", "general")
	if second.Chat.Status != types.ChatWaiting {
		t.Fatalf("agent is full, expected waiting, got %s", second.Chat.Status)
	}

	rating := 4
	resolved, err := h.router.Resolve(context.Background(), first.Chat.ID, &rating)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != types.ChatResolved || resolved.AgentID != nil {
		t.Errorf("unexpected resolved chat %+v", resolved)
	}
	if resolved.PreviousAgentID == nil || *resolved.PreviousAgentID != "agent-1" {
		t.Errorf("expected last agent kept, got %v", resolved.PreviousAgentID)
	}

	// The freed slot went straight to the waiting chat
	if c := h.chat(t, second.Chat.ID); !c.AssignedTo("agent-1") {
		t.Errorf("expected waiting chat assigned after release, got %s", c.Status)
	}
	if a := h.agent(t, "agent-1"); a.CurrentChatCount != 1 || a.TotalChatsHandled != 2 {
		t.Errorf("expected count 1 handled 2, got %d/%d", a.CurrentChatCount, a.TotalChatsHandled)
	}

	h.router.Drain()
	h.archive.mu.Lock()
	defer h.archive.mu.Unlock()
	if len(h.archive.records) != 1 || h.archive.records[0].AgentID != "agent-1" || h.archive.records[0].SatisfactionRating != 4 {
		t.Errorf("unexpected archive records %+v", h.archive.records)
	}
	h.checkInvariants(t)
}

func TestResolveTerminalIsNoop(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "user-1", "general")
	if _, err := h.router.Resolve(context.Background(), res.Chat.ID, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.events.Reset()

	again, err := h.router.Resolve(context.Background(), res.Chat.ID, nil)
	if err != nil {
		t.Fatalf("second resolve should succeed, got %v", err)
	}
	if again.Status != types.ChatResolved {
		t.Errorf("expected resolved, got %s", again.Status)
	}
	if len(h.events.Events()) != 0 {
		t.Errorf("no-op resolve must not publish, got %v", h.events.Types())
	}
}

func TestResolveValidation(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "user-1", "general")
	bad := 9
	if _, err := h.router.Resolve(context.Background(), res.Chat.ID, &bad); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
	if _, err := h.router.Resolve(context.Background(), "missing", nil); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	a := h.initiate(t, "user-1", "general")
	b := h.initiate(t, "user-2", "general")

	out, err := h.router.Abandon(context.Background(), a.Chat.ID)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if out.Status != types.ChatAbandoned || out.EndedAt == nil {
		t.Errorf("expected abandoned, got %s", out.Status)
	}

	entries := h.queueEntries(t)
	if len(entries) != 1 || entries[0].ChatID != b.Chat.ID || entries[0].Position != 1 {
		t.Errorf("expected remaining chat renumbered to 1, got %+v", entries)
	}
	h.checkInvariants(t)
}

func TestAbandonActiveIsNoop(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 1, types.AgentOnline)
	res := h.initiate(t, "user-1", "general")
	h.events.Reset()

	out, err := h.router.Abandon(context.Background(), res.Chat.ID)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if out.Status != types.ChatActive || !out.AssignedTo("agent-1") {
		t.Errorf("active chat must be untouched, got %+v", out)
	}
	if len(h.events.Events()) != 0 {
		t.Error("no-op abandon must not publish")
	}
}

func TestTransferSuccess(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-a", "general", 2, types.AgentOnline)
	res := h.initiate(t, "user-1", "general")
	h.addAgent(t, "agent-b", "billing", 2, types.AgentOnline)
	h.events.Reset()

	out, err := h.router.Transfer(context.Background(), res.Chat.ID, "agent-b", "Billing question.")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !out.AssignedTo("agent-b") || out.Status != types.ChatActive {
		t.Errorf("expected active on agent-b, got %+v", out)
	}
	if out.PreviousAgentID == nil || *out.PreviousAgentID != "agent-a" || out.TransferCount != 1 {
		t.Errorf("expected transfer tracking, got prev=%v count=%d", out.PreviousAgentID, out.TransferCount)
	}
	if a := h.agent(t, "agent-a"); a.CurrentChatCount != 0 {
		t.Errorf("expected agent-a released, got %d", a.CurrentChatCount)
	}
	if b := h.agent(t, "agent-b"); b.CurrentChatCount != 1 {
		t.Errorf("expected agent-b reserved, got %d", b.CurrentChatCount)
	}

	evs := h.events.Events()
	if len(evs) != 2 || evs[0].Type != types.EventChatTransferred || evs[0].AgentName != "Agent agent-b" || evs[0].Reason != "Billing question." {
		t.Errorf("unexpected events %+v", evs)
	}

	msgs, err := h.relay.History(context.Background(), res.Chat.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Content != "Chat has been transferred to Agent agent-b. Billing question." || last.Sender != types.SenderSystem {
		t.Errorf("unexpected transfer message %+v", last)
	}
	h.checkInvariants(t)
}

func TestTransferGuards(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-a", "general", 2, types.AgentOnline)
	h.addAgent(t, "agent-off", "general", 2, types.AgentOffline)
	active := h.initiate(t, "user-1", "general")

	tests := []struct {
		name   string
		chatID string
		target string
		want   error
	}{
		{"same agent", active.Chat.ID, "agent-a", types.ErrInvalidTransition},
		{"offline target", active.Chat.ID, "agent-off", types.ErrCapacityExceeded},
		{"unknown target", active.Chat.ID, "ghost", types.ErrNotFound},
		{"unknown chat", "ghost-chat", "agent-off", types.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.router.Transfer(context.Background(), tt.chatID, tt.target, ""); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	// a waiting chat cannot be transferred
	_, _ = h.router.SetAgentStatus(context.Background(), "agent-a", types.AgentOffline)
	waiting := h.initiate(t, "user-2", "general")
	if _, err := h.router.Transfer(context.Background(), waiting.Chat.ID, "agent-a", ""); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected invalid transition for waiting chat, got %v", err)
	}
}

func TestDepartmentFallback(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "sales-1", "sales", 2, types.AgentOffline)
	res := h.initiate(t, "user-1", "billing")

	err := h.store.Transaction(context.Background(), func(tx store.Tx) error {
		return tx.SetAgentStatus("sales-1", types.AgentOnline)
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}

	assigned, err := h.router.Sweep(context.Background(), tenant)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(assigned) != 1 || assigned[0].ChatID != res.Chat.ID || assigned[0].AgentID != "sales-1" || !assigned[0].Fallback {
		t.Errorf("expected fallback assignment to sales-1, got %+v", assigned)
	}
}

func TestDepartmentRouting(t *testing.T) {
	type agentSpec struct{ id, dept string }
	tests := []struct {
		name         string
		agents       []agentSpec
		chatDept     string
		wantAgent    string
		wantFallback bool
	}{
		{
			name:      "general chat takes any department",
			agents:    []agentSpec{{"billing-1", "billing"}},
			chatDept:  "general",
			wantAgent: "billing-1",
		},
		{
			name:      "unset department behaves as general",
			agents:    []agentSpec{{"tech-1", "technical"}},
			chatDept:  "",
			wantAgent: "tech-1",
		},
		{
			name:      "general chat prefers general agent on equal load",
			agents:    []agentSpec{{"a-billing", "billing"}, {"z-general", "general"}},
			chatDept:  "general",
			wantAgent: "z-general",
		},
		{
			name:      "department chat prefers exact match over lower id",
			agents:    []agentSpec{{"a-sales", "sales"}, {"z-billing", "billing"}},
			chatDept:  "billing",
			wantAgent: "z-billing",
		},
		{
			name:         "department chat falls back when nobody matches",
			agents:       []agentSpec{{"a-sales", "sales"}, {"z-general", "general"}},
			chatDept:     "billing",
			wantAgent:    "a-sales",
			wantFallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for _, a := range tt.agents {
				h.addAgent(t, a.id, a.dept, 2, types.AgentOffline)
			}
			res := h.initiate(t, "user-1", tt.chatDept)

			err := h.store.Transaction(context.Background(), func(tx store.Tx) error {
				for _, a := range tt.agents {
					if err := tx.SetAgentStatus(a.id, types.AgentOnline); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("set status: %v", err)
			}

			assigned, err := h.router.Sweep(context.Background(), tenant)
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if len(assigned) != 1 {
				t.Fatalf("expected one assignment, got %+v", assigned)
			}
			if assigned[0].ChatID != res.Chat.ID || assigned[0].AgentID != tt.wantAgent {
				t.Errorf("expected %s on %s, got %+v", res.Chat.ID, tt.wantAgent, assigned[0])
			}
			if assigned[0].Fallback != tt.wantFallback {
				t.Errorf("fallback = %v, want %v", assigned[0].Fallback, tt.wantFallback)
			}
			if c := h.chat(t, res.Chat.ID); c.Status != types.ChatActive {
				t.Errorf("expected active chat, got %s", c.Status)
			}
			h.checkInvariants(t)
		})
	}
}

func TestGeneralChatAssignedOnInitiate(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "billing-1", "billing", 2, types.AgentOnline)

	res := h.initiate(t, "user-1", "")
	if res.Chat.Department != types.DeptGeneral {
		t.Errorf("expected general department, got %s", res.Chat.Department)
	}
	if res.Chat.Status != types.ChatActive || !res.Chat.AssignedTo("billing-1") {
		t.Errorf("general chat should be placed on the idle billing agent, got %s on %v", res.Chat.Status, res.Chat.AgentID)
	}
	if res.NoAgentAvailable {
		t.Error("expected an agent to be available")
	}
	h.checkInvariants(t)
}

// sessionSequence hands out the given handles in order, repeating the last
func sessionSequence(handles ...string) func() string {
	i := 0
	return func() string {
		h := handles[i]
		if i < len(handles)-1 {
			i++
		}
		return h
	}
}

func TestInitiateRetriesSessionCollision(t *testing.T) {
	h := newHarness(t)
	h.router.newSession = sessionSequence("live_dup", "live_dup", "live_fresh")

	first := h.initiate(t, "user-1", "general")
	second := h.initiate(t, "user-2", "general")

	if first.Chat.SessionID != "live_dup" {
		t.Errorf("first session = %s", first.Chat.SessionID)
	}
	if !second.Created || second.Chat.SessionID != "live_fresh" {
		t.Errorf("expected a fresh handle after the collision, got created=%v session=%s", second.Created, second.Chat.SessionID)
	}
	if second.Position != 2 {
		t.Errorf("expected position 2, got %d", second.Position)
	}
	h.checkInvariants(t)
}

func TestInitiateGivesUpAfterRepeatedCollisions(t *testing.T) {
	h := newHarness(t)
	h.router.newSession = sessionSequence("live_dup")

	h.initiate(t, "user-1", "general")
	_, err := h.router.Initiate(context.Background(), InitiateRequest{TenantID: tenant, UserIdentifier: "user-2"})
	if !errors.Is(err, types.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	chats, err := h.router.ListChats(context.Background(), store.ChatFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 1 {
		t.Errorf("expected only the first chat, got %d", len(chats))
	}
	h.checkInvariants(t)
}

func TestSweepPrefersLeastLoadedThenLowestID(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-a", "general", 3, types.AgentOnline)
	c1 := h.initiate(t, "user-1", "general")
	h.addAgent(t, "agent-b", "general", 3, types.AgentOnline)
	c2 := h.initiate(t, "user-2", "general")
	c3 := h.initiate(t, "user-3", "general")

	if !c1.Chat.AssignedTo("agent-a") {
		t.Errorf("c1: expected agent-a")
	}
	if !c2.Chat.AssignedTo("agent-b") {
		t.Errorf("c2: expected least loaded agent-b")
	}
	if !c3.Chat.AssignedTo("agent-a") {
		t.Errorf("c3: expected tie broken by id, agent-a")
	}
}

func TestSweepServesPriorityFirst(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 1, types.AgentOffline)

	normal := h.initiate(t, "user-1", "general")
	h.clock.Advance(time.Minute)
	urgent, err := h.router.Initiate(context.Background(), InitiateRequest{
		TenantID: tenant, UserIdentifier: "user-2", Priority: types.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if urgent.Position != 1 {
		t.Errorf("high priority chat should be at position 1, got %d", urgent.Position)
	}

	if _, err := h.router.SetAgentStatus(context.Background(), "agent-1", types.AgentOnline); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if c := h.chat(t, urgent.Chat.ID); c.Status != types.ChatActive {
		t.Errorf("expected high priority chat assigned first, got %s", c.Status)
	}
	if c := h.chat(t, normal.Chat.ID); c.Status != types.ChatWaiting {
		t.Errorf("expected normal chat still waiting, got %s", c.Status)
	}
	if c := h.chat(t, urgent.Chat.ID); c.QueueSecs == nil || *c.QueueSecs != 0 {
		t.Errorf("expected queue time recorded, got %v", c.QueueSecs)
	}
	h.checkInvariants(t)
}

func TestSetAgentStatusKeepsInFlightChats(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 2, types.AgentOnline)
	res := h.initiate(t, "user-1", "general")

	if _, err := h.router.SetAgentStatus(context.Background(), "agent-1", types.AgentOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if c := h.chat(t, res.Chat.ID); !c.AssignedTo("agent-1") {
		t.Error("going offline must not unassign chats")
	}
	if _, err := h.router.SetAgentStatus(context.Background(), "agent-1", "lunch"); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("expected invalid input for unknown status, got %v", err)
	}
}

func TestManualAssign(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 1, types.AgentOffline)
	res := h.initiate(t, "user-1", "general")

	if _, err := h.router.AssignTo(context.Background(), res.Chat.ID, "agent-1"); !errors.Is(err, types.ErrCapacityExceeded) {
		t.Errorf("offline agent: expected capacity exceeded, got %v", err)
	}

	err := h.store.Transaction(context.Background(), func(tx store.Tx) error {
		return tx.SetAgentStatus("agent-1", types.AgentAway)
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	out, err := h.router.AssignTo(context.Background(), res.Chat.ID, "agent-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !out.AssignedTo("agent-1") {
		t.Errorf("expected agent-1, got %v", out.AgentID)
	}
	if _, err := h.router.AssignTo(context.Background(), res.Chat.ID, "agent-1"); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("expected invalid transition for active chat, got %v", err)
	}
	h.checkInvariants(t)
}

func TestConcurrentInitiatesNeverOverbook(t *testing.T) {
	sql, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, ":memory:", 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sql.Close() })

	for name, s := range map[string]store.Store{"memory": memory.New(), "sqlite": sql} {
		t.Run(name, func(t *testing.T) {
			h := newHarnessWithStore(t, s)
			h.addAgent(t, "agent-1", "general", 1, types.AgentOnline)

			const n = 25
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := h.router.Initiate(context.Background(), InitiateRequest{
						TenantID:       tenant,
						UserIdentifier: fmt.Sprintf("user-%d", i),
					})
					if err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("initiate: %v", err)
			}

			active, err := h.router.ListChats(context.Background(), store.ChatFilter{TenantID: tenant, Status: types.ChatActive})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			waiting, err := h.router.ListChats(context.Background(), store.ChatFilter{TenantID: tenant, Status: types.ChatWaiting})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(active) != 1 || len(waiting) != n-1 {
				t.Errorf("expected 1 active and %d waiting, got %d and %d", n-1, len(active), len(waiting))
			}
			if a := h.agent(t, "agent-1"); a.CurrentChatCount != 1 {
				t.Errorf("expected agent count 1, got %d", a.CurrentChatCount)
			}
			h.checkInvariants(t)
		})
	}
}

func TestAgentWorkload(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 3, types.AgentOnline)
	a := h.initiate(t, "user-1", "general")
	b := h.initiate(t, "user-2", "general")

	w, err := h.router.AgentWorkload(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("workload: %v", err)
	}
	if w.CurrentChats != 2 || w.MaxChats != 3 || w.Availability != 1 || w.Status != types.AgentOnline {
		t.Errorf("unexpected workload %+v", w)
	}
	if len(w.ActiveChatIDs) != 2 {
		t.Fatalf("expected 2 chat ids, got %v", w.ActiveChatIDs)
	}
	ids := map[string]bool{w.ActiveChatIDs[0]: true, w.ActiveChatIDs[1]: true}
	if !ids[a.Chat.ID] || !ids[b.Chat.ID] {
		t.Errorf("unexpected chat ids %v", w.ActiveChatIDs)
	}

	if _, err := h.router.AgentWorkload(context.Background(), "ghost"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestQueueStatusIndicators(t *testing.T) {
	h := newHarness(t)

	// user-1 abandoned earlier today, then comes back
	first := h.initiate(t, "user-1", "general")
	if _, err := h.router.Abandon(context.Background(), first.Chat.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	h.initiate(t, "user-1", "general")
	h.clock.Advance(5 * time.Minute)
	if _, err := h.router.Initiate(context.Background(), InitiateRequest{TenantID: tenant, UserIdentifier: "user-2", Priority: types.PriorityHigh}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.clock.Advance(7 * time.Minute)

	qs, err := h.router.QueueStatus(context.Background(), tenant)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if qs.QueueLength != 2 || len(qs.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", qs.QueueLength)
	}

	urgent, returning := qs.Entries[0], qs.Entries[1]
	if urgent.Position != 1 || urgent.WaitedMinutes != 7 {
		t.Errorf("unexpected urgent entry %+v", urgent)
	}
	if fmt.Sprint(urgent.Indicators) != "[urgent_keywords]" {
		t.Errorf("unexpected urgent indicators %v", urgent.Indicators)
	}
	if returning.Position != 2 || returning.WaitedMinutes != 12 {
		t.Errorf("unexpected returning entry %+v", returning)
	}
	if fmt.Sprint(returning.Indicators) != "[moderate_wait abandonment_risk]" {
		t.Errorf("unexpected returning indicators %v", returning.Indicators)
	}
	if returning.SessionID == "" {
		t.Error("expected session id on entry")
	}
}

func TestQueueStatusPricesEntriesAgainstCurrentAgents(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		h.addAgent(t, id, "general", 1, types.AgentOffline)
	}
	h.initiate(t, "user-1", "general")
	h.initiate(t, "user-2", "general")

	// agents come online behind the router's back so the projection goes stale
	err := h.store.Transaction(context.Background(), func(tx store.Tx) error {
		for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
			if err := tx.SetAgentStatus(id, types.AgentOnline); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("set online: %v", err)
	}
	if stale := h.queueEntries(t); stale[1].EstimatedWaitMinutes != 30 {
		t.Fatalf("expected stale projection of 30, got %d", stale[1].EstimatedWaitMinutes)
	}

	qs, err := h.router.QueueStatus(context.Background(), tenant)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if qs.AvailableAgents != 3 || len(qs.Entries) != 2 {
		t.Fatalf("expected 3 agents and 2 entries, got %d and %d", qs.AvailableAgents, len(qs.Entries))
	}
	for i, want := range []int{5, 10} {
		if got := qs.Entries[i].WaitMinutes; got != want {
			t.Errorf("position %d: expected %d minutes, got %d", i+1, want, got)
		}
	}
}

func TestDashboardStats(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "agent-1", "general", 1, types.AgentOnline)
	h.addAgent(t, "agent-2", "general", 1, types.AgentOffline)

	first := h.initiate(t, "user-1", "general")
	h.initiate(t, "user-2", "general")
	third := h.initiate(t, "user-3", "general")
	if _, err := h.router.Abandon(context.Background(), third.Chat.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	h.clock.Advance(20 * time.Second)
	if _, err := h.relay.Send(context.Background(), relay.SendRequest{ChatID: first.Chat.ID, Content: "hi", Sender: types.SenderAgent, AgentID: "agent-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.clock.Advance(3 * time.Minute)
	if _, err := h.router.Resolve(context.Background(), first.Chat.ID, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	stats, err := h.router.DashboardStats(context.Background(), tenant)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveChats != 1 || stats.WaitingChats != 0 {
		t.Errorf("expected 1 active 0 waiting, got %d/%d", stats.ActiveChats, stats.WaitingChats)
	}
	if stats.ResolvedToday != 1 || stats.AbandonedToday != 1 {
		t.Errorf("expected 1 resolved 1 abandoned, got %d/%d", stats.ResolvedToday, stats.AbandonedToday)
	}
	if stats.OnlineAgents != 1 || stats.TotalAgents != 2 {
		t.Errorf("expected 1 of 2 agents online, got %d/%d", stats.OnlineAgents, stats.TotalAgents)
	}
	if stats.AvgFirstResponseSeconds != 20 {
		t.Errorf("expected avg first response 20, got %d", stats.AvgFirstResponseSeconds)
	}
	// user-2 waited 200s for the slot, user-1 none: one of two within 120s
	if stats.ServiceLevel.TotalAnswered != 2 || stats.ServiceLevel.AnsweredInSL != 1 {
		t.Errorf("unexpected service level %+v", stats.ServiceLevel)
	}
	if stats.AvgQueueSeconds != 100 {
		t.Errorf("expected avg queue 100s, got %d", stats.AvgQueueSeconds)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	h := newHarness(t)
	a := h.initiate(t, "user-1", "general")
	b := h.initiate(t, "user-2", "general")

	// Corrupt the projection: wrong order and a gap
	err := h.store.Transaction(context.Background(), func(tx store.Tx) error {
		return tx.ReplaceQueue(tenant, []types.QueueEntry{
			{ChatID: b.Chat.ID, TenantID: tenant, Position: 1},
			{ChatID: a.Chat.ID, TenantID: tenant, Position: 3},
		})
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	report, err := h.router.Reconcile(context.Background(), tenant)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.QueueDrift || report.QueueLength != 2 {
		t.Errorf("expected drift on 2 entries, got %+v", report)
	}
	h.checkInvariants(t)

	report, err = h.router.Reconcile(context.Background(), tenant)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.QueueDrift || len(report.AgentDrift) != 0 {
		t.Errorf("expected clean second pass, got %+v", report)
	}
}

func TestLongWaitsAndAbandonStale(t *testing.T) {
	h := newHarness(t)
	old := h.initiate(t, "user-1", "general")
	h.clock.Advance(20 * time.Minute)
	fresh := h.initiate(t, "user-2", "general")
	h.clock.Advance(15 * time.Minute)

	long, err := h.router.LongWaits(context.Background(), tenant, 30*time.Minute)
	if err != nil {
		t.Fatalf("long waits: %v", err)
	}
	if len(long) != 1 || long[0].ID != old.Chat.ID {
		t.Fatalf("expected only the old chat, got %d", len(long))
	}

	h.events.Reset()
	h.router.NotifyWaitExceeded(context.Background(), &long[0])
	evs := h.events.Events()
	if len(evs) != 1 || evs[0].Type != types.EventWaitExceeded || evs[0].Reason != "Waiting for 35m0s" {
		t.Errorf("unexpected wait event %+v", evs)
	}

	closed, err := h.router.AbandonStale(context.Background(), tenant, 30*time.Minute)
	if err != nil {
		t.Fatalf("abandon stale: %v", err)
	}
	if closed != 1 {
		t.Errorf("expected 1 closed, got %d", closed)
	}
	if c := h.chat(t, fresh.Chat.ID); c.Status != types.ChatWaiting {
		t.Errorf("fresh chat must stay waiting, got %s", c.Status)
	}
	h.checkInvariants(t)
}

func TestTenants(t *testing.T) {
	h := newHarness(t)
	h.initiate(t, "user-1", "general")
	tenants, err := h.router.Tenants(context.Background())
	if err != nil {
		t.Fatalf("tenants: %v", err)
	}
	if len(tenants) != 1 || tenants[0] != tenant {
		t.Errorf("unexpected tenants %v", tenants)
	}
}

// flakyStore fails the first n transactions after running them, so the
// work is rolled back as a failed commit would be
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Transaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.Transaction(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures > 0 {
			f.failures--
			return errors.New("connection reset by peer")
		}
		return nil
	})
}

func TestTransientFailureIsRetried(t *testing.T) {
	fs := &flakyStore{Store: memory.New(), failures: 1}
	h := newHarnessWithStore(t, fs)

	res := h.initiate(t, "user-1", "general")
	if !res.Created {
		t.Error("expected chat created on retry")
	}
	if n := len(h.queueEntries(t)); n != 1 {
		t.Errorf("expected one queue entry, got %d", n)
	}
	if got := h.events.Types(); len(got) != 2 || got[0] != types.EventChatQueued {
		t.Errorf("events from the failed attempt must be discarded, got %v", got)
	}
	if h.metrics.TxRetriesTotal != 1 {
		t.Errorf("expected 1 retry, got %d", h.metrics.TxRetriesTotal)
	}
}

func TestPersistentFailureIsUnavailable(t *testing.T) {
	fs := &flakyStore{Store: memory.New(), failures: 2}
	h := newHarnessWithStore(t, fs)

	_, err := h.router.Initiate(context.Background(), InitiateRequest{TenantID: tenant, UserIdentifier: "user-1"})
	if !errors.Is(err, types.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	chats, err := h.router.ListChats(context.Background(), store.ChatFilter{TenantID: tenant})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 0 {
		t.Errorf("failed initiate must leave nothing behind, got %d chats", len(chats))
	}
	if len(h.events.Events()) != 0 {
		t.Error("failed initiate must not publish")
	}
	if h.metrics.UnavailableTotal != 1 {
		t.Errorf("expected unavailable recorded, got %d", h.metrics.UnavailableTotal)
	}
}
