package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/store/memory"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

var assignedAt = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, status types.ChatStatus) (*Relay, *memory.Store, *events.Recorder, *time.Time) {
	t.Helper()
	s := memory.New()
	rec := events.NewRecorder()
	r := New(s, rec, metrics.New(), zerolog.Nop())

	clock := assignedAt
	r.SetClock(func() time.Time { return clock })

	chat := &types.Chat{
		ID:         "chat-1",
		SessionID:  "live_abcd1234",
		TenantID:   "t1",
		Status:     status,
		Priority:   types.PriorityNormal,
		Department: "general",
		BotContext: json.RawMessage(`{"turns":[{"role":"user","text":"hi"}],"language":"en"}`),
		CreatedAt:  assignedAt,
		QueuedAt:   assignedAt,
	}
	if status == types.ChatActive {
		agent := "agent-1"
		at := assignedAt
		chat.AgentID = &agent
		chat.AssignedAt = &at
		chat.StartedAt = &at
	}
	err := s.Transaction(context.Background(), func(tx store.Tx) error { return tx.CreateChat(chat) })
	if err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return r, s, rec, &clock
}

func getChat(t *testing.T, s store.Store, id string) *types.Chat {
	t.Helper()
	var c *types.Chat
	err := s.Transaction(context.Background(), func(tx store.Tx) error {
		var err error
		c, err = tx.GetChat(id)
		return err
	})
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	return c
}

func TestFirstResponseStampedOnce(t *testing.T) {
	r, s, rec, clock := setup(t, types.ChatActive)
	ctx := context.Background()

	*clock = assignedAt.Add(45 * time.Second)
	if _, err := r.Send(ctx, SendRequest{ChatID: "chat-1", Content: "Hi, I'm here", Sender: types.SenderAgent, AgentID: "agent-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	*clock = assignedAt.Add(5 * time.Minute)
	if _, err := r.Send(ctx, SendRequest{ChatID: "chat-1", Content: "Anything else?", Sender: types.SenderAgent, AgentID: "agent-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	c := getChat(t, s, "chat-1")
	if c.FirstResponseSecs == nil || *c.FirstResponseSecs != 45 {
		t.Errorf("expected first response 45s, got %v", c.FirstResponseSecs)
	}
	if len(rec.Events()) != 2 {
		t.Errorf("expected 2 message events, got %d", len(rec.Events()))
	}
}

func TestInternalNoteDoesNotStampFirstResponse(t *testing.T) {
	r, s, rec, clock := setup(t, types.ChatActive)
	*clock = assignedAt.Add(10 * time.Second)

	_, err := r.Send(context.Background(), SendRequest{ChatID: "chat-1", Content: "customer is a VIP", Sender: types.SenderAgent, AgentID: "agent-1", Internal: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if c := getChat(t, s, "chat-1"); c.FirstResponseSecs != nil {
		t.Errorf("internal note must not stamp first response")
	}
	evs := rec.Events()
	if len(evs) != 1 || !evs[0].Internal {
		t.Errorf("expected one internal message event, got %+v", evs)
	}
}

func TestSendRejections(t *testing.T) {
	tests := []struct {
		name   string
		status types.ChatStatus
		req    SendRequest
		want   error
	}{
		{"user on resolved", types.ChatResolved, SendRequest{Content: "hello?", Sender: types.SenderUser}, types.ErrInvalidTransition},
		{"agent on abandoned", types.ChatAbandoned, SendRequest{Content: "hello?", Sender: types.SenderAgent, AgentID: "agent-1"}, types.ErrInvalidTransition},
		{"agent not holding chat", types.ChatActive, SendRequest{Content: "hi", Sender: types.SenderAgent, AgentID: "agent-2"}, types.ErrInvalidTransition},
		{"agent on waiting chat", types.ChatWaiting, SendRequest{Content: "hi", Sender: types.SenderAgent, AgentID: "agent-1"}, types.ErrInvalidTransition},
		{"empty content", types.ChatActive, SendRequest{Content: "  ", Sender: types.SenderUser}, types.ErrInvalidInput},
		{"unknown sender", types.ChatActive, SendRequest{Content: "x", Sender: "bot"}, types.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, rec, _ := setup(t, tt.status)
			tt.req.ChatID = "chat-1"
			_, err := r.Send(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if len(rec.Events()) != 0 {
				t.Errorf("rejected send must not publish")
			}
		})
	}
}

func TestSystemMessageAllowedOnClosedChat(t *testing.T) {
	r, _, _, _ := setup(t, types.ChatResolved)
	if _, err := r.Send(context.Background(), SendRequest{ChatID: "chat-1", Content: "Chat ended.", Sender: types.SenderSystem}); err != nil {
		t.Errorf("system message should be accepted, got %v", err)
	}
}

func TestUnknownChat(t *testing.T) {
	r, _, _, _ := setup(t, types.ChatActive)
	_, err := r.Send(context.Background(), SendRequest{ChatID: "nope", Content: "hi", Sender: types.SenderUser})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := r.History(context.Background(), "nope", 10); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found from history, got %v", err)
	}
}

func TestHistoryReturnsLastMessagesInOrder(t *testing.T) {
	r, _, _, clock := setup(t, types.ChatActive)
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		*clock = assignedAt.Add(time.Duration(i) * time.Second)
		if _, err := r.Send(ctx, SendRequest{ChatID: "chat-1", Content: text, Sender: types.SenderUser}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	msgs, err := r.History(ctx, "chat-1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("unexpected history %+v", msgs)
	}
}

func TestBotContextVerbatim(t *testing.T) {
	r, _, _, _ := setup(t, types.ChatWaiting)
	raw, err := r.BotContext(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("bot context: %v", err)
	}
	want := `{"turns":[{"role":"user","text":"hi"}],"language":"en"}`
	if string(raw) != want {
		t.Errorf("expected %s, got %s", want, raw)
	}
}
