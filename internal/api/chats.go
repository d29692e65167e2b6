package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/relay"
	"github.com/dennisdiepolder/monti/handoff/internal/router"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type initiateRequest struct {
	UserIdentifier    string          `json:"userIdentifier" validate:"required,max=255"`
	UserName          string          `json:"userName" validate:"max=255"`
	Platform          string          `json:"platform" validate:"max=64"`
	BotConversationID string          `json:"botConversationId" validate:"max=255"`
	Department        string          `json:"department" validate:"max=64"`
	Priority          int             `json:"priority" validate:"omitempty,min=1,max=3"`
	HandoffReason     string          `json:"handoffReason" validate:"max=500"`
	BotContext        json.RawMessage `json:"botContext"`
}

func (req initiateRequest) toRouter(tenantID string) router.InitiateRequest {
	return router.InitiateRequest{
		TenantID:          tenantID,
		UserIdentifier:    req.UserIdentifier,
		UserName:          req.UserName,
		Platform:          req.Platform,
		BotConversationID: req.BotConversationID,
		Department:        req.Department,
		Priority:          types.Priority(req.Priority),
		HandoffReason:     req.HandoffReason,
		BotContext:        req.BotContext,
	}
}

type handoffRequest struct {
	initiateRequest
	Message string `json:"message" validate:"max=4000"`
	Force   bool   `json:"force"`
}

type sendMessageRequest struct {
	Content  string `json:"content" validate:"required,max=4000"`
	Sender   string `json:"sender" validate:"required,oneof=user agent system"`
	AgentID  string `json:"agentId" validate:"max=64"`
	Internal bool   `json:"isInternal"`
}

type transferRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type resolveRequest struct {
	SatisfactionRating *int `json:"satisfactionRating" validate:"omitempty,min=1,max=5"`
}

// Handoff handles POST /handoff: evaluates the bot turn and escalates
// when warranted
func (h *Handler) Handoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.router.Handoff(r.Context(), router.HandoffRequest{
		InitiateRequest: req.toRouter(tenantOf(r)),
		Message:         req.Message,
		Force:           req.Force,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Escalated && res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// InitiateChat handles POST /chats
func (h *Handler) InitiateChat(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.router.Initiate(r.Context(), req.toRouter(tenantOf(r)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// ListChats handles GET /chats?status=&agentId=&userIdentifier=&limit=
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChatFilter{
		TenantID:       tenantOf(r),
		Status:         types.ChatStatus(q.Get("status")),
		AgentID:        q.Get("agentId"),
		UserIdentifier: q.Get("userIdentifier"),
		Limit:          defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:  "validation failed",
			Fields: map[string]string{"status": "status must be one of: waiting active resolved abandoned"},
		})
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error:  "validation failed",
				Fields: map[string]string{"limit": "limit must be between 1 and " + strconv.Itoa(maxListLimit)},
			})
			return
		}
		filter.Limit = limit
	}

	chats, err := h.router.ListChats(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []types.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetChat handles GET /chats/{chatID}
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// ListMessages handles GET /chats/{chatID}/messages?limit=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}

	limit := relay.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error:  "validation failed",
				Fields: map[string]string{"limit": "limit must be between 1 and " + strconv.Itoa(maxListLimit)},
			})
			return
		}
		limit = n
	}

	msgs, err := h.relay.History(r.Context(), chat.ID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage handles POST /chats/{chatID}/messages. Agent consoles send
// as themselves regardless of the agentId in the body.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	if claims, ok := auth.GetUserFromContext(r.Context()); ok && claims.Role == auth.RoleAgent {
		if req.Sender != string(types.SenderAgent) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "agents may only send as agent"})
			return
		}
		req.AgentID = claims.AgentID
	}

	msg, err := h.relay.Send(r.Context(), relay.SendRequest{
		ChatID:   chat.ID,
		Content:  req.Content,
		Sender:   types.SenderType(req.Sender),
		AgentID:  req.AgentID,
		Internal: req.Internal,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// AssignChat handles POST /chats/{chatID}/assign/{agentID}
func (h *Handler) AssignChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}

	updated, err := h.router.AssignTo(r.Context(), chat.ID, chi.URLParam(r, "agentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// TransferChat handles POST /chats/{chatID}/transfer/{agentID}
func (h *Handler) TransferChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	updated, err := h.router.Transfer(r.Context(), chat.ID, chi.URLParam(r, "agentID"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ResolveChat handles POST /chats/{chatID}/resolve
func (h *Handler) ResolveChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	updated, err := h.router.Resolve(r.Context(), chat.ID, req.SatisfactionRating)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// AbandonChat handles POST /chats/{chatID}/abandon
func (h *Handler) AbandonChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}

	updated, err := h.router.Abandon(r.Context(), chat.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
