package api

import (
	"net/http"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/router"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// QueueStatus handles GET /queue
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.router.QueueStatus(r.Context(), tenantOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Sweep handles POST /queue/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	assigned, err := h.router.Sweep(r.Context(), tenant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if assigned == nil {
		assigned = []router.Assignment{}
	}

	h.logger.Info().
		Str("tenant_id", tenant).
		Int("assigned", len(assigned)).
		Msg("manual sweep")
	writeJSON(w, http.StatusOK, map[string]any{
		"assigned":    len(assigned),
		"assignments": assigned,
	})
}

// DashboardStats handles GET /stats/dashboard
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.router.DashboardStats(r.Context(), tenantOf(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ArchivedChats returns finished chats of one day from the archive
// GET /archive/chats?date=YYYY-MM-DD&agentId=
func (h *Handler) ArchivedChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := q.Get("date")
	if date == "" {
		date = time.Now().UTC().Format(storage.DateLayout)
	}

	var (
		records []types.ChatRecord
		err     error
	)
	if agentID := q.Get("agentId"); agentID != "" {
		records, err = h.archive.GetAgentChats(r.Context(), tenantOf(r), agentID, date)
	} else {
		records, err = h.archive.GetChatRecords(r.Context(), tenantOf(r), date)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []types.ChatRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
