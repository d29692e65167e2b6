// Package api exposes the assignment engine over HTTP. Every route is
// tenant scoped: the tenant comes from the caller's token, and chats or
// agents of another tenant are reported as not found.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/relay"
	"github.com/dennisdiepolder/monti/handoff/internal/router"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Handler serves the /api/v1 routes
type Handler struct {
	router   *router.Router
	relay    *relay.Relay
	archive  storage.Archive
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewHandler creates a Handler. A nil archive serves empty history.
func NewHandler(rt *router.Router, rl *relay.Relay, archive storage.Archive, logger zerolog.Logger) *Handler {
	if archive == nil {
		archive = storage.NewNoopArchive()
	}

	v := validator.New()
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	return &Handler{
		router:   rt,
		relay:    rl,
		archive:  archive,
		validate: v,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts every endpoint on r. Callers are expected to have run the
// auth middleware already.
func (h *Handler) Routes(r chi.Router) {
	r.Use(requireTenant)

	r.Post("/handoff", h.Handoff)

	r.Route("/chats", func(r chi.Router) {
		r.Post("/", h.InitiateChat)
		r.Get("/", h.ListChats)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.SendMessage)
			r.Post("/assign/{agentID}", h.AssignChat)
			r.Post("/transfer/{agentID}", h.TransferChat)
			r.Post("/resolve", h.ResolveChat)
			r.Post("/abandon", h.AbandonChat)
		})
	})

	r.Get("/queue", h.QueueStatus)
	r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor)).Post("/queue/sweep", h.Sweep)
	r.Get("/stats/dashboard", h.DashboardStats)
	r.Get("/archive/chats", h.ArchivedChats)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", h.ListAgents)
		r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor)).Post("/", h.CreateAgent)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Get("/", h.GetAgent)
			r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor)).Put("/", h.UpdateAgent)
			r.Put("/status", h.SetAgentStatus)
			r.Get("/workload", h.AgentWorkload)
		})
	})
}

// requireTenant rejects callers whose claims carry no tenant
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.TenantFromContext(r.Context()); !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "tenant is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantOf(r *http.Request) string {
	tenant, _ := auth.TenantFromContext(r.Context())
	return tenant
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrCapacityExceeded), errors.Is(err, types.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	} else if status == http.StatusServiceUnavailable {
		h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
			return false
		}
	}

	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:  "validation failed",
			Fields: fieldErrors(err),
		})
		return false
	}
	return true
}

// fieldErrors turns validator output into a field -> message map
func fieldErrors(err error) map[string]string {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields["body"] = err.Error()
		return fields
	}
	for _, e := range verrs {
		name := e.Field()
		switch e.Tag() {
		case "required":
			fields[name] = name + " is required"
		case "oneof":
			fields[name] = name + " must be one of: " + e.Param()
		case "min", "gte":
			fields[name] = name + " must be at least " + e.Param()
		case "max", "lte":
			fields[name] = name + " must be at most " + e.Param()
		case "email":
			fields[name] = "invalid email format"
		default:
			fields[name] = name + " is invalid"
		}
	}
	return fields
}

// loadChat fetches a chat of the caller's tenant
func (h *Handler) loadChat(w http.ResponseWriter, r *http.Request) (*types.Chat, bool) {
	chat, err := h.router.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err == nil && chat.TenantID != tenantOf(r) {
		err = types.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return chat, true
}

// loadAgent fetches an agent of the caller's tenant
func (h *Handler) loadAgent(w http.ResponseWriter, r *http.Request) (*types.Agent, bool) {
	agent, err := h.router.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err == nil && agent.TenantID != tenantOf(r) {
		err = types.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return agent, true
}
