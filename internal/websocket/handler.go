package websocket

import (
	"net/http"

	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/config"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub      *Hub
	config   *config.Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler. Origins are checked against
// the configured CORS list.
func NewHandler(hub *Hub, cfg *config.Config, logger zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub:    hub,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and registers a client scoped to the
// caller's tenant. Agents are pinned to their own id; other roles may
// narrow with ?agentId= or ?chatId=.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.TenantID == "" {
		http.Error(w, "tenant required", http.StatusUnauthorized)
		return
	}

	scope := Scope{
		TenantID: claims.TenantID,
		AgentID:  r.URL.Query().Get("agentId"),
		ChatID:   r.URL.Query().Get("chatId"),
	}
	if claims.AgentID != "" && claims.Role == auth.RoleAgent {
		scope.AgentID = claims.AgentID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := NewClient(h.hub, conn, h.config, h.logger, scope)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	client.Start()
}
