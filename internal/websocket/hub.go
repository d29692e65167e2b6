package websocket

import (
	"context"
	"errors"
	"sync"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// ErrHubBusy is returned by Send when the broadcast buffer is full
var ErrHubBusy = errors.New("websocket hub buffer full")

// outbound is one message with the scope it may be delivered to
type outbound struct {
	tenantID string
	chatID   string
	agentID  string
	internal bool
	data     []byte
}

// Hub maintains the set of active clients and delivers tenant scoped
// messages to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{} // closed when Run returns

	// Mutex to protect clients map
	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	if m == nil {
		m = metrics.Get()
	}
	return &Hub{
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		metrics:    m,
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled or the
// hub is closed, disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.disconnectAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Str("tenant_id", client.scope.TenantID).
				Str("agent_id", client.scope.AgentID).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.RecordWebSocketDisconnect()
				h.logger.Info().
					Str("client_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Name identifies the hub as an event sink
func (h *Hub) Name() string { return "websocket" }

// Send queues an event for connected consoles of its tenant
func (h *Hub) Send(_ context.Context, ev types.Event, payload []byte) error {
	return h.enqueue(outbound{
		tenantID: ev.TenantID,
		chatID:   ev.ChatID,
		agentID:  ev.AgentID,
		internal: ev.Internal,
		data:     payload,
	})
}

// BroadcastTenant sends a message to every client of a tenant
func (h *Hub) BroadcastTenant(tenantID string, message []byte) error {
	return h.enqueue(outbound{tenantID: tenantID, data: message})
}

func (h *Hub) enqueue(msg outbound) error {
	select {
	case h.broadcast <- msg:
		return nil
	default:
		return ErrHubBusy
	}
}

// Close stops the hub loop
func (h *Hub) Close() error {
	h.stopOnce.Do(func() { close(h.stop) })
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver sends msg to every client whose scope admits it
func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.scope.admits(msg) {
			continue
		}
		select {
		case client.send <- msg.data:
			h.metrics.RecordWebSocketMessage()
		default:
			// Client's send buffer is full, close and remove it
			close(client.send)
			delete(h.clients, client)
			h.metrics.RecordWebSocketError()
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		h.metrics.RecordWebSocketDisconnect()
	}
	h.logger.Info().Msg("websocket hub stopped")
}
