package websocket

import (
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/config"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Scope decides which messages a client receives. A tenant wide scope
// sees everything in the tenant. AgentID narrows to the agent's chats plus
// queue traffic. ChatID narrows to one conversation without internal
// notes, for the end user's widget.
type Scope struct {
	TenantID string
	AgentID  string
	ChatID   string
}

func (s Scope) admits(msg outbound) bool {
	if msg.tenantID != s.TenantID {
		return false
	}
	switch {
	case s.ChatID != "":
		return msg.chatID == s.ChatID && !msg.internal
	case s.AgentID != "":
		return msg.agentID == "" || msg.agentID == s.AgentID
	default:
		return true
	}
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	scope Scope

	// Buffered channel of outbound messages
	send chan []byte

	config *config.Config
	logger zerolog.Logger
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, logger zerolog.Logger, scope Scope) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:     clientID,
		hub:    hub,
		conn:   conn,
		scope:  scope,
		send:   make(chan []byte, 256),
		config: cfg,
		logger: logger.With().Str("client_id", clientID).Str("tenant_id", scope.TenantID).Logger(),
	}
}

// readPump drains the connection so control frames are processed. The
// feed is one-way; client messages are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.metrics.RecordWebSocketError()
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
// Each queued message goes out as its own frame so every frame is one
// JSON document.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
