package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// EventWatcher subscribes to the server's event feed and counts events
// by type
type EventWatcher struct {
	wsURL  string
	header http.Header
	logger zerolog.Logger

	mu         sync.Mutex
	counts     map[types.EventType]int64
	reconnects int64
	connected  bool
}

// NewEventWatcher creates a watcher for the tenant feed at backendURL
func NewEventWatcher(backendURL, tenantID, token string, logger zerolog.Logger) *EventWatcher {
	wsURL := strings.TrimSuffix(backendURL, "/") + "/ws?tenantId=" + url.QueryEscape(tenantID)
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &EventWatcher{
		wsURL:  wsURL,
		header: header,
		logger: logger.With().Str("component", "event_watcher").Logger(),
		counts: make(map[types.EventType]int64),
	}
}

// Run keeps a connection open until ctx is cancelled, reconnecting with
// exponential backoff
func (w *EventWatcher) Run(ctx context.Context) {
	delay := initialReconnectDelay
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.wsURL, w.header)
		if err != nil {
			w.logger.Debug().Err(err).Dur("retry_in", delay).Msg("event feed connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			w.mu.Lock()
			w.reconnects++
			w.mu.Unlock()
			continue
		}

		delay = initialReconnectDelay
		w.setConnected(true)
		w.read(ctx, conn)
		w.setConnected(false)

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *EventWatcher) read(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug().Err(err).Msg("event feed closed")
			}
			return
		}
		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			continue
		}
		w.mu.Lock()
		w.counts[ev.Type]++
		w.mu.Unlock()
	}
}

func (w *EventWatcher) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

// Connected reports whether the feed is currently open
func (w *EventWatcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Count returns how many events of type t were seen
func (w *EventWatcher) Count(t types.EventType) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[t]
}

// Counts returns a copy of all counters keyed by event type
func (w *EventWatcher) Counts() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int64, len(w.counts)+1)
	for t, n := range w.counts {
		out[string(t)] = n
	}
	out["reconnects"] = w.reconnects
	return out
}
