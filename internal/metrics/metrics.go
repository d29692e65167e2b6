package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Chat lifecycle metrics
	chatsByEvent      map[types.EventType]int64
	ReserveConflicts  int64
	TxRetriesTotal    int64
	UnavailableTotal  int64
	SweepsTotal       int64
	lastSweepDuration time.Duration

	// Event delivery metrics
	EventsPublishedTotal int64
	EventsDroppedTotal   int64
	sinkErrors           map[string]int64

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	WebSocketErrorsTotal         int64
	activeConnections            int64

	// Scheduled job metrics
	ReconcileRunsTotal int64
	QueueDriftTotal    int64

	// Queue depth per tenant, refreshed by the snapshot ticker
	queueDepth map[string]int

	// HTTP metrics
	httpRequestsTotal    map[string]map[int]int64 // endpoint -> status -> count
	httpRequestDurations map[string][]float64     // endpoint -> durations

	// Timing
	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New returns an empty, independent metrics set
func New() *Metrics {
	return &Metrics{
		chatsByEvent:         make(map[types.EventType]int64),
		sinkErrors:           make(map[string]int64),
		queueDepth:           make(map[string]int),
		httpRequestsTotal:    make(map[string]map[int]int64),
		httpRequestDurations: make(map[string][]float64),
		startTime:            time.Now(),
	}
}

// RecordChatEvent counts a lifecycle event by type
func (m *Metrics) RecordChatEvent(t types.EventType) {
	m.mu.Lock()
	m.chatsByEvent[t]++
	m.mu.Unlock()
}

// ChatEvents returns the count recorded for one event type
func (m *Metrics) ChatEvents(t types.EventType) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chatsByEvent[t]
}

// RecordReserveConflict counts a reserve lost to a concurrent sweep
func (m *Metrics) RecordReserveConflict() {
	m.mu.Lock()
	m.ReserveConflicts++
	m.mu.Unlock()
}

// RecordTxRetry counts a transaction retried after a store failure
func (m *Metrics) RecordTxRetry() {
	m.mu.Lock()
	m.TxRetriesTotal++
	m.mu.Unlock()
}

// RecordUnavailable counts an operation that failed after its retry
func (m *Metrics) RecordUnavailable() {
	m.mu.Lock()
	m.UnavailableTotal++
	m.mu.Unlock()
}

// RecordSweep records an assignment sweep
func (m *Metrics) RecordSweep(duration time.Duration) {
	m.mu.Lock()
	m.SweepsTotal++
	m.lastSweepDuration = duration
	m.mu.Unlock()
}

// RecordEventPublished increments the published counter
func (m *Metrics) RecordEventPublished() {
	m.mu.Lock()
	m.EventsPublishedTotal++
	m.mu.Unlock()
}

// RecordEventDropped increments the dropped counter
func (m *Metrics) RecordEventDropped() {
	m.mu.Lock()
	m.EventsDroppedTotal++
	m.mu.Unlock()
}

// RecordSinkError counts a delivery failure for one sink
func (m *Metrics) RecordSinkError(sink string) {
	m.mu.Lock()
	m.sinkErrors[sink]++
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() {
	m.mu.Lock()
	m.WebSocketMessagesTotal++
	m.mu.Unlock()
}

// RecordWebSocketError increments WebSocket error counter
func (m *Metrics) RecordWebSocketError() {
	m.mu.Lock()
	m.WebSocketErrorsTotal++
	m.mu.Unlock()
}

// RecordReconcile records one reconcile pass and how many tenants drifted
func (m *Metrics) RecordReconcile(drifted int) {
	m.mu.Lock()
	m.ReconcileRunsTotal++
	m.QueueDriftTotal += int64(drifted)
	m.mu.Unlock()
}

// SetQueueDepth records the current queue length for a tenant
func (m *Metrics) SetQueueDepth(tenantID string, depth int) {
	m.mu.Lock()
	m.queueDepth[tenantID] = depth
	m.mu.Unlock()
}

// QueueDepth returns the last recorded queue length for a tenant
func (m *Metrics) QueueDepth(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queueDepth[tenantID]
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpRequestsTotal[endpoint] == nil {
		m.httpRequestsTotal[endpoint] = make(map[int]int64)
	}
	m.httpRequestsTotal[endpoint][statusCode]++

	// Keep last 100 durations for percentile calculation
	if len(m.httpRequestDurations[endpoint]) >= 100 {
		m.httpRequestDurations[endpoint] = m.httpRequestDurations[endpoint][1:]
	}
	m.httpRequestDurations[endpoint] = append(m.httpRequestDurations[endpoint], duration.Seconds())
}

// HTTPRequests returns the request count for an endpoint and status
func (m *Metrics) HTTPRequests(endpoint string, statusCode int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.httpRequestsTotal[endpoint][statusCode]
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// Helper to write metric
		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int:
				w.Write([]byte(name + labelStr + " " + strconv.Itoa(v) + "\n"))
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("handoff_uptime_seconds", time.Since(m.startTime).Seconds())

		for _, t := range []types.EventType{
			types.EventChatQueued, types.EventChatAssigned, types.EventChatTransferred,
			types.EventChatResolved, types.EventChatAbandoned, types.EventWaitExceeded,
			types.EventMessageAppended,
		} {
			write("handoff_chat_events_total", m.chatsByEvent[t], "type", string(t))
		}
		write("handoff_reserve_conflicts_total", m.ReserveConflicts)
		write("handoff_tx_retries_total", m.TxRetriesTotal)
		write("handoff_unavailable_total", m.UnavailableTotal)
		write("handoff_sweeps_total", m.SweepsTotal)
		write("handoff_sweep_duration_seconds", m.lastSweepDuration.Seconds())

		write("handoff_events_published_total", m.EventsPublishedTotal)
		write("handoff_events_dropped_total", m.EventsDroppedTotal)
		for _, sink := range sortedKeys(m.sinkErrors) {
			write("handoff_sink_errors_total", m.sinkErrors[sink], "sink", sink)
		}

		// WebSocket metrics
		write("handoff_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("handoff_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("handoff_websocket_active_connections", m.activeConnections)
		write("handoff_websocket_messages_total", m.WebSocketMessagesTotal)
		write("handoff_websocket_errors_total", m.WebSocketErrorsTotal)

		write("handoff_reconcile_runs_total", m.ReconcileRunsTotal)
		write("handoff_queue_drift_total", m.QueueDriftTotal)

		for _, tenant := range sortedKeys(m.queueDepth) {
			write("handoff_queue_depth", m.queueDepth[tenant], "tenant", tenant)
		}

		// HTTP metrics
		for _, endpoint := range sortedKeys(m.httpRequestsTotal) {
			for status, count := range m.httpRequestsTotal[endpoint] {
				write("handoff_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}
