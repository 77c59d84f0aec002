package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devskill-org/aer/report"
)

// WebServer provides HTTP endpoints for health checking, run status, metrics
// and a websocket stream of records and summaries. It is also a report.Sink.
type WebServer struct {
	runner    *Runner
	metrics   *Metrics
	server    *http.Server
	port      int
	startTime time.Time
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	logger    *log.Logger
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Version   string       `json:"version,omitempty"`
	Runner    RunnerHealth `json:"runner"`
	System    SystemHealth `json:"system"`
}

// RunnerHealth represents runner-specific health information
type RunnerHealth struct {
	IsRunning   bool `json:"is_running"`
	Runs        int  `json:"runs"`
	FailedRuns  int  `json:"failed_runs"`
	SeriesSteps int  `json:"series_steps"`
}

// SystemHealth represents system-level health information
type SystemHealth struct {
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines,omitempty"`
}

// wsClient serialises writes to one connection; gorilla/websocket allows a
// single concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// message is the envelope of every websocket payload
type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NewWebServer creates a new web server. A non-positive port disables it.
func NewWebServer(runner *Runner, metrics *Metrics, port int, logger *log.Logger) *WebServer {
	if port <= 0 {
		return nil // Web server disabled
	}
	if logger == nil {
		logger = log.Default()
	}

	ws := &WebServer{
		runner:    runner,
		metrics:   metrics,
		port:      port,
		startTime: time.Now(),
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		broadcast: make(chan []byte, 1024),
		done:      make(chan struct{}),
	}
	ws.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      ws.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return ws
}

// Handler returns the route multiplexer
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", ws.healthHandler)
	mux.HandleFunc("/api/ready", ws.readinessHandler)
	mux.HandleFunc("/api/status", ws.statusHandler)
	mux.HandleFunc("/api/ws", ws.wsHandler)
	if ws.metrics != nil {
		mux.Handle("/metrics", ws.metrics.Handler())
	}
	return mux
}

// Port returns the listening port
func (ws *WebServer) Port() int {
	return ws.port
}

// Start starts the web server
func (ws *WebServer) Start() error {
	if ws == nil {
		return nil // Web server disabled
	}

	go ws.handleBroadcasts()

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Printf("Web server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the web server
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws == nil {
		return nil // Web server disabled
	}

	ws.stopOnce.Do(func() { close(ws.done) })

	ws.clients.Range(func(key, value any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})

	return ws.server.Shutdown(ctx)
}

func (ws *WebServer) buildHealth() (HealthResponse, bool) {
	status := ws.runner.GetStatus()

	failed := 0
	for _, run := range status.Runs {
		if run.State == StateFailed {
			failed++
		}
	}

	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
		Runner: RunnerHealth{
			IsRunning:   status.IsRunning,
			Runs:        len(status.Runs),
			FailedRuns:  failed,
			SeriesSteps: status.SeriesSteps,
		},
		System: SystemHealth{
			Uptime:     formatUptime(time.Since(ws.startTime)),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	healthy := failed == 0
	if !healthy {
		health.Status = "degraded"
	}
	return health, healthy
}

// healthHandler handles the /api/health endpoint
func (ws *WebServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health, healthy := ws.buildHealth()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// readinessHandler handles the /api/ready endpoint. The server is ready once
// no run is in progress.
func (ws *WebServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := ws.runner.GetStatus()
	ready := map[string]any{
		"ready":     !status.IsRunning,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if status.IsRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(ready); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// statusHandler handles the /api/status endpoint (detailed status)
func (ws *WebServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ws.buildStatusData()); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// wsHandler handles WebSocket connections
func (ws *WebServer) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	// Broadcasts queue behind the initial status so it is always the first message
	client := &wsClient{conn: conn}
	client.mu.Lock()
	ws.clients.Store(conn, client)
	err = conn.WriteJSON(ws.buildStatusData())
	client.mu.Unlock()
	if err != nil {
		ws.logger.Printf("Failed to send initial data: %v", err)
	}
	ws.logger.Printf("New WebSocket client connected. Total clients: %d", ws.clientCount())

	defer func() {
		ws.clients.Delete(conn)
		conn.Close()
		ws.logger.Printf("WebSocket client disconnected. Total clients: %d", ws.clientCount())
	}()

	// Read messages from client (ping/pong, close)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.logger.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (ws *WebServer) clientCount() int {
	n := 0
	ws.clients.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

// handleBroadcasts sends messages to all connected clients
func (ws *WebServer) handleBroadcasts() {
	for {
		select {
		case msg := <-ws.broadcast:
			ws.clients.Range(func(key, value any) bool {
				client, ok := value.(*wsClient)
				if !ok {
					return true
				}
				if err := client.writeMessage(websocket.TextMessage, msg); err != nil {
					ws.logger.Printf("WebSocket write error: %v", err)
					client.conn.Close()
					ws.clients.Delete(key)
				}
				return true
			})
		case <-ws.done:
			return
		}
	}
}

// publish queues a message for every client. Messages are dropped when no
// client is connected or the queue is full, so runs never wait on the dashboard.
func (ws *WebServer) publish(kind string, data any) error {
	if ws.clientCount() == 0 {
		return nil
	}
	payload, err := json.Marshal(message{Type: kind, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	select {
	case ws.broadcast <- payload:
	default:
	}
	return nil
}

// WriteRecord streams a record to connected clients
func (ws *WebServer) WriteRecord(ctx context.Context, r report.Record) error {
	return ws.publish("record", r)
}

// WriteSummary streams a run summary to connected clients
func (ws *WebServer) WriteSummary(ctx context.Context, s report.Summary) error {
	return ws.publish("summary", s)
}

// Close is a no-op; the server outlives the runs and is stopped with Stop.
func (ws *WebServer) Close() error {
	return nil
}

// buildStatusData builds combined health and status data
func (ws *WebServer) buildStatusData() map[string]any {
	health, _ := ws.buildHealth()
	return map[string]any{
		"type":      "status_update",
		"health":    health,
		"status":    ws.runner.GetStatus(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// formatUptime formats uptime duration into a human-readable string
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
