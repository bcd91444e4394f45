package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/bench-history/tracker/types"
)

// WSMessageType represents different types of WebSocket messages
type WSMessageType string

const (
	WSMessageTypeConnection WSMessageType = "connection"
	WSMessageTypePing       WSMessageType = "ping"
	WSMessageTypePong       WSMessageType = "pong"

	WSMessageTypeSnapshotIngested   WSMessageType = "snapshot_ingested"
	WSMessageTypeRegressionDetected WSMessageType = "regression_detected"
	WSMessageTypeCheckCompleted     WSMessageType = "check_completed"
)

// WSMessage represents a WebSocket message structure
type WSMessage struct {
	Type      WSMessageType `json:"type"`
	Data      interface{}   `json:"data,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	ClientID  string        `json:"client_id,omitempty"`
}

// WSHubConfig holds configuration for the WebSocket hub
type WSHubConfig struct {
	MaxClients       int
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ClientBufferSize int
}

// DefaultWSHubConfig returns the hub limits used by the API server
func DefaultWSHubConfig() WSHubConfig {
	return WSHubConfig{
		MaxClients:       100,
		WriteTimeout:     10 * time.Second,
		PongTimeout:      60 * time.Second,
		PingInterval:     54 * time.Second,
		MaxMessageSize:   64 * 1024,
		ClientBufferSize: 64,
	}
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn   *websocket.Conn
	hub    *WSHub
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// WSHub fans events out to connected WebSocket clients. The run loop owns client
// registration; a client whose buffer is full is dropped rather than blocking the hub.
type WSHub struct {
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan []byte

	config WSHubConfig
	log    logrus.FieldLogger

	mu   sync.RWMutex
	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}
}

// NewWSHub creates a new WebSocket hub instance
func NewWSHub(config WSHubConfig, log logrus.FieldLogger) *WSHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan []byte, 256),
		config:     config,
		log:        log.WithField("component", "websocket-hub"),
		ctx:        ctx,
		stop:       cancel,
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled or Stop is called
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()
	defer h.stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.config.MaxClients {
				h.mu.Unlock()
				h.log.Warn("Maximum client limit reached, rejecting connection")
				client.closeSend()
				continue
			}
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			client.sendMessage(WSMessage{
				Type:      WSMessageTypeConnection,
				Data:      map[string]interface{}{"status": "connected", "client_id": client.ID},
				Timestamp: time.Now(),
				ClientID:  client.ID,
			})
			h.log.WithFields(logrus.Fields{
				"client_id":     client.ID,
				"remote_addr":   client.RemoteAddr,
				"total_clients": total,
			}).Info("WebSocket client connected")

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.enqueue(message) {
					h.log.WithField("client_id", client.ID).Warn("Client send buffer full, disconnecting")
					delete(h.clients, client)
					client.closeSend()
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop disconnects every client and waits for Run to return. Run must have been started.
func (h *WSHub) Stop() {
	h.stop()
	<-h.done
	h.log.Info("WebSocket hub stopped")
}

// ClientCount returns the number of currently connected clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every connected client
func (h *WSHub) Broadcast(messageType WSMessageType, data interface{}) {
	msg, err := json.Marshal(WSMessage{Type: messageType, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal broadcast message")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.WithField("type", messageType).Warn("Broadcast channel full, dropping message")
	}
}

// NotifySnapshotIngested announces a newly persisted run
func (h *WSHub) NotifySnapshotIngested(environmentID string, snapshot *types.RunSnapshot, runs int) {
	h.Broadcast(WSMessageTypeSnapshotIngested, map[string]interface{}{
		"environment_id":   environmentID,
		"commit_id":        snapshot.CommitID,
		"suite":            snapshot.Suite,
		"tool":             snapshot.ToolName,
		"ingest_timestamp": snapshot.IngestTimestamp,
		"metrics":          len(snapshot.Metrics),
		"runs":             runs,
	})
}

// Report implements analysis.Reporter: every report is announced as
// check_completed, and regressions additionally as regression_detected.
func (h *WSHub) Report(ctx context.Context, report *types.RegressionReport) error {
	if report.AnyRegression {
		h.Broadcast(WSMessageTypeRegressionDetected, map[string]interface{}{
			"environment_id": report.EnvironmentID,
			"suite":          report.Suite,
			"commit_id":      report.CommitID,
			"regressions":    report.Regressions(),
		})
		h.log.WithFields(logrus.Fields{
			"environment": report.EnvironmentID,
			"commit":      report.CommitID,
			"regressed":   report.Count(types.VerdictRegressed),
		}).Warn("Broadcasted regression detection notification")
	}
	h.Broadcast(WSMessageTypeCheckCompleted, report)
	return nil
}

// HandleWebSocketConnection upgrades the request and registers the client with the hub
func (h *WSHub) HandleWebSocketConnection(upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
			return
		}

		client := &WSClient{
			ID:          uuid.NewString(),
			RemoteAddr:  r.RemoteAddr,
			ConnectedAt: time.Now(),
			conn:        conn,
			send:        make(chan []byte, h.config.ClientBufferSize),
			hub:         h,
		}

		select {
		case h.register <- client:
		case <-h.ctx.Done():
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func (h *WSHub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()
	h.log.WithFields(logrus.Fields{
		"client_id":     client.ID,
		"total_clients": len(h.clients),
	}).Info("WebSocket client disconnected")
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.closeSend()
	}
}

// enqueue reports false when the client's buffer is full
func (c *WSClient) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) sendMessage(message WSMessage) {
	msg, err := json.Marshal(message)
	if err != nil {
		c.hub.log.WithError(err).Error("Failed to marshal client message")
		return
	}
	if !c.enqueue(msg) {
		c.hub.log.WithField("client_id", c.ID).Warn("Client send buffer full")
	}
}

// readPump answers pings and detects disconnects
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("client_id", c.ID).Error("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))

		if msg.Type == WSMessageTypePing {
			c.sendMessage(WSMessage{Type: WSMessageTypePong, Timestamp: time.Now(), ClientID: c.ID})
		}
	}
}

// writePump owns all writes to the connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.WithError(err).WithField("client_id", c.ID).Error("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
