// Package telemetry broadcasts AttemptLog, Observation, Intervention, and
// decision-log events from a running Supervisor to connected dashboard
// clients over WebSocket.
package telemetry

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event types broadcast to dashboard clients.
const (
	EventHeartbeat    = "heartbeat"
	EventAttempt      = "attempt"
	EventObservation  = "observation"
	EventIntervention = "intervention"
	EventDecision     = "decision"
	EventResult       = "result"
)

// Message is one envelope sent over the hub's broadcast channel.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Client is one connected dashboard WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub
}

// Hub maintains connected dashboard clients and fans out broadcast events
// to all of them, dropping a client whose send buffer is full rather than
// blocking the rest of the run.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
	mu         sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHub builds a Hub. Call Run in a goroutine before serving Upgrade.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run drives the hub's register/unregister/broadcast loop plus a 30s
// heartbeat, until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	h.logger.Info("telemetry hub started")
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-stop:
			h.logger.Info("telemetry hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("dashboard client connected", "client_id", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("dashboard client disconnected", "client_id", client.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			h.broadcast <- Message{Type: EventHeartbeat, Timestamp: time.Now()}
		}
	}
}

// Publish enqueues an event for broadcast to every connected client.
// Non-blocking: a full broadcast channel drops the event with a warning.
func (h *Hub) Publish(eventType, requestID string, data any) {
	msg := Message{Type: eventType, Timestamp: time.Now(), RequestID: requestID, Data: data}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("telemetry broadcast channel full, dropping event", "type", eventType)
	}
}

// Upgrade promotes an HTTP request to a WebSocket connection and registers
// a new Client with the hub. The caller's HTTP handler should call this and
// return; the client's write loop runs until the connection closes.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{ID: uuid.NewString(), conn: conn, send: make(chan Message, 64), hub: h}
	h.register <- client
	go client.writeLoop()
	go client.readLoop()
	return nil
}

func (c *Client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.hub.logger.Warn("dashboard client write failed", "client_id", c.ID, "error", err)
			return
		}
	}
}

func (c *Client) readLoop() {
	defer func() { c.hub.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
