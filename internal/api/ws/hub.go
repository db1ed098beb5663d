package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/your-org/lanewatch/internal/observability"
	"github.com/your-org/lanewatch/pkg/dto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected WebSocket consumer with optional filters.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	streamID uuid.UUID       // uuid.Nil = every stream
	types    map[string]bool // empty = every type
}

func (c *Client) wants(m message) bool {
	if c.streamID != uuid.Nil && c.streamID != m.streamID {
		return false
	}
	return len(c.types) == 0 || c.types[m.typ]
}

type message struct {
	streamID uuid.UUID
	typ      string
	data     []byte
}

// Hub maintains active WebSocket clients and fans out render frames,
// infractions and verdicts.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub event loop. Call this in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "stream_filter", client.streamID)

		case client := <-h.unregister:
			h.remove(client)

		case m := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(m) {
					continue
				}
				select {
				case client.send <- m.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				slog.Warn("ws client too slow, disconnecting")
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	observability.WSConnections.Dec()
	slog.Debug("ws client disconnected")
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast marshals v as the data of a typed event. It never blocks; when
// the hub is backed up the event is dropped.
func (h *Hub) Broadcast(typ string, streamID uuid.UUID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal ws event data", "type", typ, "error", err)
		return
	}
	h.BroadcastRaw(typ, streamID, data)
}

// BroadcastRaw wraps already-encoded JSON in an event envelope.
func (h *Hub) BroadcastRaw(typ string, streamID uuid.UUID, data []byte) {
	payload, err := json.Marshal(dto.WSEvent{Type: typ, StreamID: streamID, Data: data})
	if err != nil {
		slog.Error("marshal ws event", "type", typ, "error", err)
		return
	}
	select {
	case h.broadcast <- message{streamID: streamID, typ: typ, data: payload}:
	default:
		slog.Debug("ws broadcast queue full, dropping event", "type", typ)
	}
}

// HandleWS handles WebSocket upgrade requests.
// Query: stream_id=<uuid> limits to one stream, types=render,infraction
// limits event types.
func (h *Hub) HandleWS(c *gin.Context) {
	var streamID uuid.UUID
	if s := c.Query("stream_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream_id"})
			return
		}
		streamID = id
	}
	types := map[string]bool{}
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 64),
		streamID: streamID,
		types:    types,
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Incoming messages are ignored; reading only detects disconnection.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
