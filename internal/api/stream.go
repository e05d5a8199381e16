package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub fans events out to connected websocket clients. The client set is
// owned by the Run goroutine; registration, removal and broadcasts all
// travel through channels, so no lock guards the set.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

// Client is one websocket subscriber with its buffered outbound queue.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub; call Run in a goroutine to start delivery.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run delivers queued events until Close, then disconnects every client.
func (h *Hub) Run() {
	clients := make(map[*Client]bool)
	for {
		select {
		case client := <-h.register:
			clients[client] = true
			h.logger.Info("client connected", "count", len(clients))

		case client := <-h.unregister:
			if _, ok := clients[client]; ok {
				delete(clients, client)
				close(client.send)
				h.logger.Info("client disconnected", "count", len(clients))
			}

		case message := <-h.broadcast:
			for client := range clients {
				select {
				case client.send <- message:
				default:
					// Client can't keep up, close it
					close(client.send)
					delete(clients, client)
				}
			}

		case <-h.done:
			for client := range clients {
				close(client.send)
			}
			return
		}
	}
}

// Close stops the Run loop and disconnects all clients. Safe to call more
// than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event for delivery to every connected client.
func (h *Hub) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// writePump drains the client's queue onto the wire and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames so pongs and close frames are processed,
// then removes the client. The unregister send races hub shutdown, so it
// selects against done.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
		// The stream is push-only, ignore any client messages
	}
}

// NewClient registers a subscriber and starts its read and write pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return client
	}

	go client.writePump()
	go client.readPump()

	return client
}
