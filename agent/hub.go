package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Client is one connected browser tab.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

type directMessage struct {
	client  *Client
	payload []byte
}

// Hub maintains the set of active tabs and broadcasts messages to them.
type Hub struct {
	log        *zap.SugaredLogger
	clients    map[*Client]bool
	broadcast  chan []byte
	direct     chan directMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func newHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:        log.Named("hub"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		direct:     make(chan directMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debugw("tab registered", "client", client.id, "total", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Debugw("tab unregistered", "client", client.id, "total", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				h.deliver(client, message)
			}
		case m := <-h.direct:
			if h.clients[m.client] {
				h.deliver(m.client, m.payload)
			}
		}
	}
}

// deliver drops a tab whose buffer is full rather than stalling the hub.
func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		close(client.send)
		delete(h.clients, client)
		h.log.Warnw("dropped slow tab", "client", client.id)
	}
}

// Broadcast sends message to every tab. It returns without sending once the
// hub has stopped.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// SendTo sends message to one tab.
func (h *Hub) SendTo(c *Client, message []byte) {
	select {
	case h.direct <- directMessage{client: c, payload: message}:
	case <-h.done:
	}
}

// Publish encodes ev and broadcasts it.
func (h *Hub) Publish(ev uiEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorw("encode ui event", "event", ev.Event, "error", err)
		return
	}
	h.Broadcast(b)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CommandHandler runs one command from a tab.
type CommandHandler func(*Client, Command) error

func serveWs(hub *Hub, handle CommandHandler, onOpen func(*Client), w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warnw("upgrade failed", "error", err)
		return
	}
	client := &Client{id: uuid.NewString(), hub: hub, conn: conn, send: make(chan []byte, 256)}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(handle)
	if onOpen != nil {
		onOpen(client)
	}
}

func (c *Client) readPump(handle CommandHandler) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.log.Warnw("error decoding command", "client", c.id, "error", err)
			continue
		}
		if err := handle(c, cmd); err != nil {
			c.hub.log.Infow("command failed", "client", c.id, "action", cmd.Action, "error", err)
			if b, err := json.Marshal(uiEvent{Event: "error", Message: err.Error(), ClientID: cmd.ClientID}); err == nil {
				c.hub.SendTo(c, b)
			}
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
