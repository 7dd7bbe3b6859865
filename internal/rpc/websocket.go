package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klingon-exchange/spill/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxFrameSize   = 4096
	clientQueueLen = 64
	eventQueueLen  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType names a channel event.
type EventType string

const (
	EventChannelOpened   EventType = "channel_opened"
	EventPaymentReceived EventType = "payment_received"
	EventChannelClosed   EventType = "channel_closed"
)

// WSEvent is one frame of the event feed.
type WSEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// WSSubscription narrows or widens what a client receives. Events and
// Sessions are independent filters; an empty filter passes everything.
type WSSubscription struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Events   []string `json:"events,omitempty"`
	Sessions []string `json:"sessions,omitempty"`
}

// eventFilter selects events by type and by session.
type eventFilter struct {
	mu       sync.RWMutex
	events   map[EventType]bool
	sessions map[string]bool
}

func newEventFilter(sessions []string) *eventFilter {
	f := &eventFilter{
		events:   make(map[EventType]bool),
		sessions: make(map[string]bool),
	}
	for _, id := range sessions {
		if id != "" {
			f.sessions[id] = true
		}
	}
	return f
}

func (f *eventFilter) wants(e *WSEvent) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.events) > 0 && !f.events[e.Type] {
		return false
	}
	return len(f.sessions) == 0 || f.sessions[e.SessionID]
}

func (f *eventFilter) apply(sub *WSSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	add := sub.Action == "subscribe"
	if !add && sub.Action != "unsubscribe" {
		return
	}
	for _, name := range sub.Events {
		if add {
			f.events[EventType(name)] = true
		} else {
			delete(f.events, EventType(name))
		}
	}
	for _, id := range sub.Sessions {
		if add {
			f.sessions[id] = true
		} else {
			delete(f.sessions, id)
		}
	}
}

// WSClient is one connected feed reader.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter *eventFilter
	hub    *WSHub
}

// WSHub fans channel events out to websocket clients.
type WSHub struct {
	clients    map[*WSClient]struct{}
	events     chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a hub. Run must be called to deliver events.
func NewWSHub(log *logging.Logger) *WSHub {
	if log == nil {
		log = logging.GetDefault().Component("ws")
	}
	return &WSHub{
		clients:    make(map[*WSClient]struct{}),
		events:     make(chan *WSEvent, eventQueueLen),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        log,
	}
}

// Run delivers events until Stop is called, then disconnects every client.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Feed client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Feed client disconnected", "clients", n)

		case event := <-h.events:
			h.deliver(event)
		}
	}
}

// deliver queues event on every client that wants it. A client whose queue
// is full is disconnected.
func (h *WSHub) deliver(event *WSEvent) {
	frame, err := json.Marshal(event)
	if err != nil {
		h.log.Error("Failed to encode event", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.filter.wants(event) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			h.log.Warn("Dropping slow feed client", "session", event.SessionID)
			h.drop(client)
		}
	}
}

// drop removes client. Callers hold h.mu.
func (h *WSHub) drop(client *WSClient) {
	delete(h.clients, client)
	close(client.send)
}

// Stop ends Run.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Broadcast queues an event about session. Events are dropped when the hub
// is backed up.
func (h *WSHub) Broadcast(eventType EventType, sessionID string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error("Failed to encode event data", "type", eventType, "error", err)
		return
	}

	event := &WSEvent{
		Type:      eventType,
		SessionID: sessionID,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.events <- event:
	default:
		h.log.Warn("Event queue full, dropping event", "type", eventType, "session", sessionID)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades a feed connection. Repeated ?session= parameters start
// the client filtered to those sessions.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, clientQueueLen),
		filter: newEventFilter(r.URL.Query()["session"]),
		hub:    s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription frames until the connection fails.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Feed read error", "error", err)
			}
			return
		}

		var sub WSSubscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			continue
		}
		c.filter.apply(&sub)
	}
}

// writePump sends queued frames, one event per text message, and keeps the
// connection alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
