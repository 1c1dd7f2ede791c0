package honeypot

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventsPath is where the HTTP endpoint serves the live event feed.
const EventsPath = "/events"

// Event types sent on the feed.
const (
	EventConnected  = "connected"
	EventConnection = "connection"
	EventExpired    = "expired"
)

const (
	eventsSendBuffer = 64
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
)

// Event is one message of the live feed. Connection events carry the client
// fields; expired events carry the number of clients dropped from each list.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	ConnID  string    `json:"conn_id,omitempty"`
	Addr    string    `json:"addr,omitempty"`
	Port    int       `json:"port,omitempty"`
	Count   int       `json:"count,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Black   int       `json:"black,omitempty"`
	White   int       `json:"white,omitempty"`
}

// EventHub fans honeypot events out to WebSocket subscribers. Slow
// subscribers miss events instead of delaying the honeypot.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *eventClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// NewEventHub creates a hub without subscribers.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		logger:  logger,
		now:     time.Now,
		clients: make(map[*eventClient]struct{}),
	}
}

// Publish sends ev to every subscriber.
func (h *EventHub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event_encode_error", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("event_dropped",
				"type", ev.Type,
				"subscriber", c.conn.RemoteAddr().String(),
			)
		}
	}
}

// ClientCount returns the number of subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it. The first
// message on a new subscription is a connected event.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.logger.Debug("events_upgrade_failed", "error", err)
		return
	}

	c := &eventClient{
		conn: conn,
		send: make(chan []byte, eventsSendBuffer),
		done: make(chan struct{}),
	}
	hello, _ := json.Marshal(Event{Type: EventConnected, Time: h.now()})
	c.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("events_subscribed", "subscriber", conn.RemoteAddr().String())

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every subscriber and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *EventHub) unsubscribe(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readPump only detects disconnection; subscribers send nothing.
func (h *EventHub) readPump(c *eventClient) {
	defer h.unsubscribe(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(eventsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
