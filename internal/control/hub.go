package control

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/metrics"
)

const (
	// sendBuffer is the per-client queue. A client that stays this far
	// behind the event stream is disconnected rather than allowed to stall
	// every publisher.
	sendBuffer = 64

	wsWriteTimeout = 10 * time.Second
)

// wsEnvelope is the wire frame for one event.
type wsEnvelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      event.Event `json:"data"`
}

type wsClient struct {
	id    string
	conn  *websocket.Conn
	send  chan wsEnvelope
	types map[string]bool // nil means every type
}

// hub fans bus events out to WebSocket clients. Per-client ordering is
// FIFO through a buffered channel and a single write pump; delivery is
// at-least-once across reconnects, and a slow client is dropped instead
// of applying backpressure to the bus.
type hub struct {
	bus      *event.Bus
	log      *logging.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool
	subID   string
}

func newHub(bus *event.Bus, log *logging.Logger, m *metrics.Metrics) *hub {
	h := &hub{
		bus:     bus,
		log:     log.WithComponent("control.events"),
		metrics: m,
		upgrader: websocket.Upgrader{
			// The control plane binds to the operations network; origin
			// enforcement belongs to whatever fronts it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[string]*wsClient{},
	}
	h.subID = bus.SubscribeAll(h.broadcast)
	return h
}

// handleWS upgrades the request and registers the client. An optional
// ?types=group.ready,group.failed query narrows the stream.
func (h *hub) handleWS(c *gin.Context) {
	types, err := parseTypeFilter(c.Query("types"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own failure response.
		h.log.Warn("websocket upgrade failed", "error", err, "client", c.ClientIP())
		return
	}

	client := &wsClient{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan wsEnvelope, sendBuffer),
		types: types,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()

	h.metrics.WSClients.Inc()
	h.log.Info("event stream client connected", "client_id", client.id, "remote", conn.RemoteAddr().String())

	go h.writePump(client)
	go h.readPump(client)
}

// broadcast queues one event for every interested client. Runs on the
// publisher's goroutine, so it never blocks: a full buffer drops the
// client, not the event.
func (h *hub) broadcast(e event.Event) {
	env := wsEnvelope{Type: e.EventType(), Timestamp: e.Timestamp(), Data: e}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		if client.types != nil && !client.types[env.Type] {
			continue
		}
		select {
		case client.send <- env:
		default:
			h.log.Warn("dropping slow event stream client", "client_id", id)
			h.dropLocked(id)
		}
	}
}

// writePump is the only writer on the connection. It exits when the send
// channel closes (drop or hub shutdown) or a write fails.
func (h *hub) writePump(client *wsClient) {
	defer func() {
		h.drop(client.id)
		client.conn.Close()
		h.metrics.WSClients.Dec()
		h.log.Info("event stream client disconnected", "client_id", client.id)
	}()

	for env := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := client.conn.WriteJSON(env); err != nil {
			return
		}
	}
	// Channel closed: we were dropped or the hub is shutting down. Say
	// goodbye properly so well-behaved clients reconnect promptly.
	deadline := time.Now().Add(wsWriteTimeout)
	client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
}

// readPump drains inbound frames so close handshakes and pings are
// processed. Clients have nothing to say otherwise.
func (h *hub) readPump(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.drop(client.id)
			return
		}
	}
}

// drop removes a client and closes its queue. The write pump owns the
// connection teardown. Dropping an already-dropped client is a no-op.
func (h *hub) drop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(id)
}

func (h *hub) dropLocked(id string) {
	client, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(client.send)
}

// close unsubscribes from the bus and disconnects every client.
func (h *hub) close() {
	h.bus.Unsubscribe(h.subID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id := range h.clients {
		h.dropLocked(id)
	}
}

// parseTypeFilter turns a comma-separated types value into a lookup set.
// An empty value means no filter; an unrecognized type is a client error.
func parseTypeFilter(raw string) (map[string]bool, error) {
	if raw == "" {
		return nil, nil
	}
	known := event.Types()
	filter := make(map[string]bool)
	for t := range strings.SplitSeq(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !slices.Contains(known, t) {
			return nil, APIError{
				Status:  http.StatusBadRequest,
				Code:    "unknown_event_type",
				Message: fmt.Sprintf("unknown event type %q", t),
				Details: gin.H{"known_types": known},
			}
		}
		filter[t] = true
	}
	if len(filter) == 0 {
		return nil, nil
	}
	return filter, nil
}
