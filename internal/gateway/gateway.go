// Package gateway is the boundary between WebSocket connections and the
// tracking hub. A connection's role is unknown until its first authenticated
// message declares it; after that, provider messages route into the hub and
// subscriber connections receive fanned-out positions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sewago/sentinel/internal/idgen"
	"github.com/sewago/sentinel/internal/metrics"
	"github.com/sewago/sentinel/internal/tracking"
)

// SessionHub is the subset of the tracking hub the gateway drives.
type SessionHub interface {
	AttachProvider(bookingID, connID string) error
	DetachProvider(bookingID, connID string)
	Subscribe(bookingID, connID string) error
	Unsubscribe(bookingID, connID string)
	RouteProviderUpdate(ctx context.Context, bookingID string, pos tracking.Position) error
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients (provider apps)
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Gateway accepts WebSocket connections and translates their lifecycle
// events (connect, message, disconnect) into hub calls. It also implements
// tracking.Pusher, the hub's fan-out primitive.
type Gateway struct {
	hub        SessionHub
	logger     *slog.Logger
	maxClients int

	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates a gateway over the given hub.
func New(hub SessionHub, logger *slog.Logger) *Gateway {
	return &Gateway{
		hub:        hub,
		logger:     logger,
		maxClients: MaxClients,
		clients:    make(map[string]*Client),
	}
}

// WithMaxClients overrides the connection cap.
func (g *Gateway) WithMaxClients(n int) *Gateway {
	g.maxClients = n
	return g
}

// Client is one WebSocket connection. Role and booking are empty until the
// role-announce message arrives.
type Client struct {
	id   string
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed on unregister; send itself is never closed

	mu        sync.Mutex
	role      Role
	bookingID string
}

// PushPosition implements tracking.Pusher: deliver one accepted position to
// one subscriber connection. Non-blocking; a subscriber whose send buffer is
// full loses this frame rather than stalling the fan-out.
func (g *Gateway) PushPosition(connID, bookingID string, pos tracking.Position) {
	g.mu.RLock()
	client, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok {
		metrics.FanoutDrops.Inc()
		return
	}

	select {
	case <-client.done:
		// Client is unregistering; the frame has nowhere to go.
		metrics.FanoutDrops.Inc()
	case client.send <- encodePushed(bookingID, pos):
		metrics.FanoutPushes.Inc()
	default:
		metrics.FanoutDrops.Inc()
		g.logger.Warn("subscriber send buffer full, dropping position",
			"conn", connID, "booking", bookingID)
	}
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// HandleWebSocket upgrades HTTP to WebSocket and starts the connection pumps.
// Authentication of the connection happened upstream; the gateway trusts the
// request by the time it arrives here.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.ClientCount() >= g.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:   idgen.WithPrefix("conn_"),
		gw:   g,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	g.register(client)
	go client.writePump()
	go client.readPump()
}

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	g.clients[c.id] = c
	n := len(g.clients)
	g.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	g.logger.Info("client connected", "conn", c.id, "total", n)
}

// unregister removes the client and detaches it from its session. A provider
// disconnect is non-authoritative: the session stays as-is and staleness
// advances it if the drop persists. A subscriber disconnect unsubscribes.
func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)
	n := len(g.clients)
	g.mu.Unlock()

	// Closing send would race a concurrent PushPosition. The done channel
	// tells writePump and in-flight pushes to stand down instead; only one
	// goroutine gets past the map check above, so this close is single-shot.
	close(c.done)

	role, bookingID := c.identity()
	switch role {
	case RoleProvider:
		g.hub.DetachProvider(bookingID, c.id)
	case RoleSubscriber:
		g.hub.Unsubscribe(bookingID, c.id)
	}

	metrics.ActiveWebSocketClients.Set(float64(n))
	g.logger.Info("client disconnected", "conn", c.id, "role", string(role), "total", n)
}

func (c *Client) identity() (Role, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.bookingID
}

func (c *Client) setIdentity(role Role, bookingID string) {
	c.mu.Lock()
	c.role = role
	c.bookingID = bookingID
	c.mu.Unlock()
}

// readPump reads and dispatches inbound messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.gw.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.gw.logger.Warn("websocket read error", "conn", c.id, "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.gw.logger.Warn("unparseable message, closing", "conn", c.id, "error", err)
			return
		}

		if !c.dispatch(&msg) {
			return
		}
	}
}

// dispatch handles one inbound message. Returns false when the connection
// should close.
func (c *Client) dispatch(msg *inbound) bool {
	role, bookingID := c.identity()

	// First message must declare the role.
	if role == "" {
		if msg.Kind != KindRoleAnnounce {
			c.gw.logger.Warn("first message was not role-announce", "conn", c.id, "kind", msg.Kind)
			return false
		}
		return c.announce(msg)
	}

	switch msg.Kind {
	case KindPositionUpdate:
		if role != RoleProvider {
			c.gw.logger.Warn("position update from non-provider", "conn", c.id)
			return false
		}
		err := c.gw.hub.RouteProviderUpdate(context.Background(), bookingID, msg.position())
		switch {
		case errors.Is(err, tracking.ErrSessionClosed), errors.Is(err, tracking.ErrSessionNotFound):
			// Booking ended while the provider was still streaming.
			c.gw.logger.Info("session gone, closing provider connection",
				"conn", c.id, "booking", bookingID)
			return false
		case err != nil:
			c.gw.logger.Warn("route position failed", "conn", c.id, "error", err)
		}
		return true

	case KindRoleAnnounce:
		// Role is fixed for the life of the connection.
		c.gw.logger.Warn("duplicate role-announce", "conn", c.id)
		return false

	default:
		// Unknown kinds are ignored; the protocol may grow.
		return true
	}
}

// announce binds the connection to a booking in the declared role.
func (c *Client) announce(msg *inbound) bool {
	if msg.BookingID == "" {
		c.gw.logger.Warn("role-announce without bookingId", "conn", c.id)
		return false
	}

	switch msg.Role {
	case RoleProvider:
		if err := c.gw.hub.AttachProvider(msg.BookingID, c.id); err != nil {
			c.gw.logger.Warn("provider attach rejected",
				"conn", c.id, "booking", msg.BookingID, "error", err)
			return false
		}
	case RoleSubscriber:
		if err := c.gw.hub.Subscribe(msg.BookingID, c.id); err != nil {
			c.gw.logger.Warn("subscribe rejected",
				"conn", c.id, "booking", msg.BookingID, "error", err)
			return false
		}
	default:
		c.gw.logger.Warn("unknown role", "conn", c.id, "role", string(msg.Role))
		return false
	}

	c.setIdentity(msg.Role, msg.BookingID)
	c.gw.logger.Info("role announced",
		"conn", c.id, "role", string(msg.Role), "booking", msg.BookingID)
	return true
}

// writePump writes outbound frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.gw.logger.Warn("websocket write error", "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.gw.logger.Debug("websocket ping failed", "conn", c.id, "error", err)
				return
			}
		}
	}
}
