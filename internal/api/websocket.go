package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/alerts"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/types"
)

// Message types on the live feed
const (
	MessageWelcome    = "welcome"
	MessageTransition = "transition"
	MessageAlert      = "alert"
)

// WebSocketMessage is one frame on the live feed
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	EventID   string      `json:"eventId,omitempty"`
}

type hubClient struct {
	id         string
	conn       *websocket.Conn
	send       chan WebSocketMessage
	types      map[string]bool // empty means everything
	remoteAddr string
	adminID    string

	mu       sync.Mutex
	lastPong time.Time
}

func (c *hubClient) wants(messageType string) bool {
	return len(c.types) == 0 || c.types[messageType]
}

// HubConfig holds live feed limits
type HubConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	AllowedOrigins []string
}

// DefaultHubConfig returns the standard live feed limits
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 100,
	}
}

// Hub fans out lifecycle transitions, alerts and web approval requests to
// connected dashboards
type Hub struct {
	config   HubConfig
	clock    clock.Clock
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*hubClient
	closed  bool
}

// NewHub creates a live feed hub
func NewHub(config HubConfig, clk clock.Clock, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	defaults := DefaultHubConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaults.MaxConnections
	}

	h := &Hub{
		config:  config,
		clock:   clk,
		logger:  logging.NewServiceLogger(logger, "live-hub"),
		clients: make(map[string]*hubClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run pings connected clients and drops the ones that stopped answering. It
// returns when ctx ends, closing every connection.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.pingClients()
		}
	}
}

// Broadcast queues a message for every client subscribed to its type and
// reports how many clients it was queued for
func (h *Hub) Broadcast(messageType string, data interface{}) int {
	message := WebSocketMessage{
		Type:      messageType,
		Timestamp: h.clock.Now().UTC(),
		Data:      data,
		EventID:   uuid.NewString(),
	}

	h.mu.RLock()
	var (
		sent    int
		blocked []*hubClient
	)
	for _, c := range h.clients {
		if !c.wants(messageType) {
			continue
		}
		select {
		case c.send <- message:
			sent++
		default:
			blocked = append(blocked, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range blocked {
		h.logger.WithField("connection_id", c.id).Warn("Client send buffer full, dropping connection")
		h.unregister(c)
	}
	return sent
}

// OnTransition forwards committed lifecycle transitions to the feed
func (h *Hub) OnTransition(event types.TransitionEvent) {
	h.Broadcast(MessageTransition, event)
}

// HandleAlert forwards alert events to the feed. Having no dashboard
// connected is not a delivery failure.
func (h *Hub) HandleAlert(ctx context.Context, event alerts.Event) error {
	h.Broadcast(MessageAlert, event)
	return nil
}

// ConnectionCount returns the number of connected clients
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and attaches the client to the feed. The
// optional types query parameter is a comma separated subscription list.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, adminID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &hubClient{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan WebSocketMessage, 256),
		types:      parseSubscription(r.URL.Query().Get("types")),
		remoteAddr: r.RemoteAddr,
		adminID:    adminID,
		lastPong:   h.clock.Now(),
	}

	if err := h.register(c); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(h.config.WriteTimeout))
		conn.Close()
		return err
	}

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) register(c *hubClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errHubClosed
	}
	if len(h.clients) >= h.config.MaxConnections {
		return errHubFull
	}
	h.clients[c.id] = c

	c.send <- WebSocketMessage{
		Type:      MessageWelcome,
		Timestamp: h.clock.Now().UTC(),
		Data: map[string]interface{}{
			"connectionId": c.id,
			"adminId":      c.adminID,
		},
	}

	h.logger.WithFields(logrus.Fields{
		"connection_id": c.id,
		"remote_addr":   c.remoteAddr,
		"admin_id":      c.adminID,
		"total":         len(h.clients),
	}).Info("Live feed client connected")
	return nil
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)

	h.logger.WithFields(logrus.Fields{
		"connection_id": c.id,
		"total":         len(h.clients),
	}).Info("Live feed client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *Hub) pingClients() {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	now := h.clock.Now()
	for _, c := range clients {
		c.mu.Lock()
		silent := now.Sub(c.lastPong)
		c.mu.Unlock()

		if silent > h.config.PongTimeout {
			h.logger.WithField("connection_id", c.id).Warn("Live feed client timed out")
			h.unregister(c)
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
			h.unregister(c)
		}
	}
}

// writePump owns all data writes on the connection
func (h *Hub) writePump(c *hubClient) {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
		if err := c.conn.WriteJSON(message); err != nil {
			h.logger.WithError(err).WithField("connection_id", c.id).Debug("Failed to write live feed message")
			h.unregister(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(h.config.WriteTimeout))
}

// readPump drains client frames so pongs and close frames are processed
func (h *Hub) readPump(c *hubClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = h.clock.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	return originAllowed(origin, h.config.AllowedOrigins)
}

func parseSubscription(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	subscribed := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			subscribed[t] = true
		}
	}
	return subscribed
}
