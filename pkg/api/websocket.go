package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/event"
)

// ClientMessage is one inbound WebSocket message.
type ClientMessage struct {
	Action         string   `json:"action"` // subscribe, unsubscribe, ping
	SubscriptionID string   `json:"subscription_id,omitempty"`
	Types          []string `json:"types,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	UserIDs        []string `json:"user_ids,omitempty"`
	Categories     []string `json:"categories,omitempty"`
}

// ConnectionManager owns WebSocket connections. Each subscribe message
// opens one bus stream; a pump goroutine copies matching events to the
// socket until unsubscribe or disconnect.
type ConnectionManager struct {
	bus            *bus.Bus
	writeTimeout   time.Duration
	streamCapacity int

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Connection is one WebSocket client.
//
// streams is only touched from the connection's read loop and its
// deferred cleanup, so it needs no lock.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	streams map[string]*bus.Stream // subscription id -> stream
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConnectionManager creates the manager. streamCapacity bounds each
// subscription's bus stream; zero falls back to the bus default.
func NewConnectionManager(b *bus.Bus, writeTimeout time.Duration, streamCapacity int) *ConnectionManager {
	return &ConnectionManager{
		bus:            b,
		writeTimeout:   writeTimeout,
		streamCapacity: streamCapacity,
		connections:    make(map[string]*Connection),
	}
}

// HandleWS upgrades GET /ws and services the connection until it closes.
func (s *Server) HandleWS(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	if origins := s.rt.Config.Server.AllowedWSOrigins; len(origins) > 0 {
		opts.OriginPatterns = origins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.ws.HandleConnection(c.Request.Context(), conn)
}

// HandleConnection runs the read loop. Blocks until the socket closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:      uuid.New().String(),
		Conn:    conn,
		streams: make(map[string]*bus.Stream),
		ctx:     ctx,
		cancel:  cancel,
	}

	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		m.subscribe(c, msg)
	case "unsubscribe":
		if msg.SubscriptionID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "subscription_id is required for unsubscribe"})
			return
		}
		if stream, ok := c.streams[msg.SubscriptionID]; ok {
			delete(c.streams, msg.SubscriptionID)
			m.bus.Unsubscribe(stream.ID())
		}
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// subscribe opens a bus stream for the requested filter and starts the
// pump goroutine.
func (m *ConnectionManager) subscribe(c *Connection, msg *ClientMessage) {
	filter := bus.Filter{
		Types:   msg.Types,
		Sources: msg.Sources,
		UserIDs: msg.UserIDs,
	}
	for _, cat := range msg.Categories {
		filter.Categories = append(filter.Categories, event.Category(cat))
	}

	stream := m.bus.SubscribeStream(filter, bus.StreamOptions{Capacity: m.streamCapacity})
	c.streams[stream.ID()] = stream

	m.sendJSON(c, map[string]string{
		"type":            "subscription.confirmed",
		"subscription_id": stream.ID(),
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case e, ok := <-stream.Events():
				if !ok {
					return
				}
				m.sendJSON(c, map[string]any{
					"type":            "event",
					"subscription_id": stream.ID(),
					"event":           e.ToMap(),
				})
			}
		}
	}()
}

// Broadcast is not needed: delivery rides the bus streams. CloseAll
// tears everything down on server shutdown.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ActiveConnections returns the number of live connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// unregister drops the connection's streams and closes the socket.
func (m *ConnectionManager) unregister(c *Connection) {
	for id, stream := range c.streams {
		delete(c.streams, id)
		m.bus.Unsubscribe(stream.ID())
	}
	c.cancel()
	c.wg.Wait()

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}
