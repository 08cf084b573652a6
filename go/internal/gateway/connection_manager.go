package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/lanride/go/internal/events"
	"github.com/rs/zerolog/log"
)

// allSessions is the filter of connections that want every event.
const allSessions = ""

// ConnectionManager fans engine events out to websocket clients.
type ConnectionManager struct {
	// Connections keyed by the session they follow; allSessions follows everything
	connections map[string]map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// Connection is one websocket client
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	// AllowedOrigins is checked against the Origin header; "*" allows any.
	AllowedOrigins []string
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		SendBuffer:      256,
		AllowedOrigins:  []string{"*"},
	}
}

func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	cm := &ConnectionManager{
		connections: make(map[string]map[*Connection]bool),
		config:      config,
	}
	cm.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     cm.checkOrigin,
	}
	return cm
}

func (cm *ConnectionManager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(cm.config.AllowedOrigins, "*") || slices.Contains(cm.config.AllowedOrigins, origin)
}

// Start forwards events from ch until ctx is done or ch closes.
func (cm *ConnectionManager) Start(ctx context.Context, ch <-chan events.Event) {
	log.Info().Msg("connection manager started")
	defer cm.closeAll()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case ev, ok := <-ch:
			if !ok {
				log.Info().Msg("event stream closed, connection manager stopping")
				return
			}
			cm.Broadcast(ev)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket following sessionID.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connection := &Connection{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: now,
		LastPing:    now,
	}
	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("session_id", sessionID).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connections[conn.SessionID] == nil {
		cm.connections[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.connections[conn.SessionID][conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns, exists := cm.connections[conn.SessionID]
	if !exists || !conns[conn] {
		return
	}
	delete(conns, conn)
	close(conn.Send)
	if len(conns) == 0 {
		delete(cm.connections, conn.SessionID)
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Msg("connection unregistered")
}

// Broadcast sends ev to every client following its session and to every
// unfiltered client. Slow clients are disconnected.
func (cm *ConnectionManager) Broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	// Sends happen under the read lock so no channel is closed underneath them.
	var slow []*Connection
	cm.mu.RLock()
	send := func(conns map[*Connection]bool) {
		for conn := range conns {
			select {
			case conn.Send <- data:
			default:
				slow = append(slow, conn)
			}
		}
	}
	send(cm.connections[allSessions])
	if ev.SessionID != allSessions {
		send(cm.connections[ev.SessionID])
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("event_type", string(ev.Type)).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// ConnectionStats summarises open websocket clients
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	BySession        map[string]int `json:"by_session"`
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{BySession: make(map[string]int)}
	for sessionID, conns := range cm.connections {
		key := sessionID
		if key == allSessions {
			key = "*"
		}
		stats.BySession[key] = len(conns)
		stats.TotalConnections += len(conns)
	}
	return stats
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.Lock()
	var all []*Connection
	for _, conns := range cm.connections {
		for conn := range conns {
			all = append(all, conn)
		}
	}
	cm.mu.Unlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to write to websocket")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump only services control frames; the event stream is one way.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			return
		}
		log.Debug().Str("connection_id", c.ID).Int("bytes", len(message)).Msg("ignoring client message")
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
