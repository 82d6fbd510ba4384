package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/scanagent/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Operator surface is bound to a local address
	},
}

const writeTimeout = 5 * time.Second

// WSMessage is the envelope of every message on /ws
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HelloPayload is sent once per connection, before the first status
type HelloPayload struct {
	ServerInstanceID string `json:"server_instance_id"` // Changes on restart
}

// WebSocketHandler streams status snapshots and session events to operators
type WebSocketHandler struct {
	logger       arbor.ILogger
	status       interfaces.StatusStore
	eventService interfaces.EventService

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex

	statusThrottler  *rate.Limiter // nil = no throttling
	throttleInterval time.Duration
	trailingPending  atomic.Bool
	serverInstanceID string
}

// NewWebSocketHandler creates the handler and subscribes it to the event bus.
// statusThrottle bounds how often status snapshots are pushed; zero disables it.
func NewWebSocketHandler(eventService interfaces.EventService, status interfaces.StatusStore, statusThrottle time.Duration, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		status:           status,
		eventService:     eventService,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
	}

	if statusThrottle > 0 {
		h.statusThrottler = rate.NewLimiter(rate.Every(statusThrottle), 1)
		h.throttleInterval = statusThrottle
		logger.Debug().Dur("interval", statusThrottle).Msg("Status stream throttler initialized")
	}

	if eventService != nil {
		if err := h.subscribe(); err != nil {
			// Clients still get the snapshot on connect, only live updates are missing
			logger.Warn().Err(err).Msg("Failed to subscribe WebSocket handler to events")
		}
	}

	return h
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.send(conn, mutex, WSMessage{Type: "hello", Payload: HelloPayload{ServerInstanceID: h.serverInstanceID}})
	if h.status != nil {
		h.send(conn, mutex, WSMessage{Type: "status", Payload: h.status.Snapshot()})
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read until the client goes away; inbound messages are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		if err := h.write(conn, mutexes[i], data); err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, mutex *sync.Mutex, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	if err := h.write(conn, mutex, data); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, mutex *sync.Mutex, data []byte) error {
	mutex.Lock()
	defer mutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *WebSocketHandler) subscribe() error {
	var errs []error
	if err := h.eventService.Subscribe(interfaces.EventStatusChanged, func(ctx context.Context, event interfaces.Event) error {
		if h.statusThrottler != nil && !h.statusThrottler.Allow() {
			h.scheduleTrailingStatus()
			return nil
		}
		h.Broadcast(WSMessage{Type: "status", Payload: event.Payload})
		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("failed to subscribe to %s: %w", interfaces.EventStatusChanged, err))
	}

	for _, eventType := range []interfaces.EventType{
		interfaces.EventPhaseChanged,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
	} {
		eventType := eventType
		if err := h.eventService.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
			h.Broadcast(WSMessage{Type: string(eventType), Payload: event.Payload})
			return nil
		}); err != nil {
			errs = append(errs, fmt.Errorf("failed to subscribe to %s: %w", eventType, err))
		}
	}
	return errors.Join(errs...)
}

// scheduleTrailingStatus makes sure the last throttled change still reaches
// clients once the interval has passed
func (h *WebSocketHandler) scheduleTrailingStatus() {
	if h.status == nil || !h.trailingPending.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(h.throttleInterval, func() {
		h.trailingPending.Store(false)
		h.Broadcast(WSMessage{Type: "status", Payload: h.status.Snapshot()})
	})
}
