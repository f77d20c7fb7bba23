// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Change-nudge event types sent over the WebSocket channel. A nudge tells
// connected clients that new changes exist so they can pull immediately
// instead of waiting for their periodic timer.
const (
	EventSyncChanged = "sync.changed"
)

// NudgeEnvelope wraps every WebSocket message.
type NudgeEnvelope struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId,omitempty"` // device that caused the nudge
	Timestamp int64  `json:"timestamp"`
}

// Hub maintains active WebSocket connections and broadcasts change nudges.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub creates a nudge hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// HandleWS upgrades the request and keeps the connection registered until
// the peer goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()

	go h.writeLoop(conn, send)

	// Read loop exists only to detect disconnects; inbound messages are
	// ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
}

// BroadcastChanged notifies all connected clients that deviceID pushed new
// changes. Slow clients are dropped rather than blocking the broadcast.
func (h *Hub) BroadcastChanged(deviceID string) {
	msg, err := json.Marshal(&NudgeEnvelope{
		Type:      EventSyncChanged,
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- msg:
		default:
			h.logger.Warn("dropping slow websocket client")
			delete(h.clients, conn)
			close(send)
			_ = conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		delete(h.clients, conn)
		close(send)
		_ = conn.Close()
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, send chan []byte) {
	for msg := range send {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	h.mu.Unlock()
	_ = conn.Close()
}
