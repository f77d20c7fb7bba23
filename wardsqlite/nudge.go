// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsqlite

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

type nudgeEnvelope struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ListenNudges connects to the backend's WebSocket nudge channel and
// triggers a sync cycle whenever a peer device pushes changes. The
// connection is retried with exponential backoff and the goroutine exits
// when the engine is closed. Nudges from this device are ignored.
func (e *Engine) ListenNudges(wsURL string) {
	go e.nudgeLoop(wsURL)
}

func (e *Engine) nudgeLoop(wsURL string) {
	backoff := e.cfg.BackoffMin
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			e.logger.Debug("nudge channel unavailable", "url", wsURL, "error", err)
			select {
			case <-e.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.cfg.BackoffMax {
				backoff = e.cfg.BackoffMax
			}
			continue
		}

		backoff = e.cfg.BackoffMin
		e.readNudges(conn)
		_ = conn.Close()
	}
}

func (e *Engine) readNudges(conn *websocket.Conn) {
	// Close the connection when the engine shuts down so ReadMessage
	// unblocks.
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-e.stop:
			_ = conn.Close()
		case <-closed:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env nudgeEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		if env.DeviceID == e.deviceID {
			continue
		}
		e.ForceSync()
	}
}
