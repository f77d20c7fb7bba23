// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// HTTPSyncHandlers provides the HTTP surface of the sync backend:
// POST /sync/push, GET /sync/pull, GET /sync/ws and GET /healthz.
type HTTPSyncHandlers struct {
	service *Service
	auth    *JWTAuth // nil disables auth
	logger  *slog.Logger
}

// NewHTTPSyncHandlers creates the sync handlers. auth may be nil, in which
// case requests are accepted without a bearer token.
func NewHTTPSyncHandlers(service *Service, auth *JWTAuth, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{service: service, auth: auth, logger: logger}
}

// Mux returns an http.Handler with all sync routes registered.
func (h *HTTPSyncHandlers) Mux(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/pull", h.HandlePull)
	mux.HandleFunc("/healthz", h.HandleHealth)
	if hub != nil {
		mux.HandleFunc("/sync/ws", hub.HandleWS)
	}
	return mux
}

// HandlePush processes a batch of pushed changes and acknowledges the
// accepted subset.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	deviceID, ok := h.requireDevice(w, r)
	if !ok {
		return
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	accepted, err := h.service.RecordChanges(r.Context(), deviceID, pushReq.Changes)
	if err != nil {
		h.logger.Error("failed to record pushed changes", "error", err, "device", deviceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to record changes")
		return
	}

	h.writeJSON(w, &PushResponse{Synced: accepted})
}

// HandlePull returns the change feed authored since the given watermark,
// excluding the requesting device's own changes.
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	deviceID, ok := h.requireDevice(w, r)
	if !ok {
		return
	}

	since := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	// deviceId in the query mirrors the header; the header wins when both
	// are present so a device cannot ask for its own echoes back.
	changes, err := h.service.ChangesSince(r.Context(), since, deviceID)
	if err != nil {
		h.logger.Error("failed to read change feed", "error", err, "device", deviceID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to read change feed")
		return
	}
	if changes == nil {
		changes = []SyncRecord{}
	}

	h.writeJSON(w, changes)
}

// HandleHealth reports service liveness. Also used by clients as a
// reachability probe.
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "healthy"})
}

// requireDevice authenticates the request (when auth is configured) and
// extracts the device id from the X-Device-ID header, falling back to the
// deviceId query parameter.
func (h *HTTPSyncHandlers) requireDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.auth != nil {
		if _, err := h.auth.Authenticate(r); err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return "", false
		}
	}

	deviceID := r.Header.Get(HeaderDeviceID)
	if deviceID == "" {
		deviceID = r.URL.Query().Get("deviceId")
	}
	if deviceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing "+HeaderDeviceID+" header")
		return "", false
	}
	return deviceID, true
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message})
}
