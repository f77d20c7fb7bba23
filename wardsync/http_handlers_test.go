// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, auth *JWTAuth) *httptest.Server {
	t.Helper()
	service := newTestService(t)
	handlers := NewHTTPSyncHandlers(service, auth, nil)
	server := httptest.NewServer(handlers.Mux(nil))
	t.Cleanup(server.Close)
	return server
}

func doPush(t *testing.T, server *httptest.Server, deviceID string, req *PushRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, server.URL+"/sync/push", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if deviceID != "" {
		httpReq.Header.Set(HeaderDeviceID, deviceID)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	return resp
}

func TestPushPullRoundTrip(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doPush(t, server, "device-a", &PushRequest{
		Changes: []SyncRecord{
			change("c1", "patients", "p1", OpCreate, map[string]any{"name": "Ada"}, 100),
		},
		DeviceID:  "device-a",
		Timestamp: time.Now().UnixMilli(),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushResp PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	require.Equal(t, []string{"c1"}, pushResp.Synced)

	// Pull as a different device.
	pullReq, err := http.NewRequest(http.MethodGet, server.URL+"/sync/pull?since=0", nil)
	require.NoError(t, err)
	pullReq.Header.Set(HeaderDeviceID, "device-b")

	pullResp, err := http.DefaultClient.Do(pullReq)
	require.NoError(t, err)
	defer pullResp.Body.Close()
	require.Equal(t, http.StatusOK, pullResp.StatusCode)

	var changes []SyncRecord
	require.NoError(t, json.NewDecoder(pullResp.Body).Decode(&changes))
	require.Len(t, changes, 1)
	require.Equal(t, "c1", changes[0].ID)
	require.Equal(t, "device-a", changes[0].DeviceID)
}

func TestPullExcludesOwnDeviceViaQueryParam(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doPush(t, server, "device-a", &PushRequest{
		Changes: []SyncRecord{
			change("c1", "patients", "p1", OpCreate, map[string]any{"name": "Ada"}, 100),
		},
	})
	resp.Body.Close()

	// No header: the deviceId query parameter identifies the caller.
	pullResp, err := http.Get(server.URL + "/sync/pull?since=0&deviceId=device-a")
	require.NoError(t, err)
	defer pullResp.Body.Close()
	require.Equal(t, http.StatusOK, pullResp.StatusCode)

	var changes []SyncRecord
	require.NoError(t, json.NewDecoder(pullResp.Body).Decode(&changes))
	require.Empty(t, changes)
}

func TestPushRequiresDeviceID(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doPush(t, server, "", &PushRequest{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	require.Equal(t, "invalid_request", errResp.Error)
}

func TestPushRejectsWrongMethod(t *testing.T) {
	server := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/sync/push", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderDeviceID, "device-a")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPullRejectsBadSince(t *testing.T) {
	server := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/sync/pull?since=yesterday", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderDeviceID, "device-a")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	server := newTestServer(t, auth)

	// No token: rejected.
	resp := doPush(t, server, "device-a", &PushRequest{})
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token: accepted.
	token, err := auth.GenerateToken("device-a", time.Hour)
	require.NoError(t, err)

	body, err := json.Marshal(&PushRequest{
		Changes: []SyncRecord{
			change("c1", "patients", "p1", OpCreate, map[string]any{"name": "Ada"}, 100),
		},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/sync/push", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderDeviceID, "device-a")
	req.Header.Set("Authorization", "Bearer "+token)

	authResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authResp.Body.Close()
	require.Equal(t, http.StatusOK, authResp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
