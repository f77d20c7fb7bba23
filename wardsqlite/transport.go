// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wardsync/go-wardsync/wardsync"
)

// transport speaks the backend's push/pull HTTP contract. It is nil on a
// local-only engine.
type transport struct {
	baseURL  string
	deviceID string
	http     *http.Client
	token    func(context.Context) (string, error)
}

func newTransport(baseURL, deviceID string, client *http.Client, token func(context.Context) (string, error)) *transport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &transport{baseURL: baseURL, deviceID: deviceID, http: client, token: token}
}

// push submits one batch and returns the record ids the backend accepted.
// Any non-2xx response fails the whole batch.
func (t *transport) push(ctx context.Context, changes []wardsync.SyncRecord) ([]string, error) {
	body, err := json.Marshal(&wardsync.PushRequest{
		Changes:   changes,
		DeviceID:  t.deviceID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	var pushResp wardsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return pushResp.Synced, nil
}

// pull fetches the change feed authored since the given watermark. The
// device id rides along so the backend can exclude this device's echoes.
func (t *transport) pull(ctx context.Context, since int64) ([]wardsync.SyncRecord, error) {
	pullURL := fmt.Sprintf("%s/sync/pull?since=%d&deviceId=%s", t.baseURL, since, url.QueryEscape(t.deviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send pull request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	var changes []wardsync.SyncRecord
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return changes, nil
}

func (t *transport) authorize(ctx context.Context, req *http.Request) error {
	req.Header.Set(wardsync.HeaderDeviceID, t.deviceID)
	if t.token != nil {
		token, err := t.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
