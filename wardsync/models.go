// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsync

// REST/JSON models shared between the client engine and the sync backend.

// SyncRecord is the generic envelope for one record mutation. The same shape
// is used for uploads (push) and for the server's change feed (pull). The
// table name and payload are opaque to the transport; only the change applier
// and the backend interpret them.
type SyncRecord struct {
	ID        string         `json:"id"`             // queue-entry id, distinct from the business record id
	TableName string         `json:"tableName"`      // logical collection the mutation targets
	RecordID  string         `json:"recordId"`       // business entity id
	Operation string         `json:"operation"`      // create, update, delete
	Data      map[string]any `json:"data,omitempty"` // full record state at enqueue time (nil for delete)
	Timestamp int64          `json:"timestamp"`      // client enqueue time, epoch millis
	DeviceID  string         `json:"deviceId"`       // originating installation
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Changes   []SyncRecord `json:"changes"`
	DeviceID  string       `json:"deviceId"`
	Timestamp int64        `json:"timestamp"`
}

// PushResponse lists the subset of submitted record ids the backend accepted.
// Only these are marked synced locally; anything missing stays pending.
type PushResponse struct {
	Synced []string `json:"synced"`
}

// ErrorResponse is the JSON body for non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
