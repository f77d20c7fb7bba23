// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package wardsync provides the wire models and the reference sync backend
// for the wardsync offline-first record synchronization protocol.
//
// The backend keeps an append-only change log in SQLite. Pushed changes are
// assigned a server sequence and recorded once per change id (re-pushing the
// same id is acknowledged without appending a duplicate). Pulls return the
// feed ordered by server sequence, excluding changes authored by the
// requesting device.
package wardsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Service implements the sync backend over a SQLite change log.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
	hub    *Hub // optional; broadcasts change nudges after accepted pushes
}

// ServiceConfig holds configuration for the sync backend.
type ServiceConfig struct {
	Logger *slog.Logger
	Hub    *Hub
}

// NewService creates the backend service and its change-log schema.
func NewService(db *sql.DB, config *ServiceConfig) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_changes (
			server_seq  INTEGER PRIMARY KEY AUTOINCREMENT,
			change_id   TEXT NOT NULL UNIQUE,
			table_name  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload     TEXT,
			ts          INTEGER NOT NULL,
			device_id   TEXT NOT NULL,
			received_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000)
		)`); err != nil {
		return nil, fmt.Errorf("failed to create change log: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sync_changes_ts_device
		ON sync_changes(ts, device_id)`); err != nil {
		return nil, fmt.Errorf("failed to create change log index: %w", err)
	}

	return &Service{db: db, logger: logger, hub: config.Hub}, nil
}

// RecordChanges appends a batch of pushed changes to the log and returns the
// ids that were accepted. Changes that fail validation are skipped (left out
// of the acknowledged set, so the client keeps them pending); a change id
// already present in the log is acknowledged again without re-appending.
func (s *Service) RecordChanges(ctx context.Context, deviceID string, changes []SyncRecord) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	accepted := make([]string, 0, len(changes))
	for i := range changes {
		ch := &changes[i]
		if err := validateChange(ch); err != nil {
			s.logger.Warn("rejecting pushed change", "changeId", ch.ID,
				"table", ch.TableName, "device", deviceID, "reason", err)
			continue
		}

		var payload any
		if ch.Data != nil {
			raw, err := json.Marshal(ch.Data)
			if err != nil {
				s.logger.Warn("rejecting pushed change with unencodable payload",
					"changeId", ch.ID, "table", ch.TableName, "error", err)
				continue
			}
			payload = string(raw)
		}

		// Device id on the log row comes from the authenticated request, not
		// from the record body, so a device cannot author changes as a peer.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_changes (change_id, table_name, record_id, op, payload, ts, device_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(change_id) DO NOTHING
		`, ch.ID, ch.TableName, ch.RecordID, ch.Operation, payload, ch.Timestamp, deviceID); err != nil {
			return nil, fmt.Errorf("failed to append change %s: %w", ch.ID, err)
		}
		accepted = append(accepted, ch.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit change batch: %w", err)
	}

	if s.hub != nil && len(accepted) > 0 {
		s.hub.BroadcastChanged(deviceID)
	}
	return accepted, nil
}

// ChangesSince returns the change feed authored strictly after since
// (client enqueue time, epoch millis), excluding the requesting device's own
// changes, in server sequence order.
func (s *Service) ChangesSince(ctx context.Context, since int64, excludeDeviceID string) ([]SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_id, table_name, record_id, op, payload, ts, device_id
		FROM sync_changes
		WHERE ts > ? AND device_id != ?
		ORDER BY server_seq
	`, since, excludeDeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query change feed: %w", err)
	}
	defer rows.Close()

	var changes []SyncRecord
	for rows.Next() {
		var rec SyncRecord
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TableName, &rec.RecordID, &rec.Operation,
			&payload, &rec.Timestamp, &rec.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &rec.Data); err != nil {
				return nil, fmt.Errorf("failed to decode payload for change %s: %w", rec.ID, err)
			}
		}
		changes = append(changes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change feed: %w", err)
	}
	return changes, nil
}

// ChangeCount returns the number of entries in the change log.
func (s *Service) ChangeCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_changes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return count, nil
}

func validateChange(ch *SyncRecord) error {
	if ch.ID == "" {
		return fmt.Errorf("missing change id")
	}
	if ch.TableName == "" {
		return fmt.Errorf("missing table name")
	}
	if ch.RecordID == "" {
		return fmt.Errorf("missing record id")
	}
	if !ValidOp(ch.Operation) {
		return fmt.Errorf("unknown operation %q", ch.Operation)
	}
	if ch.Operation != OpDelete && ch.Data == nil {
		return fmt.Errorf("%s requires a payload", ch.Operation)
	}
	return nil
}
