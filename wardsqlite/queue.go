// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wardsync/go-wardsync/wardsync"
)

// queueSchemaVersion is stamped into PRAGMA user_version. A store whose
// version does not match is destroyed and recreated rather than migrated;
// queued-but-unsynced mutations in the old store are lost. Availability is
// chosen over durability here.
const queueSchemaVersion = 1

// QueuedRecord is a sync record together with its local queue state.
type QueuedRecord struct {
	wardsync.SyncRecord
	Synced     bool
	RetryCount int
}

// Queue is the durable local queue of pending mutations. It lives in its own
// SQLite database, separate from the application's primary record store, so
// pending work survives process restarts and offline periods.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
	ownsDB bool
}

// OpenQueue opens (or creates) the queue database at path.
func OpenQueue(path string, logger *slog.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	q, err := NewQueue(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// NewQueue wraps an existing database handle. Safe to call more than once on
// the same database; initialization is idempotent.
func NewQueue(db *sql.DB, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{db: db, logger: logger}
	if err := q.init(); err != nil {
		return nil, err
	}
	return q, nil
}

// Close releases the underlying handle if the queue opened it.
func (q *Queue) Close() error {
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}

// init creates the queue schema, healing a version mismatch by destroying
// and recreating the store.
func (q *Queue) init() error {
	if _, err := q.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	var version int
	if err := q.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version != 0 && version != queueSchemaVersion {
		q.logger.Warn("sync queue schema mismatch, rebuilding store; unsynced changes are lost",
			"found", version, "expected", queueSchemaVersion)
		if err := q.destroy(); err != nil {
			return err
		}
	}

	return q.createSchema()
}

func (q *Queue) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          TEXT PRIMARY KEY,
			table_name  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload     TEXT,
			ts          INTEGER NOT NULL,
			synced      INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			device_id   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_pending ON sync_queue(synced, ts)`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, queueSchemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create queue schema: %w", err)
		}
	}
	return nil
}

func (q *Queue) destroy() error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS sync_queue`,
		`DROP TABLE IF EXISTS sync_meta`,
		`PRAGMA user_version = 0`,
	} {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to rebuild queue store: %w", err)
		}
	}
	return nil
}

// reinitialize is the recovery path for read failures: rebuild the store and
// carry on with an empty queue instead of propagating the error.
func (q *Queue) reinitialize(cause error) {
	q.logger.Warn("sync queue read failed, rebuilding store; pending changes are lost", "error", cause)
	if err := q.destroy(); err != nil {
		q.logger.Error("failed to destroy corrupt queue store", "error", err)
		return
	}
	if err := q.createSchema(); err != nil {
		q.logger.Error("failed to recreate queue store", "error", err)
	}
}

// Add appends a new entry with synced=false and retryCount=0. The write is
// durable before Add returns. A storage fault here loses the mutation; there
// is no secondary durability tier.
func (q *Queue) Add(ctx context.Context, rec *wardsync.SyncRecord) error {
	var payload any
	if rec.Data != nil {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("failed to encode change payload: %w", err)
		}
		payload = string(raw)
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, table_name, record_id, op, payload, ts, synced, retry_count, device_id)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, rec.ID, rec.TableName, rec.RecordID, rec.Operation, payload, rec.Timestamp, rec.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to queue change: %w", err)
	}
	return nil
}

// Pending returns all unsynced entries in enqueue order. A read failure
// rebuilds the store and yields an empty queue.
func (q *Queue) Pending(ctx context.Context) ([]QueuedRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, payload, ts, synced, retry_count, device_id
		FROM sync_queue
		WHERE synced = 0
		ORDER BY ts, rowid
	`)
	if err != nil {
		q.reinitialize(err)
		return nil, nil
	}
	defer rows.Close()

	var pending []QueuedRecord
	for rows.Next() {
		rec, err := scanQueued(rows)
		if err != nil {
			q.reinitialize(err)
			return nil, nil
		}
		pending = append(pending, rec)
	}
	if err := rows.Err(); err != nil {
		q.reinitialize(err)
		return nil, nil
	}
	return pending, nil
}

// MarkSynced sets synced=true for one entry. The flag is monotonic: marking
// an already-synced entry again is a no-op, and nothing ever resets it. An
// unknown id is also a no-op.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET synced = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark change synced: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry count for one entry; no-op for unknown ids.
// There is no cap and no backoff curve; the record stays pending and is
// resubmitted on the next cycle.
func (q *Queue) IncrementRetry(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// Count returns the number of pending (unsynced) entries, with the same
// rebuild-on-failure policy as Pending.
func (q *Queue) Count(ctx context.Context) int {
	var count int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE synced = 0
	`).Scan(&count); err != nil {
		q.reinitialize(err)
		return 0
	}
	return count
}

// Clear removes all entries unconditionally. Administrative reset only; the
// normal sync flow never deletes queue rows.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// LastSyncAt returns the persisted pull watermark (epoch millis of the last
// fully successful cycle), or zero when none is recorded.
func (q *Queue) LastSyncAt(ctx context.Context) int64 {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = 'last_sync_at'`).Scan(&value)
	if err != nil {
		return 0
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// SetLastSyncAt persists the pull watermark.
func (q *Queue) SetLastSyncAt(ctx context.Context, ms int64) error {
	if _, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES ('last_sync_at', ?)
	`, strconv.FormatInt(ms, 10)); err != nil {
		return fmt.Errorf("failed to persist sync watermark: %w", err)
	}
	return nil
}

func scanQueued(rows *sql.Rows) (QueuedRecord, error) {
	var rec QueuedRecord
	var payload sql.NullString
	var synced int
	if err := rows.Scan(&rec.ID, &rec.TableName, &rec.RecordID, &rec.Operation,
		&payload, &rec.Timestamp, &synced, &rec.RetryCount, &rec.DeviceID); err != nil {
		return rec, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	rec.Synced = synced != 0
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &rec.Data); err != nil {
			return rec, fmt.Errorf("failed to decode queued payload: %w", err)
		}
	}
	return rec, nil
}
