// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wardsync/go-wardsync/wardsync"
)

// TableStore performs the local writes for one synced collection. Upsert and
// Delete must be idempotent: re-applying the same change is a no-op.
type TableStore interface {
	Upsert(ctx context.Context, recordID string, data map[string]any) error
	Delete(ctx context.Context, recordID string) error
}

// Applier maps incoming sync records onto the local primary store. The set
// of handled tables is closed at construction time: every synced collection
// is registered explicitly, and changes for anything else are skipped.
// Skipping unknown tables keeps old clients compatible with newer backends
// at the cost of not applying those changes.
type Applier struct {
	logger *slog.Logger
	stores map[string]TableStore
}

// NewApplier creates an empty applier.
func NewApplier(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger, stores: make(map[string]TableStore)}
}

// Register binds a table name to its local store. Later registrations for
// the same name replace earlier ones.
func (a *Applier) Register(table string, store TableStore) {
	a.stores[table] = store
}

// Tables returns the registered table names, sorted.
func (a *Applier) Tables() []string {
	names := make([]string, 0, len(a.stores))
	for name := range a.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply performs the local write for one remote change. Create and update
// are both upserts keyed by the record id; delete removes the row if
// present.
func (a *Applier) Apply(ctx context.Context, change *wardsync.SyncRecord) error {
	store, ok := a.stores[change.TableName]
	if !ok {
		a.logger.Debug("skipping change for unregistered table",
			"table", change.TableName, "recordId", change.RecordID)
		return nil
	}

	switch change.Operation {
	case wardsync.OpCreate, wardsync.OpUpdate:
		if change.Data == nil {
			return fmt.Errorf("%s operation requires payload", change.Operation)
		}
		if err := store.Upsert(ctx, change.RecordID, change.Data); err != nil {
			return fmt.Errorf("failed to upsert %s.%s: %w", change.TableName, change.RecordID, err)
		}
		return nil
	case wardsync.OpDelete:
		if err := store.Delete(ctx, change.RecordID); err != nil {
			return fmt.Errorf("failed to delete %s.%s: %w", change.TableName, change.RecordID, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation: %s", change.Operation)
	}
}

// SQLiteTableStore is a TableStore over one table of a SQLite primary store.
// The upsert materializes whatever columns the payload carries.
type SQLiteTableStore struct {
	db       *sql.DB
	table    string
	pkColumn string
}

// NewSQLiteTableStore creates a store for table. An empty pkColumn defaults
// to "id".
func NewSQLiteTableStore(db *sql.DB, table, pkColumn string) *SQLiteTableStore {
	if pkColumn == "" {
		pkColumn = "id"
	}
	return &SQLiteTableStore{db: db, table: table, pkColumn: pkColumn}
}

// Upsert writes the full record state with INSERT OR REPLACE keyed by the
// primary key column.
func (s *SQLiteTableStore) Upsert(ctx context.Context, recordID string, data map[string]any) error {
	row := make(map[string]any, len(data)+1)
	for col, val := range data {
		row[strings.ToLower(col)] = val
	}
	row[s.pkColumn] = recordID

	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	colStr := ""
	phStr := ""
	values := make([]any, 0, len(columns))
	for i, col := range columns {
		if i > 0 {
			colStr += ", "
			phStr += ", "
		}
		colStr += fmt.Sprintf("%q", col)
		phStr += "?"
		values = append(values, row[col])
	}

	query := fmt.Sprintf("INSERT OR REPLACE INTO %q (%s) VALUES (%s)", s.table, colStr, phStr)
	if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}
	return nil
}

// Delete removes the record; a missing row is a no-op.
func (s *SQLiteTableStore) Delete(ctx context.Context, recordID string) error {
	query := fmt.Sprintf("DELETE FROM %q WHERE %q = ?", s.table, s.pkColumn)
	if _, err := s.db.ExecContext(ctx, query, recordID); err != nil {
		return fmt.Errorf("failed to execute delete: %w", err)
	}
	return nil
}

// JSONTableStore is a TableStore that keeps each record as one JSON document
// row, for callers that do not maintain per-column schemas locally.
type JSONTableStore struct {
	db    *sql.DB
	table string
}

// NewJSONTableStore creates the document table if needed and returns a store
// over it.
func NewJSONTableStore(db *sql.DB, table string) (*JSONTableStore, error) {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id         TEXT PRIMARY KEY,
		doc        TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`, table)
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create document table %s: %w", table, err)
	}
	return &JSONTableStore{db: db, table: table}, nil
}

// Upsert stores the full record state as a JSON document.
func (s *JSONTableStore) Upsert(ctx context.Context, recordID string, data map[string]any) error {
	doc, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %q (id, doc, updated_at) VALUES (?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, recordID, string(doc), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}
	return nil
}

// Delete removes the document; a missing row is a no-op.
func (s *JSONTableStore) Delete(ctx context.Context, recordID string) error {
	query := fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, recordID); err != nil {
		return fmt.Errorf("failed to execute delete: %w", err)
	}
	return nil
}
