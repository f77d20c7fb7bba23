// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wardsync/go-wardsync/wardsqlite"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle for the local data directory",
	Long: `Push all pending local changes to the configured backend and apply the
backend's change feed locally. With no backend configured (client.base_url
empty) the cycle runs in local-only mode: every pending change is
acknowledged without network I/O.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger()

		engine, cleanup, err := buildEngine(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		if err := engine.SyncNow(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}

		state := engine.State()
		fmt.Printf("Sync complete: %d pending change(s) remain\n", state.PendingChanges)
	},
}

// buildEngine assembles the client-side composition root from configuration:
// queue and record stores under the data directory, device identity, and the
// engine itself. The returned cleanup closes everything in order.
func buildEngine(logger *slog.Logger) (*wardsqlite.Engine, func(), error) {
	dataDir := viper.GetString("client.data_dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	queue, err := wardsqlite.OpenQueue(filepath.Join(dataDir, "queue.db"), logger)
	if err != nil {
		return nil, nil, err
	}

	recordsDB, err := sql.Open("sqlite3", filepath.Join(dataDir, "records.db"))
	if err != nil {
		_ = queue.Close()
		return nil, nil, fmt.Errorf("failed to open record store: %w", err)
	}

	applier := wardsqlite.NewApplier(logger)
	for _, table := range viper.GetStringSlice("client.tables") {
		store, err := wardsqlite.NewJSONTableStore(recordsDB, table)
		if err != nil {
			_ = recordsDB.Close()
			_ = queue.Close()
			return nil, nil, err
		}
		applier.Register(table, store)
	}

	deviceID := wardsqlite.EnsureDeviceID(dataDir, logger)

	cfg := wardsqlite.DefaultConfig(viper.GetString("client.base_url"))
	cfg.Logger = logger

	engine, err := wardsqlite.NewEngine(queue, applier, deviceID, cfg)
	if err != nil {
		_ = recordsDB.Close()
		_ = queue.Close()
		return nil, nil, err
	}

	cleanup := func() {
		engine.Close()
		_ = recordsDB.Close()
		_ = queue.Close()
	}
	return engine, cleanup, nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
